package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/flowflex/stagecondition/internal/core/auth"
	"github.com/flowflex/stagecondition/internal/types"
)

// Auth errors are mapped in the auth interceptor. Everything the handlers
// return goes through toStatus:
//
//	ErrInvalidRequest  INVALID_ARGUMENT
//	ErrNotFound        NOT_FOUND
//	deadline           DEADLINE_EXCEEDED
//	cancellation       CANCELED
//	anything else      UNAVAILABLE
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, types.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, types.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

func tenantFrom(ctx context.Context) (types.TenantID, error) {
	tenant := auth.TenantFromContext(ctx)
	if tenant == "" {
		return "", status.Error(codes.Internal, "missing tenant_id in context")
	}
	return tenant, nil
}
