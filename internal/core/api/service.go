// Package api exposes the stage condition engine over gRPC.
//
// The service is registered by hand rather than generated: every method
// takes and returns a google.protobuf.Struct holding the JSON form of the
// request and result types. Clients in any language can call it with the
// well-known Struct type and no schema of their own.
//
//	/stagecondition.v1.StageCondition/EvaluateAndExecute
//	/stagecondition.v1.StageCondition/ValidateRules
//	/stagecondition.v1.StageCondition/ValidateActions
//	/stagecondition.v1.StageCondition/ValidateCondition
package api

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flowflex/stagecondition/internal/actions"
	"github.com/flowflex/stagecondition/internal/engine"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "stagecondition.v1.StageCondition"

// Method names.
const (
	MethodEvaluateAndExecute = "EvaluateAndExecute"
	MethodValidateRules      = "ValidateRules"
	MethodValidateActions    = "ValidateActions"
	MethodValidateCondition  = "ValidateCondition"
)

// FullMethod returns the /service/method path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Server is the handler set registered under ServiceName.
type Server interface {
	EvaluateAndExecute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ValidateRules(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ValidateActions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ValidateCondition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the StageCondition service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodEvaluateAndExecute, Handler: unaryHandler(MethodEvaluateAndExecute, Server.EvaluateAndExecute)},
		{MethodName: MethodValidateRules, Handler: unaryHandler(MethodValidateRules, Server.ValidateRules)},
		{MethodName: MethodValidateActions, Handler: unaryHandler(MethodValidateActions, Server.ValidateActions)},
		{MethodName: MethodValidateCondition, Handler: unaryHandler(MethodValidateCondition, Server.ValidateCondition)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stagecondition/v1/stagecondition.proto",
}

// Register adds srv to registrar under ServiceName.
func Register(registrar grpc.ServiceRegistrar, srv Server) {
	registrar.RegisterService(&ServiceDesc, srv)
}

type structCall func(Server, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unaryHandler adapts call to grpc.MethodHandler the way protoc-gen-go-grpc
// output does, running the server's interceptor chain when one is set.
func unaryHandler(method string, call structCall) grpc.MethodHandler {
	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(method)}
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(Server), ctx, in)
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(Server), ctx, req.(*structpb.Struct))
		}
		i := *info
		i.Server = srv
		return interceptor(ctx, in, &i, handler)
	}
}

// Service implements Server. Thin orchestration layer delegating to the
// engine and the validators.
type Service struct {
	orch     *engine.Orchestrator
	reader   engine.Reader
	executor actions.ActionExecutor
	logger   *slog.Logger
}

var _ Server = (*Service)(nil)

// NewService creates the service. executor may be nil, in which case
// ValidateCondition does not check action definitions.
func NewService(orch *engine.Orchestrator, reader engine.Reader, executor actions.ActionExecutor, logger *slog.Logger) (*Service, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if reader == nil {
		return nil, fmt.Errorf("reader cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		orch:     orch,
		reader:   reader,
		executor: executor,
		logger:   logger,
	}, nil
}
