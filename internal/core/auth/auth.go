// Package auth provides HMAC-based API key authentication for gRPC services.
//
// Keys have the form sc-v1-<secret_id>-<random>. The secret_id selects one of
// the HMAC secrets loaded from the environment; the HMAC of the whole key
// under that secret is what the api_keys table stores.
package auth

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/flowflex/stagecondition/internal/types"
)

// MetadataKey is the gRPC metadata entry carrying the API key.
const MetadataKey = "x-api-key"

// contextKey is a typed key for context values to avoid collisions.
type contextKey string

// tenantIDKey is the context key for storing authenticated tenant ID.
const tenantIDKey = contextKey("tenant_id")

// Queries interface defines database operations needed for authentication.
// Implemented by *db.Queries.
type Queries interface {
	Get(ctx context.Context, name string, dest any, args ...any) error
	Exec(ctx context.Context, name string, args ...any) (sql.Result, error)
}

// Authenticator validates API keys using HMAC-SHA256 signatures.
// Holds in-memory secret map for O(1) lookup and queries for key verification.
type Authenticator struct {
	secrets map[string][]byte
	queries Queries
	now     func() time.Time
}

// NewAuthenticator creates an authenticator with HMAC secrets and query interface.
func NewAuthenticator(secrets map[string][]byte, queries Queries) *Authenticator {
	return &Authenticator{
		secrets: secrets,
		queries: queries,
		now:     time.Now,
	}
}

type keyRow struct {
	APIKeyID   string         `db:"api_key_id"`
	TenantID   string         `db:"tenant_id"`
	LastUsedAt sql.NullString `db:"last_used_at"`
	RevokedAt  sql.NullString `db:"revoked_at"`
}

// Authenticate validates API key and returns the owning tenant on success.
// Returns specific error for each failure mode (5-tier taxonomy).
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (types.TenantID, error) {
	secretID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return "", err
	}

	// O(1) lookup of HMAC secret using secret_id from key format
	secret, ok := a.secrets[secretID]
	if !ok {
		return "", ErrUnknownKey
	}

	hash := hex.EncodeToString(ComputeHMAC(secret, apiKey))

	var row keyRow
	err = a.queries.Get(ctx, "get-api-key-by-hash", &row, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStore, err)
	}

	if row.RevokedAt.Valid {
		return "", ErrKeyRevoked
	}

	// 1-minute throttle keeps busy clients from writing on every call
	now := a.now().UTC()
	if shouldUpdateLastUsed(row.LastUsedAt, now) {
		_, _ = a.queries.Exec(ctx, "update-last-used", now.Format(time.RFC3339Nano), row.APIKeyID)
	}

	return types.TenantID(row.TenantID), nil
}

// shouldUpdateLastUsed implements 1-minute throttle to reduce write amplification.
func shouldUpdateLastUsed(lastUsed sql.NullString, now time.Time) bool {
	if !lastUsed.Valid {
		return true
	}
	t, err := time.Parse(time.RFC3339Nano, lastUsed.String)
	if err != nil {
		return true
	}
	return now.Sub(t) > time.Minute
}

// Issue creates a key for tenant under secretID and stores its hash. The
// plaintext key is returned once and never stored.
func (a *Authenticator) Issue(ctx context.Context, tenant types.TenantID, secretID, name string) (apiKeyID, apiKey string, err error) {
	secret, ok := a.secrets[secretID]
	if !ok {
		return "", "", ErrUnknownKey
	}
	random, err := RandomKeyData()
	if err != nil {
		return "", "", err
	}
	apiKey = FormatAPIKey(secretID, random)
	apiKeyID = uuid.Must(uuid.NewV7()).String()

	_, err = a.queries.Exec(ctx, "insert-api-key",
		apiKeyID, tenant, name, secretID,
		hex.EncodeToString(ComputeHMAC(secret, apiKey)),
		a.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrStore, err)
	}
	return apiKeyID, apiKey, nil
}

// Revoke marks a key revoked. Revoking twice is not an error.
func (a *Authenticator) Revoke(ctx context.Context, apiKeyID string) error {
	_, err := a.queries.Exec(ctx, "revoke-api-key", a.now().UTC().Format(time.RFC3339Nano), apiKeyID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// UnaryInterceptor returns gRPC interceptor that authenticates requests.
// Methods listed in public skip authentication (health checks).
func (a *Authenticator) UnaryInterceptor(public ...string) grpc.UnaryServerInterceptor {
	skip := make(map[string]bool, len(public))
	for _, m := range public {
		skip[m] = true
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if skip[info.FullMethod] {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		apiKeys := md.Get(MetadataKey)
		if len(apiKeys) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrMissingKey.Error())
		}

		tenantID, err := a.Authenticate(ctx, apiKeys[0])
		if err != nil {
			switch {
			case errors.Is(err, ErrKeyRevoked):
				return nil, status.Error(codes.PermissionDenied, err.Error())
			case errors.Is(err, ErrStore):
				return nil, status.Error(codes.Unavailable, err.Error())
			default:
				return nil, status.Error(codes.Unauthenticated, err.Error())
			}
		}

		return handler(WithTenant(ctx, tenantID), req)
	}
}

// WithTenant returns ctx carrying an authenticated tenant.
func WithTenant(ctx context.Context, tenant types.TenantID) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenant)
}

// TenantFromContext extracts tenant ID from context.
// Returns empty string if not found.
func TenantFromContext(ctx context.Context) types.TenantID {
	if tenantID, ok := ctx.Value(tenantIDKey).(types.TenantID); ok {
		return tenantID
	}
	return ""
}
