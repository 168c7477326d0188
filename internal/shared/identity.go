package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type identityKey struct{}

// Identity is the immutable request-scoped caller identity. It is resolved
// once at the transport boundary and threaded through every call; handlers
// never consult ambient/global state for who is calling.
type Identity struct {
	TenantID string
	AgentID  string
	Tier     string
}

// WithIdentity attaches the caller identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom extracts the caller identity from context.
// Returns a zero Identity and false if absent.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}
