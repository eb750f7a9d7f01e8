package backends

import (
	"context"

	"github.com/tributary-ai/switchyard/internal/types"
)

// Core backend interface - both API surfaces implement
type Backend interface {
	Type() types.BackendType
	Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error)
	Probe(ctx context.Context) error
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation id to the context so backend
// clients can stamp it onto classified errors.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFrom returns the correlation id carried by the context, or
// an empty string when none was attached.
func CorrelationIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}
