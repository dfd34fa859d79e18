// Package context carries request correlation values used by logging and
// tracing.
package context

import "context"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	actorKey
)

type actor struct {
	role string
	id   string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func WithActor(ctx context.Context, role, id string) context.Context {
	return context.WithValue(ctx, actorKey, actor{role: role, id: id})
}

// ActorFromContext returns the actor role and id, empty when unset.
func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	v, _ := ctx.Value(actorKey).(actor)
	return v.role, v.id
}
