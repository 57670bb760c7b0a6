package context

import "context"

type requestIDKey struct{}

const noRequestID = "no-request-id"

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func GetRequestID(ctx context.Context) string {
	if s, ok := ctx.Value(requestIDKey{}).(string); ok {
		return s
	}
	return ""
}

// TraceID is the request id used as the trace id of outbox rows and audit lines.
func TraceID(ctx context.Context) string {
	if rid := GetRequestID(ctx); rid != "" {
		return rid
	}
	return noRequestID
}
