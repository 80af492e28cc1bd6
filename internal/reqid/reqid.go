// Package reqid carries the per-request correlation ID through context.
package reqid

import "context"

type key struct{}

// With returns a new context with the request ID attached.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key{}, id)
}

// From extracts the request ID, if present.
func From(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if s, ok := ctx.Value(key{}).(string); ok && s != "" {
		return s, true
	}
	return "", false
}
