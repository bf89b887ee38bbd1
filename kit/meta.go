package kit

import "context"

type metaKey struct{}

// Meta is the request metadata an endpoint sees regardless of transport.
type Meta struct {
	Transport string // "http", "mcp", "ws"
	RequestID string
}

// WithMeta attaches m to ctx.
func WithMeta(ctx context.Context, m Meta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

// MetaFrom returns the metadata of ctx. Transport defaults to "http".
func MetaFrom(ctx context.Context) Meta {
	m, _ := ctx.Value(metaKey{}).(Meta)
	if m.Transport == "" {
		m.Transport = "http"
	}
	return m
}
