package telemetry

import (
	"context"
	"errors"
)

// ErrNotInitialized is returned when telemetry is accessed before a Client
// has been created and attached to the context.
var ErrNotInitialized = errors.New("telemetry client not initialized")

type clientKey struct{}

// WithClient returns a context carrying c.
func WithClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// FromContext returns the Client attached to ctx.
func FromContext(ctx context.Context) (*Client, error) {
	if c, ok := ctx.Value(clientKey{}).(*Client); ok && c != nil {
		return c, nil
	}
	return nil, ErrNotInitialized
}
