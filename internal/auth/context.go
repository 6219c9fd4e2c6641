// ABOUTME: Authenticated caller carried through request handlers
// ABOUTME: WithCaller/CallerFrom propagate the verified token subject via context

package auth

import (
	"context"
	"time"
)

// Caller is the identity behind a verified bearer token.
type Caller struct {
	Subject   string
	ExpiresAt time.Time
}

type callerKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller in ctx, or nil for anonymous requests.
func CallerFrom(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey{}).(*Caller)
	return c
}
