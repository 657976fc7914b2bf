package requestctx

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const fiberLocalsKey = "requestctx"

// Key is the typed context key used for storing the RequestContext.
var Key contextKey = "promptrefine-metering/requestctx"

// Context captures the caller identity presented on a request before and
// after account resolution.
type Context struct {
	RequestID string

	// Raw identifiers as presented by the caller.
	Subject string
	UserID  string
	Email   string

	// Populated once the identity resolver has matched an account.
	AccountID uuid.UUID
	Resolved  bool
}

// WithContext embeds the request context into the parent context.
func WithContext(parent context.Context, rc *Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, Key, rc)
}

// FromContext retrieves the request context if present.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(Key).(*Context)
	return rc, ok
}

// FiberLocalsKey returns the key used in fiber.Locals for request context storage.
func FiberLocalsKey() string {
	return fiberLocalsKey
}
