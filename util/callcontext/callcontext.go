package callcontext

import (
	"context"
	"time"

	"github.com/xiaonanln/netfabric/core"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey int

const (
	clientIDKey contextKey = iota
	sessionIDKey
)

// WithClientID returns a new context carrying the client on whose behalf a
// container request runs.
func WithClientID(ctx context.Context, clientID core.ClientUUID) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ClientID retrieves the client ID from the context
// Returns empty string if no client ID is present
func ClientID(ctx context.Context) core.ClientUUID {
	if clientID, ok := ctx.Value(clientIDKey).(core.ClientUUID); ok {
		return clientID
	}
	return ""
}

// FromClient checks if the context carries a client ID
func FromClient(ctx context.Context) bool {
	return ctx.Value(clientIDKey) != nil
}

// WithSessionID returns a new context carrying the workspace session a
// request was resolved to.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionID returns the session stored by WithSessionID, or "".
func SessionID(ctx context.Context) string {
	s, _ := ctx.Value(sessionIDKey).(string)
	return s
}

// WithDefaultTimeout bounds ctx by timeout unless it already has a deadline
// or timeout is not positive. The returned context is always cancellable.
func WithDefaultTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
