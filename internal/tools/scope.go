package tools

import "context"

// Scope identifies the conversation a tool call runs inside. The pipeline
// installs it on the context before invoking the dispatcher so handlers
// never trust model-supplied chat or user ids.
type Scope struct {
	ChatID   int64
	ThreadID int64
	UserID   int64
	Platform string
}

type scopeKey struct{}

// WithScope attaches the conversation scope to ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the conversation scope, zero when absent.
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}
