package dcontext

import "context"

// DetachedContext returns a context that won't be canceled when the parent
// context is canceled. Background block tasks (prefetch, deferred flushes)
// run under it so they complete even after the caller that scheduled them
// has returned.
//
// The detached context preserves all values from the parent context (logger,
// owner, etc.) but removes cancellation/deadline behavior.
func DetachedContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
