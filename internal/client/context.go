package client

import "context"

type retriedKey struct{}

type noRefreshKey struct{}

// withRetried marks the request carried by ctx as already retried once.
// The marker is per request, so independent requests keep their own budget.
func withRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func retried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

// WithoutRefresh marks requests made with ctx as exempt from 401 handling.
// A 401 is then returned to the caller as is. Used for the login call, where
// a 401 means bad credentials rather than an expired token.
func WithoutRefresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRefreshKey{}, true)
}

func refreshDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noRefreshKey{}).(bool)
	return v
}
