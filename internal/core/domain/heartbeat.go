package domain

import "context"

type heartbeatKey struct{}

// WithHeartbeat returns a context that carries fn. Work running under the
// context calls Beat to report that it is still alive.
func WithHeartbeat(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, heartbeatKey{}, fn)
}

// Beat invokes the heartbeat carried by ctx, if any.
func Beat(ctx context.Context) {
	if fn, ok := ctx.Value(heartbeatKey{}).(func()); ok && fn != nil {
		fn()
	}
}
