package identity

import (
	"context"
	"fmt"
	"time"

	"lumen/api/internal/backend"
	"lumen/api/internal/clock"
)

// bounded runs fetch and gives up after timeout on clk. The fetch context
// is cancelled on every return path, so a late result is discarded.
// A non-positive timeout waits for fetch or ctx.
func bounded[T any](ctx context.Context, clk clock.Clock, timeout time.Duration, op string, fetch func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	results := make(chan result, 1)
	go func() {
		value, err := fetch(ctx)
		results <- result{value: value, err: err}
	}()

	var expired chan struct{}
	if timeout > 0 {
		expired = make(chan struct{})
		timer := clk.AfterFunc(timeout, func() { close(expired) })
		defer timer.Stop()
	}

	var zero T
	select {
	case r := <-results:
		return r.value, r.err
	case <-expired:
		return zero, fmt.Errorf("%s: %w after %s", op, backend.ErrTimeout, timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
