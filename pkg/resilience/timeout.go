package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/segment-index/pkg/errors"
)

// WithTimeout runs fn under a deadline of d. A zero d means no deadline.
// When the deadline fires first the result is an ErrTimeout-wrapped error,
// even if fn has not returned yet; fn must honour ctx to stop its work.
func WithTimeout[T any](ctx context.Context, d time.Duration, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome{v, err}
	}()

	var zero T
	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) {
			return zero, fmt.Errorf("%s: %w after %v", name, apperrors.ErrTimeout, d)
		}
		return o.val, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%s: %w after %v", name, apperrors.ErrTimeout, d)
		}
		return zero, fmt.Errorf("%s: %w", name, ctx.Err())
	}
}
