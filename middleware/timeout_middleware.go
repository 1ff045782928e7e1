package middleware

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("request timed out")

// TimeOutMiddleware bounds how long a handler may run. The handler keeps running in
// the background after the deadline; its ctx is cancelled so it can stop early.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				result any
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, inv)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, ErrTimeout
			}
		}
	}
}
