package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lucas-schuermann/pcisph-wasm/message"
)

type temporary interface {
	Temporary() bool
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var t temporary
	return errors.As(err, &t) && t.Temporary()
}

// RetryMiddleware re-runs failed GET requests with exponential backoff. Other request
// types may have side effects and are never repeated.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			if inv.Message.Type != message.TypeGet || maxRetries <= 0 {
				return next(ctx, inv)
			}

			b := backoff.NewExponentialBackOff()
			b.InitialInterval = baseDelay
			b.Multiplier = 2
			b.RandomizationFactor = 0
			b.MaxElapsedTime = 0
			policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)

			var result any
			attempt := 0
			err := backoff.Retry(func() error {
				var err error
				result, err = next(ctx, inv)
				if err == nil {
					return nil
				}
				if !Retryable(err) {
					return backoff.Permanent(err)
				}
				attempt++
				log.Info("retrying request",
					zap.Int("attempt", attempt),
					zap.Stringer("path", inv.Message.Path),
					zap.Error(err))
				return err
			}, policy)
			if err != nil {
				return nil, err
			}
			return result, nil
		}
	}
}
