package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			start := time.Now()
			result, err := next(ctx, inv)
			fields := []zap.Field{
				zap.String("type", string(inv.Message.Type)),
				zap.Stringer("path", inv.Message.Path),
				zap.String("id", inv.Message.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Warn("request failed", append(fields, zap.Error(err))...)
				return result, err
			}
			log.Debug("request handled", fields...)
			return result, nil
		}
	}
}
