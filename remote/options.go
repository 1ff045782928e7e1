package remote

import (
	"context"

	"go.uber.org/zap"

	"github.com/lucas-schuermann/pcisph-wasm/message"
	"github.com/lucas-schuermann/pcisph-wasm/middleware"
)

type options struct {
	log         *zap.Logger
	middlewares []middleware.Middleware
	maxDepth    int
}

// Option configures Serve and Wrap.
type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMiddleware wraps request handling. Nested dispatchers started for exposed
// values inherit the chain.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(o *options) {
		o.middlewares = append(o.middlewares, mw...)
	}
}

func WithMaxPathDepth(n int) Option {
	return func(o *options) {
		o.maxDepth = n
	}
}

func newOptions(opts []Option) *options {
	o := &options{log: zap.NewNop(), maxDepth: message.MaxPathDepth}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) asOptions() []Option {
	return []Option{
		WithLogger(o.log),
		WithMiddleware(o.middlewares...),
		WithMaxPathDepth(o.maxDepth),
	}
}

type optionsKey struct{}

func contextWithOptions(ctx context.Context, o *options) context.Context {
	return context.WithValue(ctx, optionsKey{}, o)
}

func optionsFromContext(ctx context.Context) *options {
	if o, ok := ctx.Value(optionsKey{}).(*options); ok {
		return o
	}
	return newOptions(nil)
}
