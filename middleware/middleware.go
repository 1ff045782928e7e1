package middleware

import (
	"context"

	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
	"github.com/lucas-schuermann/pcisph-wasm/message"
)

// Invocation is one request as seen by a dispatcher: the decoded message and the
// resources that arrived with it.
type Invocation struct {
	Message  *message.Message
	Transfer []endpoint.Transferable
}

// HandlerFunc executes an invocation and returns the value to reply with. A non-nil
// error is sent back to the caller as a thrown failure.
type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
