// Package remote turns a message port into a transparent remote-object boundary.
//
// One side exposes a root object with Serve; the other side wraps its port with Wrap and
// drives that object through a Proxy. Member access composes paths locally; only Get,
// Set, Call, New, Endpoint and Release send a request, and each request carries the whole
// accumulated path, so proxy.Prop("a").Prop("b").Get(ctx) is a single round trip.
//
//	d := remote.Serve(ch.Port1, map[string]any{"a": map[string]any{"b": func(x int) int { return x + 1 }}})
//	p := remote.Wrap(ch.Port2)
//	v, err := remote.CallAs[int](ctx, p.Prop("a").Prop("b"), 41) // 42
//
// Values cross the boundary as wire values: RAW values travel as they are, Exposed values
// are served on a dedicated channel and arrive as a *Proxy, failures arrive as *Error.
package remote

import (
	"context"
	"errors"
	"sync"

	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
	"github.com/lucas-schuermann/pcisph-wasm/message"
)

var (
	ErrReleased         = errors.New("remote: proxy has been released")
	ErrMemberNotFound   = errors.New("remote: member not found")
	ErrNotFunction      = errors.New("remote: target is not a function")
	ErrNotConstructor   = errors.New("remote: target is not a constructor")
	ErrNotAssignable    = errors.New("remote: target is not assignable")
	ErrTooManyArguments = errors.New("remote: too many arguments")
	ErrBadArgument      = errors.New("remote: argument has the wrong type")
	ErrNotCloneable     = errors.New("remote: value cannot be cloned; expose it instead")
	ErrNotProxy         = errors.New("remote: result is not a remote handle")
	ErrUnknownHandler   = errors.New("remote: unknown transfer handler")
	ErrBadTransfer      = errors.New("remote: transfer index out of range")
	ErrPathTooDeep      = message.ErrPathTooDeep
)

// Exposed marks a value that must stay where it is. Instead of a copy, the receiving
// side gets a *Proxy served from a dedicated channel.
type Exposed struct {
	Value any
}

func Expose(v any) Exposed { return Exposed{Value: v} }

// Transferred attaches resources whose ownership moves with the value. The sender's
// handles are detached once the message is posted.
//
// Value may be nil (the resources alone are sent), one of the resources, or a map or
// slice whose direct elements are resources; those are re-homed on arrival.
type Transferred struct {
	Value     any
	Resources []endpoint.Transferable
}

func Transfer(v any, resources ...endpoint.Transferable) Transferred {
	return Transferred{Value: v, Resources: resources}
}

// Thrown marks a failure to be reported to the caller instead of a result.
type Thrown struct {
	Value any
}

// Resolver is a member whose value is produced on first use, such as a root that
// finishes initializing in the background.
type Resolver interface {
	Resolve(ctx context.Context) (any, error)
}

// Lazy is a Resolver that runs fn once and remembers the outcome.
type Lazy struct {
	once sync.Once
	fn   func(ctx context.Context) (any, error)
	v    any
	err  error
}

func NewLazy(fn func(ctx context.Context) (any, error)) *Lazy {
	return &Lazy{fn: fn}
}

func (l *Lazy) Resolve(ctx context.Context) (any, error) {
	l.once.Do(func() {
		l.v, l.err = l.fn(ctx)
	})
	return l.v, l.err
}
