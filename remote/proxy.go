package remote

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
	"github.com/lucas-schuermann/pcisph-wasm/message"
)

// wrapState is shared by every proxy derived from one Wrap call. Releasing any of them
// ends the far side's dispatcher, so all of them become unusable together.
type wrapState struct {
	released atomic.Bool
	opts     *options
}

// Proxy is a local handle on a member of a remote object graph.
//
// Prop and Index only extend the path. Get, Set, Call, New, Endpoint and Release each
// send exactly one request carrying the whole path. Proxies are safe for concurrent use.
type Proxy struct {
	port  endpoint.Port
	path  message.Path
	state *wrapState
}

// Wrap returns a proxy for the root object served on the other side of port.
func Wrap(port endpoint.Port, opts ...Option) *Proxy {
	port.Start()
	return &Proxy{port: port, state: &wrapState{opts: newOptions(opts)}}
}

func (p *Proxy) with(seg message.Segment) *Proxy {
	return &Proxy{port: p.port, path: p.path.Append(seg), state: p.state}
}

// Prop returns the proxy for member name. No message is sent.
func (p *Proxy) Prop(name string) *Proxy { return p.with(message.Name(name)) }

// Index returns the proxy for element i. No message is sent.
func (p *Proxy) Index(i int) *Proxy { return p.with(message.Index(i)) }

// At extends the path by a dotted sub-path such as "sim.particles.0".
func (p *Proxy) At(path string) *Proxy {
	out := p
	for _, seg := range message.ParsePath(path) {
		out = out.with(seg)
	}
	return out
}

func (p *Proxy) Path() message.Path { return p.path }

func (p *Proxy) Port() endpoint.Port { return p.port }

func (p *Proxy) Released() bool { return p.state.released.Load() }

func (p *Proxy) String() string {
	return fmt.Sprintf("remote.Proxy(%s)", p.path)
}

func (p *Proxy) send(ctx context.Context, msg *message.Message, transfer []endpoint.Transferable) (any, error) {
	if p.state.released.Load() {
		return nil, ErrReleased
	}
	if err := p.path.Validate(p.state.opts.maxDepth); err != nil {
		return nil, err
	}
	msg.Path = p.path

	reply, received, err := request(ctx, p.port, msg, transfer)
	if err != nil {
		return nil, err
	}
	if reply.Value == nil {
		return nil, nil
	}
	return Materialize(contextWithOptions(ctx, p.state.opts), *reply.Value, received)
}

func (p *Proxy) classifyArgs(ctx context.Context, args []any) ([]message.WireValue, []endpoint.Transferable, error) {
	ctx = contextWithOptions(ctx, p.state.opts)
	var transfer []endpoint.Transferable
	list := make([]message.WireValue, len(args))
	for i, a := range args {
		wv, err := classifyInto(ctx, a, &transfer)
		if err != nil {
			return nil, nil, fmt.Errorf("argument %d: %w", i, err)
		}
		list[i] = wv
	}
	return list, transfer, nil
}

// Get reads the member at this path.
func (p *Proxy) Get(ctx context.Context) (any, error) {
	return p.send(ctx, &message.Message{Type: message.TypeGet}, nil)
}

// Set assigns v to the member at this path.
func (p *Proxy) Set(ctx context.Context, v any) error {
	if len(p.path) == 0 {
		return fmt.Errorf("%w: cannot assign to the root", ErrNotAssignable)
	}
	wv, transfer, err := Classify(contextWithOptions(ctx, p.state.opts), v)
	if err != nil {
		return err
	}
	_, err = p.send(ctx, &message.Message{Type: message.TypeSet, Value: &wv}, transfer)
	return err
}

// Call invokes the function at this path. Methods are called on the member that owns
// them.
func (p *Proxy) Call(ctx context.Context, args ...any) (any, error) {
	list, transfer, err := p.classifyArgs(ctx, args)
	if err != nil {
		return nil, err
	}
	return p.send(ctx, &message.Message{Type: message.TypeApply, ArgumentList: list}, transfer)
}

// New constructs a value with the function at this path and returns a proxy for it.
// The instance stays on the far side.
func (p *Proxy) New(ctx context.Context, args ...any) (*Proxy, error) {
	list, transfer, err := p.classifyArgs(ctx, args)
	if err != nil {
		return nil, err
	}
	v, err := p.send(ctx, &message.Message{Type: message.TypeConstruct, ArgumentList: list}, transfer)
	if err != nil {
		return nil, err
	}
	instance, ok := v.(*Proxy)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotProxy, v)
	}
	return instance, nil
}

// Endpoint asks the far side for a new dedicated channel rooted at this path and returns
// the local end. Wrap it, or transfer it to a third party.
func (p *Proxy) Endpoint(ctx context.Context) (endpoint.Port, error) {
	v, err := p.send(ctx, &message.Message{Type: message.TypeEndpoint}, nil)
	if err != nil {
		return nil, err
	}
	port, ok := v.(endpoint.Port)
	if !ok {
		return nil, fmt.Errorf("%w: expected a port, got %T", ErrBadTransfer, v)
	}
	return port, nil
}

// Release tells the far side to stop serving this channel. Every proxy sharing this
// proxy's Wrap fails with ErrReleased from the moment Release is called. A dedicated
// local port is closed once the far side has acknowledged.
func (p *Proxy) Release(ctx context.Context) error {
	if !p.state.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	_, _, err := request(ctx, p.port, &message.Message{Type: message.TypeRelease, Path: p.path}, nil)
	if p.port.Scope() == endpoint.ScopeDedicated {
		_ = p.port.Close()
	}
	if err != nil {
		p.state.opts.log.Debug("release not acknowledged", zap.Stringer("path", p.path), zap.Error(err))
	}
	return err
}

// GetAs reads the member at p and decodes it into T.
func GetAs[T any](ctx context.Context, p *Proxy) (T, error) {
	v, err := p.Get(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](v)
}

// CallAs calls the function at p and decodes its result into T.
func CallAs[T any](ctx context.Context, p *Proxy, args ...any) (T, error) {
	v, err := p.Call(ctx, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](v)
}
