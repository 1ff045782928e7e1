package remote

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
	"github.com/lucas-schuermann/pcisph-wasm/message"
	"github.com/lucas-schuermann/pcisph-wasm/middleware"
)

// Dispatcher serves one root object on one port. Each request is handled on its own
// goroutine, so a slow call does not hold up the ones behind it.
type Dispatcher struct {
	port    endpoint.Port
	root    any
	opts    *options
	handler middleware.HandlerFunc

	mu       sync.Mutex
	stopped  bool
	remove   func()
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// Serve exposes root on port and starts delivery. Requests are answered until the
// caller releases the channel or the port closes.
func Serve(port endpoint.Port, root any, opts ...Option) *Dispatcher {
	return serve(port, root, newOptions(opts))
}

func serve(port endpoint.Port, root any, o *options) *Dispatcher {
	d := &Dispatcher{
		port: port,
		root: root,
		opts: o,
		done: make(chan struct{}),
	}
	d.handler = middleware.Chain(o.middlewares...)(d.dispatch)
	d.remove = port.AddListener(d.onMessage)
	port.Start()

	go func() {
		select {
		case <-port.Done():
			d.Close()
		case <-d.done:
		}
	}()
	return d
}

func (d *Dispatcher) Port() endpoint.Port { return d.port }

// Done is closed once the dispatcher stops accepting requests.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Wait blocks until every accepted request has been answered.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Close stops answering requests. The port is left open.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		d.remove()
		close(d.done)
	})
}

// release handles RELEASE: root channels stay open for other users, dedicated ones
// are closed after the acknowledgement has been posted.
func (d *Dispatcher) release() {
	d.Close()
	if d.port.Scope() == endpoint.ScopeDedicated {
		_ = d.port.Close()
	}
}

func (d *Dispatcher) onMessage(m endpoint.Message) {
	msg, ok := m.Data.(*message.Message)
	if !ok || !msg.Type.IsRequest() {
		return
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.handleRequest(&middleware.Invocation{Message: msg, Transfer: m.Transfer})
}

func (d *Dispatcher) handleRequest(inv *middleware.Invocation) {
	defer d.wg.Done()
	ctx := contextWithOptions(context.Background(), d.opts)

	result, err := d.invoke(ctx, inv)
	var (
		wv       message.WireValue
		transfer []endpoint.Transferable
	)
	if err == nil {
		wv, transfer, err = Classify(ctx, result)
	}
	if err != nil {
		wv, transfer = d.thrown(ctx, err)
	}

	reply := message.NewReply(inv.Message.ID, wv)
	if err := d.port.PostMessage(reply, transfer...); err != nil {
		if errors.Is(err, endpoint.ErrClosed) {
			d.opts.log.Debug("reply dropped, port closed", zap.String("id", inv.Message.ID))
			return
		}
		// The result could not be moved; report that instead.
		d.opts.log.Warn("posting reply failed", zap.String("id", inv.Message.ID), zap.Error(err))
		wv, transfer = d.thrown(ctx, err)
		_ = d.port.PostMessage(message.NewReply(inv.Message.ID, wv), transfer...)
	}

	if inv.Message.Type == message.TypeRelease {
		d.release()
	}
}

func (d *Dispatcher) invoke(ctx context.Context, inv *middleware.Invocation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r)
			d.opts.log.Error("handler panicked", zap.Stringer("path", inv.Message.Path), zap.Error(err))
		}
	}()
	return d.handler(ctx, inv)
}

func (d *Dispatcher) thrown(ctx context.Context, err error) (message.WireValue, []endpoint.Transferable) {
	wv, transfer, cerr := Classify(ctx, Thrown{Value: err})
	if cerr != nil {
		// A registered handler took over Thrown and failed; fall back to the built-in one.
		payload, _, _ := throwHandler{}.Serialize(ctx, Thrown{Value: err})
		return message.WireValue{Type: message.WireHandler, Name: HandlerThrow, Value: payload}, nil
	}
	return wv, transfer
}

// dispatch is the innermost handler: it interprets one request against the root.
func (d *Dispatcher) dispatch(ctx context.Context, inv *middleware.Invocation) (any, error) {
	msg := inv.Message
	if err := msg.Path.Validate(d.opts.maxDepth); err != nil {
		return nil, err
	}

	switch msg.Type {
	case message.TypeGet:
		_, target, err := resolve(ctx, d.root, msg.Path)
		if err != nil {
			return nil, err
		}
		return settle(ctx, target)

	case message.TypeSet:
		if len(msg.Path) == 0 {
			return nil, fmt.Errorf("%w: cannot assign to the root", ErrNotAssignable)
		}
		_, parent, err := resolve(ctx, d.root, msg.Path.Parent())
		if err != nil {
			return nil, err
		}
		var value any
		if msg.Value != nil {
			if value, err = Materialize(ctx, *msg.Value, inv.Transfer); err != nil {
				return nil, err
			}
		}
		last, _ := msg.Path.Last()
		if err := assign(ctx, parent, last, value); err != nil {
			return nil, err
		}
		return true, nil

	case message.TypeApply:
		args, err := d.arguments(ctx, inv)
		if err != nil {
			return nil, err
		}
		_, target, err := resolve(ctx, d.root, msg.Path)
		if err != nil {
			return nil, err
		}
		return call(ctx, target, args)

	case message.TypeConstruct:
		args, err := d.arguments(ctx, inv)
		if err != nil {
			return nil, err
		}
		_, target, err := resolve(ctx, d.root, msg.Path)
		if err != nil {
			return nil, err
		}
		ctor, err := enter(ctx, target)
		if err != nil {
			return nil, err
		}
		if !ctor.IsValid() || ctor.Kind() != reflect.Func {
			return nil, ErrNotConstructor
		}
		instance, err := call(ctx, ctor, args)
		if err != nil {
			return nil, err
		}
		if e, ok := instance.(Exposed); ok {
			return e, nil
		}
		return Expose(instance), nil

	case message.TypeEndpoint:
		_, target, err := resolve(ctx, d.root, msg.Path)
		if err != nil {
			return nil, err
		}
		port := exposeOnChannel(interfaceOf(target), d.opts)
		return Transfer(port, port), nil

	case message.TypeRelease:
		return nil, nil
	}
	return nil, fmt.Errorf("remote: unsupported request type %q", msg.Type)
}

func (d *Dispatcher) arguments(ctx context.Context, inv *middleware.Invocation) ([]any, error) {
	args := make([]any, len(inv.Message.ArgumentList))
	for i, wv := range inv.Message.ArgumentList {
		v, err := Materialize(ctx, wv, inv.Transfer)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}
