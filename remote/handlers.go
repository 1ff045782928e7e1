package remote

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
	"github.com/lucas-schuermann/pcisph-wasm/message"
)

// TransferHandler moves one category of value across a channel in a custom way.
//
// Serialize returns the payload for the wire value and the resources that must travel
// with it; Deserialize receives the same payload and those resources, re-homed.
type TransferHandler interface {
	CanHandle(v any) bool
	Serialize(ctx context.Context, v any) (payload any, transfer []endpoint.Transferable, err error)
	Deserialize(ctx context.Context, payload any, transfer []endpoint.Transferable) (any, error)
}

const (
	HandlerProxy = "proxy"
	HandlerThrow = "throw"
)

type namedHandler struct {
	name string
	h    TransferHandler
}

var (
	handlersMu sync.RWMutex
	handlers   = []namedHandler{
		{HandlerProxy, proxyHandler{}},
		{HandlerThrow, throwHandler{}},
	}
)

// RegisterTransferHandler adds h under name, replacing any handler already registered
// under that name. Handlers are consulted in registration order.
func RegisterTransferHandler(name string, h TransferHandler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	for i := range handlers {
		if handlers[i].name == name {
			handlers[i].h = h
			return
		}
	}
	handlers = append(handlers, namedHandler{name, h})
}

// TransferHandlers lists registered handler names in consultation order.
func TransferHandlers() []string {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	names := make([]string, len(handlers))
	for i, nh := range handlers {
		names[i] = nh.name
	}
	return names
}

func lookupHandler(name string) (TransferHandler, bool) {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	for _, nh := range handlers {
		if nh.name == name {
			return nh.h, true
		}
	}
	return nil, false
}

func matchHandler(v any) (string, TransferHandler) {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	for _, nh := range handlers {
		if nh.h.CanHandle(v) {
			return nh.name, nh.h
		}
	}
	return "", nil
}

// Classify decides how v crosses the channel and returns its wire value together with
// the resources that must be posted in the message's transfer list.
func Classify(ctx context.Context, v any) (message.WireValue, []endpoint.Transferable, error) {
	var transfer []endpoint.Transferable
	wv, err := classifyInto(ctx, v, &transfer)
	return wv, transfer, err
}

// classifyInto appends the resources of v to transfer so that several values can share
// one message transfer list.
func classifyInto(ctx context.Context, v any, transfer *[]endpoint.Transferable) (message.WireValue, error) {
	add := func(ts []endpoint.Transferable) []int {
		idx := make([]int, len(ts))
		for i, t := range ts {
			idx[i] = len(*transfer)
			*transfer = append(*transfer, t)
		}
		return idx
	}

	if t, ok := v.(Transferred); ok {
		value, resources := rehomeable(t)
		return message.WireValue{Type: message.WireRaw, Value: value, Transfer: add(resources)}, nil
	}

	if name, h := matchHandler(v); h != nil {
		payload, ts, err := h.Serialize(ctx, v)
		if err != nil {
			return message.WireValue{}, err
		}
		return message.WireValue{Type: message.WireHandler, Name: name, Value: payload, Transfer: add(ts)}, nil
	}

	switch x := v.(type) {
	case *endpoint.Buffer:
		// Untransferred buffers are copied, like a structured clone.
		clone, err := x.Clone()
		if err != nil {
			return message.WireValue{}, err
		}
		return message.WireValue{Type: message.WireRaw, Transfer: add([]endpoint.Transferable{clone})}, nil
	case endpoint.Port:
		return message.WireValue{}, fmt.Errorf("%w: ports must be transferred", ErrNotCloneable)
	case *Proxy:
		return message.WireValue{}, fmt.Errorf("%w: pass the port from Endpoint instead of the proxy", ErrNotCloneable)
	}

	if v != nil {
		switch reflect.TypeOf(v).Kind() {
		case reflect.Func, reflect.Chan, reflect.UnsafePointer:
			return message.WireValue{}, fmt.Errorf("%w: %T", ErrNotCloneable, v)
		}
	}
	return message.WireValue{Type: message.WireRaw, Value: v}, nil
}

// transferRef stands in for a resource inside a transferred map or slice.
type transferRef struct {
	Index int `json:"$transfer"`
}

// rehomeable puts the resource that is the value itself first, and replaces resources
// that are direct elements of a map or slice with references into the transfer list.
func rehomeable(t Transferred) (any, []endpoint.Transferable) {
	resources := t.Resources
	position := func(v any) int {
		r, ok := v.(endpoint.Transferable)
		if !ok {
			return -1
		}
		for i, res := range resources {
			if res == r {
				return i
			}
		}
		return -1
	}

	switch x := t.Value.(type) {
	case nil:
		return nil, resources
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			if i := position(v); i >= 0 {
				out[k] = transferRef{Index: i}
				continue
			}
			out[k] = v
		}
		return out, resources
	case []any:
		out := make([]any, len(x))
		for j, v := range x {
			if i := position(v); i >= 0 {
				out[j] = transferRef{Index: i}
				continue
			}
			out[j] = v
		}
		return out, resources
	}

	if i := position(t.Value); i >= 0 {
		ordered := make([]endpoint.Transferable, 0, len(resources))
		ordered = append(ordered, resources[i])
		ordered = append(ordered, resources[:i]...)
		ordered = append(ordered, resources[i+1:]...)
		return nil, ordered
	}
	return t.Value, resources
}

// Materialize rebuilds the value described by wv. transfer is the transfer list that
// arrived with the enclosing message. A thrown wire value materializes as an error.
func Materialize(ctx context.Context, wv message.WireValue, transfer []endpoint.Transferable) (any, error) {
	resources := make([]endpoint.Transferable, len(wv.Transfer))
	for i, idx := range wv.Transfer {
		if idx < 0 || idx >= len(transfer) {
			return nil, fmt.Errorf("%w: %d of %d", ErrBadTransfer, idx, len(transfer))
		}
		resources[i] = transfer[idx]
	}

	switch wv.Type {
	case message.WireRaw:
		if wv.Value == nil {
			switch len(resources) {
			case 0:
				return nil, nil
			case 1:
				return resources[0], nil
			}
			return resources, nil
		}
		if len(resources) == 0 {
			return wv.Value, nil
		}
		return substituteRefs(wv.Value, resources), nil
	case message.WireHandler:
		h, ok := lookupHandler(wv.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, wv.Name)
		}
		return h.Deserialize(ctx, wv.Value, resources)
	}
	return nil, fmt.Errorf("remote: unknown wire value type %q", wv.Type)
}

func refIndex(v any) (int, bool) {
	switch x := v.(type) {
	case transferRef:
		return x.Index, true
	case map[string]any:
		if len(x) != 1 {
			return 0, false
		}
		if f, ok := x["$transfer"].(float64); ok {
			return int(f), true
		}
	}
	return 0, false
}

func substituteRefs(v any, resources []endpoint.Transferable) any {
	resolve := func(e any) any {
		if i, ok := refIndex(e); ok && i >= 0 && i < len(resources) {
			return resources[i]
		}
		return e
	}
	switch x := v.(type) {
	case map[string]any:
		if _, ok := refIndex(x); ok {
			return resolve(x)
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = resolve(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = resolve(e)
		}
		return out
	}
	return v
}

// proxyHandler serves Exposed values on a dedicated channel and hands over the far end.
type proxyHandler struct{}

func (proxyHandler) CanHandle(v any) bool {
	_, ok := v.(Exposed)
	return ok
}

func (proxyHandler) Serialize(ctx context.Context, v any) (any, []endpoint.Transferable, error) {
	port := exposeOnChannel(v.(Exposed).Value, optionsFromContext(ctx))
	return nil, []endpoint.Transferable{port}, nil
}

func (proxyHandler) Deserialize(ctx context.Context, _ any, transfer []endpoint.Transferable) (any, error) {
	if len(transfer) != 1 {
		return nil, fmt.Errorf("%w: proxy expects one port, got %d resources", ErrBadTransfer, len(transfer))
	}
	port, ok := transfer[0].(endpoint.Port)
	if !ok {
		return nil, fmt.Errorf("%w: proxy expects a port, got %T", ErrBadTransfer, transfer[0])
	}
	return Wrap(port, optionsFromContext(ctx).asOptions()...), nil
}

// throwHandler carries failures. Errors keep their message, type name and stack;
// anything else is passed through as the thrown value.
type throwHandler struct{}

func (throwHandler) CanHandle(v any) bool {
	_, ok := v.(Thrown)
	return ok
}

func (throwHandler) Serialize(_ context.Context, v any) (any, []endpoint.Transferable, error) {
	thrown := v.(Thrown)
	if err, ok := thrown.Value.(error); ok {
		return thrownPayload{IsError: true, Value: newErrorPayload(err)}, nil, nil
	}
	return thrownPayload{IsError: false, Value: thrown.Value}, nil, nil
}

func (throwHandler) Deserialize(_ context.Context, payload any, _ []endpoint.Transferable) (any, error) {
	var p thrownPayload
	if x, ok := payload.(thrownPayload); ok {
		p = x
	} else if err := decodeTagged(payload, &p); err != nil {
		return nil, fmt.Errorf("remote: malformed throw payload: %w", err)
	}

	if !p.IsError {
		return nil, &ThrownValue{Value: p.Value}
	}
	var ep errorPayload
	if x, ok := p.Value.(errorPayload); ok {
		ep = x
	} else if err := decodeTagged(p.Value, &ep); err != nil {
		return nil, fmt.Errorf("remote: malformed error payload: %w", err)
	}
	return nil, &Error{Name: ep.Name, Message: ep.Message, Stack: ep.Stack}
}

// decodeTagged decodes a generic JSON shape into out using json field names.
func decodeTagged(in, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: out, TagName: "json"})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
