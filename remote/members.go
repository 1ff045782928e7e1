package remote

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lucas-schuermann/pcisph-wasm/message"
)

// Getter lets a value publish named members without reflection. It is consulted before
// any other lookup.
type Getter interface {
	GetMember(name string) (any, bool)
}

// Setter lets a value accept assignments without reflection.
type Setter interface {
	SetMember(name string, value any) error
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// exportedName upper-cases the first letter, so "addBlock" finds AddBlock.
func exportedName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}

// enter prepares v for member lookup: interfaces are unwrapped, Exposed envelopes are
// opened and Resolvers are resolved.
func enter(ctx context.Context, v reflect.Value) (reflect.Value, error) {
	for v.IsValid() {
		if v.Kind() == reflect.Interface {
			if v.IsNil() {
				return reflect.Value{}, nil
			}
			v = v.Elem()
			continue
		}
		if !v.CanInterface() {
			return v, nil
		}
		switch x := v.Interface().(type) {
		case Exposed:
			v = reflect.ValueOf(x.Value)
			continue
		case Resolver:
			r, err := x.Resolve(ctx)
			if err != nil {
				return reflect.Value{}, err
			}
			v = reflect.ValueOf(r)
			continue
		}
		return v, nil
	}
	return v, nil
}

// settle resolves a final target. Unlike enter it keeps Exposed envelopes, so that a
// GET of an exposed member still yields a remote handle.
func settle(ctx context.Context, v reflect.Value) (any, error) {
	for v.IsValid() && v.CanInterface() {
		r, ok := v.Interface().(Resolver)
		if !ok {
			break
		}
		res, err := r.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		v = reflect.ValueOf(res)
	}
	return interfaceOf(v), nil
}

func segmentIndex(seg message.Segment) (int, bool) {
	if seg.Indexed {
		return seg.Index, true
	}
	i, err := strconv.Atoi(seg.Name)
	return i, err == nil
}

func notFound(seg message.Segment) error {
	return fmt.Errorf("%w: %q", ErrMemberNotFound, seg.String())
}

func methodByName(v reflect.Value, name string) reflect.Value {
	if m := v.MethodByName(name); m.IsValid() {
		return m
	}
	if alias := exportedName(name); alias != name {
		return v.MethodByName(alias)
	}
	return reflect.Value{}
}

func fieldByName(v reflect.Value, name string) (reflect.Value, bool) {
	if name == "" {
		return reflect.Value{}, false
	}
	t := v.Type()
	alias := exportedName(name)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if f.Name == name || f.Name == alias || tagName(f, "remote") == name || tagName(f, "json") == name {
			return v.Field(i), true
		}
	}
	if f, ok := t.FieldByName(alias); ok && f.IsExported() {
		return v.FieldByIndex(f.Index), true
	}
	return reflect.Value{}, false
}

func tagName(f reflect.StructField, key string) string {
	tag := f.Tag.Get(key)
	if tag == "" || tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	return name
}

func mapKey(m reflect.Value, seg message.Segment) (reflect.Value, bool) {
	kt := m.Type().Key()
	switch {
	case kt.Kind() == reflect.String:
		return reflect.ValueOf(seg.String()).Convert(kt), true
	case isNumeric(kt.Kind()):
		i, ok := segmentIndex(seg)
		if !ok {
			return reflect.Value{}, false
		}
		return reflect.ValueOf(i).Convert(kt), true
	}
	return reflect.Value{}, false
}

// member looks up one segment on container through, in order, Getter, methods, map
// keys, slice or array indexes, and exported struct fields. Fields match by name, by
// remote or json tag, or by their exported spelling.
func member(ctx context.Context, container reflect.Value, seg message.Segment) (reflect.Value, error) {
	v, err := enter(ctx, container)
	if err != nil {
		return reflect.Value{}, err
	}
	if !v.IsValid() {
		return reflect.Value{}, notFound(seg)
	}

	if g, ok := interfaceOf(v).(Getter); ok && !seg.Indexed {
		m, found := g.GetMember(seg.Name)
		if !found {
			return reflect.Value{}, notFound(seg)
		}
		return reflect.ValueOf(m), nil
	}

	if !seg.Indexed {
		if m := methodByName(v, seg.Name); m.IsValid() {
			return m, nil
		}
	}
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, notFound(seg)
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Map:
		key, ok := mapKey(v, seg)
		if !ok {
			return reflect.Value{}, notFound(seg)
		}
		mv := v.MapIndex(key)
		if !mv.IsValid() {
			return reflect.Value{}, notFound(seg)
		}
		return mv, nil
	case reflect.Slice, reflect.Array:
		i, ok := segmentIndex(seg)
		if !ok || i < 0 || i >= v.Len() {
			return reflect.Value{}, notFound(seg)
		}
		return v.Index(i), nil
	case reflect.Struct:
		if seg.Indexed {
			return reflect.Value{}, notFound(seg)
		}
		if f, ok := fieldByName(v, seg.Name); ok {
			return f, nil
		}
	}
	return reflect.Value{}, notFound(seg)
}

// resolve walks path from root and returns the final target together with its
// immediate container (the root itself for a one-segment path).
func resolve(ctx context.Context, root any, path message.Path) (container, target reflect.Value, err error) {
	target = reflect.ValueOf(root)
	container = target
	for i, seg := range path {
		next, err := member(ctx, target, seg)
		if err != nil {
			return reflect.Value{}, reflect.Value{}, fmt.Errorf("%w (path %s)", err, path[:i+1])
		}
		container, target = target, next
	}
	return container, target, nil
}

// assign sets the member named by seg on container.
func assign(ctx context.Context, container reflect.Value, seg message.Segment, value any) error {
	v, err := enter(ctx, container)
	if err != nil {
		return err
	}
	if !v.IsValid() {
		return notFound(seg)
	}
	if s, ok := interfaceOf(v).(Setter); ok && !seg.Indexed {
		return s.SetMember(seg.Name, value)
	}
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return notFound(seg)
		}
		v = v.Elem()
	}

	var slot reflect.Value
	switch v.Kind() {
	case reflect.Map:
		key, ok := mapKey(v, seg)
		if !ok {
			return notFound(seg)
		}
		cv, err := convert(value, v.Type().Elem())
		if err != nil {
			return err
		}
		v.SetMapIndex(key, cv)
		return nil
	case reflect.Slice, reflect.Array:
		i, ok := segmentIndex(seg)
		if !ok || i < 0 || i >= v.Len() {
			return notFound(seg)
		}
		slot = v.Index(i)
	case reflect.Struct:
		f, ok := fieldByName(v, seg.Name)
		if !ok || seg.Indexed {
			return notFound(seg)
		}
		slot = f
	default:
		return notFound(seg)
	}

	if !slot.CanSet() {
		return fmt.Errorf("%w: %q", ErrNotAssignable, seg.String())
	}
	cv, err := convert(value, slot.Type())
	if err != nil {
		return err
	}
	slot.Set(cv)
	return nil
}

// call invokes fn. A leading context.Context parameter receives ctx. Missing trailing
// arguments are passed as zero values. Results may be (), (T), (error) or (T, error).
func call(ctx context.Context, fn reflect.Value, args []any) (any, error) {
	fn, err := enter(ctx, fn)
	if err != nil {
		return nil, err
	}
	if !fn.IsValid() || fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, ErrNotFunction
	}
	t := fn.Type()

	var in []reflect.Value
	first := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		first = 1
	}
	fixed := t.NumIn() - first
	if t.IsVariadic() {
		fixed--
	}
	if !t.IsVariadic() && len(args) > fixed {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrTooManyArguments, fixed, len(args))
	}

	for i := 0; i < fixed; i++ {
		pt := t.In(first + i)
		if i >= len(args) {
			in = append(in, reflect.Zero(pt))
			continue
		}
		av, err := convert(args[i], pt)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in = append(in, av)
	}
	if t.IsVariadic() {
		et := t.In(t.NumIn() - 1).Elem()
		for i := fixed; i < len(args); i++ {
			av, err := convert(args[i], et)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in = append(in, av)
		}
	}

	out := fn.Call(in)
	return results(out)
}

func results(out []reflect.Value) (any, error) {
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if !out[n-1].IsNil() {
			return nil, out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return interfaceOf(out[0]), nil
	}
	vals := make([]any, len(out))
	for i, o := range out {
		vals[i] = interfaceOf(o)
	}
	return vals, nil
}
