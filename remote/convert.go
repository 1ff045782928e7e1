package remote

import (
	"fmt"
	"math"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Decode converts a materialized result into T.
//
// In-process results usually already have the right type. Results that crossed a
// stream arrive in their JSON shapes (float64, map[string]any, []any) and are decoded
// with mapstructure, matching struct fields by their json tags.
func Decode[T any](v any) (T, error) {
	var zero T
	if t, ok := v.(T); ok {
		return t, nil
	}
	rv, err := convert(v, reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return zero, err
	}
	if t, ok := rv.Interface().(T); ok {
		return t, nil
	}
	return zero, nil
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// fits reports whether the number rv converts to t without losing its value.
// Numbers that crossed JSON are float64, so 41.7 must not become 41.
func fits(rv reflect.Value, t reflect.Type) bool {
	z := reflect.New(t).Elem()
	switch {
	case rv.CanFloat():
		f := rv.Float()
		switch {
		case z.CanInt():
			return f == math.Trunc(f) && f >= math.MinInt64 && f < -math.MinInt64 && !z.OverflowInt(int64(f))
		case z.CanUint():
			return f == math.Trunc(f) && f >= 0 && f < 2*(1<<63) && !z.OverflowUint(uint64(f))
		}
		return math.IsNaN(f) || math.IsInf(f, 0) || !z.OverflowFloat(f)
	case rv.CanInt():
		i := rv.Int()
		switch {
		case z.CanInt():
			return !z.OverflowInt(i)
		case z.CanUint():
			return i >= 0 && !z.OverflowUint(uint64(i))
		}
	case rv.CanUint():
		u := rv.Uint()
		switch {
		case z.CanInt():
			return u <= math.MaxInt64 && !z.OverflowInt(int64(u))
		case z.CanUint():
			return !z.OverflowUint(u)
		}
	}
	return true
}

// convert produces a value assignable to t from v.
func convert(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if isNumeric(rv.Kind()) && isNumeric(t.Kind()) {
		if !fits(rv, t) {
			return reflect.Value{}, fmt.Errorf("%w: %v does not fit %s", ErrBadArgument, v, t)
		}
		return rv.Convert(t), nil
	}

	out := reflect.New(t)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out.Interface(),
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return reflect.Value{}, err
	}
	if err := dec.Decode(v); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %s into %s: %v", ErrBadArgument, rv.Type(), t, err)
	}
	return out.Elem(), nil
}

// interfaceOf returns the value held by v, or nil for an invalid Value.
func interfaceOf(v reflect.Value) any {
	if !v.IsValid() || !v.CanInterface() {
		return nil
	}
	return v.Interface()
}

// DecodeInto converts v like Decode and stores it in the value out points to.
func DecodeInto(v any, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: out must be a non-nil pointer, got %T", ErrBadArgument, out)
	}
	cv, err := convert(v, rv.Elem().Type())
	if err != nil {
		return err
	}
	rv.Elem().Set(cv)
	return nil
}
