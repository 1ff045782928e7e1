package remote

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Error is a failure raised on the far side of a channel, rebuilt at the call site.
type Error struct {
	Name    string // Go type of the root cause, e.g. "*errors.errorString"
	Message string
	Stack   string // Stack trace, when the original error carried one
}

func (e *Error) Error() string { return e.Message }

// ThrownValue is a remote failure that was not an error value.
type ThrownValue struct {
	Value any
}

func (e *ThrownValue) Error() string {
	return fmt.Sprintf("remote: thrown value: %v", e.Value)
}

type errorPayload struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Stack   string `json:"stack,omitempty"`
}

type thrownPayload struct {
	IsError bool `json:"isError"`
	Value   any  `json:"value"`
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

func newErrorPayload(err error) errorPayload {
	p := errorPayload{Message: err.Error()}

	var re *Error
	if errors.As(err, &re) {
		// Rethrowing a remote failure keeps its identity.
		p.Name, p.Stack = re.Name, re.Stack
		return p
	}

	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	p.Name = fmt.Sprintf("%T", root)

	var st stackTracer
	if errors.As(err, &st) {
		p.Stack = fmt.Sprintf("%+v", st.StackTrace())
	}
	return p
}

// recovered turns a panic value into an error that carries the panicking stack.
func recovered(r any) error {
	if err, ok := r.(error); ok {
		return pkgerrors.WithStack(err)
	}
	return pkgerrors.Errorf("panic: %v", r)
}
