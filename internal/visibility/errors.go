package visibility

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPosition = errors.New("invalid position")
	ErrInvalidRadius   = errors.New("invalid radius")
	ErrNilResolver     = errors.New("resolver required")
	ErrNoPopulation    = errors.New("broadcast requires a population")
	ErrCallbackPanic   = errors.New("callback panicked")
)

// CallbackError reports a panic recovered from a renderer callback.
type CallbackError struct {
	Renderer string
	Callback string
	Value    any
	Stack    string
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("visibility %s: %s %v: %v", e.Renderer, e.Callback, ErrCallbackPanic, e.Value)
}

func (e *CallbackError) Unwrap() error { return ErrCallbackPanic }
