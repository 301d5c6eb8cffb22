// Package skill provides the uniform contract for external capabilities:
// layered registration, circuit-broken safe execution with retries, and
// invocation telemetry.
package skill

import (
	"context"
	"errors"
)

// Skill is a typed capability with a declared layer and a uniform invoke
// contract. Skills never call each other directly; composition happens
// through the executor.
type Skill interface {
	// Name uniquely identifies the skill in the registry.
	Name() string

	// Layer orders skills leaves-first. A skill may only depend on skills
	// with a strictly lower layer.
	Layer() int

	// Dependencies lists the names of lower-layer skills this one builds on.
	Dependencies() []string

	// Invoke runs one named action. Unknown actions return ErrUnknownAction.
	Invoke(ctx context.Context, action string, args map[string]any) (any, error)
}

// ErrUnknownAction is returned by Invoke for an action the skill does not
// implement.
var ErrUnknownAction = errors.New("unknown skill action")

// Result is the uniform safe-execute return shape.
type Result struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as retryable. Unmarked errors fail immediately.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether an error was marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
