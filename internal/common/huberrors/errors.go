// Package huberrors contains generic errors shared by the orchestrator components.
// Callers match them with errors.As; wrap them with errors.WithStack where they are created.
//
// If several operations fail within one unit of work, return a *multierror.Error
// from github.com/hashicorp/go-multierror holding the individual errors.
package huberrors

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "model" or "workRequest"
	Value   string // Resource identifier
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		s += fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrInvalidArgument is returned on invalid argument.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to
	Value   interface{} // The invalid value that was provided
	Message string
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrConflict is returned when a conditional write finds the resource modified since it was read,
// or when one of the write's preconditions no longer holds.
type ErrConflict struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrConflict) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q was modified concurrently", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q was modified concurrently", err.Value)
	}
	if err.Message != "" {
		s += fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrTimeout is returned when a blocking wait exceeds its bound.
type ErrTimeout struct {
	Operation string
	Timeout   time.Duration
}

func (err *ErrTimeout) Error() string {
	return fmt.Sprintf("%s timed out after %s", err.Operation, err.Timeout)
}

func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ErrConflict
	return errors.As(err, &e)
}

func IsTimeout(err error) bool {
	var e *ErrTimeout
	return errors.As(err, &e)
}
