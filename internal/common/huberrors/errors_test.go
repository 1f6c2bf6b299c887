package huberrors

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	tests := map[string]struct {
		err      error
		expected string
	}{
		"not found with type": {
			err:      &ErrNotFound{Type: "model", Value: "eos3b5e"},
			expected: `resource "eos3b5e" of type "model" does not exist`,
		},
		"not found with message": {
			err:      &ErrNotFound{Value: "42", Message: "deleted"},
			expected: `resource "42" does not exist; deleted`,
		},
		"invalid argument": {
			err:      &ErrInvalidArgument{Name: "entries", Value: 0, Message: "must not be empty"},
			expected: `value 0 is invalid for field "entries"; must not be empty`,
		},
		"conflict": {
			err:      &ErrConflict{Type: "workRequest", Value: "7"},
			expected: `resource "7" of type "workRequest" was modified concurrently`,
		},
		"timeout": {
			err:      &ErrTimeout{Operation: "pod readiness", Timeout: 10 * time.Second},
			expected: "pod readiness timed out after 10s",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.err.Error())
		})
	}
}

func TestMatchersSeeThroughWrapping(t *testing.T) {
	assert.True(t, IsNotFound(errors.Wrap(errors.WithStack(&ErrNotFound{Value: "x"}), "lookup")))
	assert.True(t, IsConflict(errors.WithStack(&ErrConflict{Value: "x"})))
	assert.True(t, IsTimeout(errors.WithMessage(&ErrTimeout{Operation: "lock"}, "acquire")))
	assert.False(t, IsConflict(&ErrNotFound{Value: "x"}))
	assert.False(t, IsNotFound(nil))
}
