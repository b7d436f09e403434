package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_Creation(t *testing.T) {
	cause := errors.New("connection refused")

	err := NewNetworkError("failed to dial server", cause)

	assert.Equal(t, ErrorTypeNetwork, err.Type)
	assert.Equal(t, "failed to dial server", err.Message)
	assert.Equal(t, cause, err.Cause)
	assert.NotNil(t, err.Context)
}

func TestDomainError_WithContext(t *testing.T) {
	err := NewCodecError("missing field", nil).
		WithContext("field", "command_line").
		WithContext("queue", "service")

	assert.Equal(t, "command_line", err.Context["field"])
	assert.Equal(t, "service", err.Context["queue"])
}

func TestDomainError_ErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		error    *DomainError
		expected string
	}{
		{
			name:     "error without cause",
			error:    NewValidationError("max-worker must be positive", nil),
			expected: "validation: max-worker must be positive",
		},
		{
			name:     "error with cause",
			error:    NewProtocolError("unexpected packet", errors.New("type 19")),
			expected: "protocol: unexpected packet: type 19",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.error.Error())
		})
	}
}

func TestDomainError_TypeChecking(t *testing.T) {
	networkErr := NewNetworkError("network", nil)
	codecErr := NewCodecError("codec", nil)

	assert.True(t, IsNetworkError(networkErr))
	assert.False(t, IsNetworkError(codecErr))
	assert.True(t, IsCodecError(codecErr))
	assert.False(t, IsCodecError(errors.New("plain")))

	wrapped := fmt.Errorf("submit: %w", NewTimeoutError("deadline", nil))
	assert.True(t, IsTimeoutError(wrapped))
	assert.True(t, errors.Is(wrapped, &DomainError{Type: ErrorTypeTimeout}))
	assert.False(t, errors.Is(wrapped, &DomainError{Type: ErrorTypeIO}))
}

func TestDomainError_Unwrap(t *testing.T) {
	cause := errors.New("EOF")
	err := NewProtocolError("short read", cause)

	assert.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
}
