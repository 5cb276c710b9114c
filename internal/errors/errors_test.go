// Package errors tests for the engine error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestErrorCodeValues verifies all error codes have distinct non-empty values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrConfig,
		ErrStorage, ErrDuplicate, ErrInvalidTransition, ErrMigration,
		ErrNetwork, ErrValidation, ErrSyncConflict, ErrSyncTimeout, ErrUnauthorized, ErrSyncBusy,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		assert.NotEmpty(t, code)
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: New(ErrNotFound, "entry missing"),
			want:     "[NOT_FOUND] entry missing",
		},
		{
			name:     "error with underlying error",
			appError: Wrap(ErrStorage, "enqueue failed", errors.New("disk full")),
			want:     "[STORAGE_ERROR] enqueue failed: disk full",
		},
		{
			name:     "formatted message",
			appError: Newf(ErrInvalid, "bad kind %q", "fax"),
			want:     `[INVALID_INPUT] bad kind "fax"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.appError.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	root := errors.New("root cause")
	err := Wrap(ErrNetwork, "submit", root)

	assert.ErrorIs(t, err, root)
}

func TestIs_WrappedChain(t *testing.T) {
	inner := New(ErrDuplicate, "id exists")
	outer := Storage("enqueue", inner)
	wrapped := fmt.Errorf("capture: %w", outer)

	assert.True(t, Is(wrapped, ErrStorage))
	assert.True(t, Is(wrapped, ErrDuplicate))
	assert.False(t, Is(wrapped, ErrNetwork))
	assert.False(t, Is(errors.New("plain"), ErrStorage))
	assert.False(t, Is(nil, ErrStorage))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrValidation, CodeOf(fmt.Errorf("x: %w", New(ErrValidation, "bad"))))
	assert.Equal(t, ErrInternal, CodeOf(errors.New("plain")))
}

func TestIsStorage(t *testing.T) {
	assert.True(t, IsStorage(Storage("write", errors.New("io"))))
	assert.False(t, IsStorage(New(ErrNetwork, "down")))
}
