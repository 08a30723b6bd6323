package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_IsMatchesByCode(t *testing.T) {
	cause := fmt.Errorf("lua: record exists")
	err := fmt.Errorf("reserve chan-1: %w", ErrAlreadyActive.WithCause(cause))

	assert.True(t, errors.Is(err, ErrAlreadyActive))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrNoSuchCall))
	assert.Equal(t, ErrCodeAlreadyActive, CodeOf(err))
}

func TestAppError_WithCauseLeavesSentinel(t *testing.T) {
	wrapped := ErrConnectionFailed.WithCause(errors.New("ice failed"))

	assert.Nil(t, ErrConnectionFailed.Err)
	assert.Equal(t, http.StatusBadGateway, wrapped.StatusCode)
	assert.Contains(t, wrapped.Error(), "ice failed")
}

func TestGetAppError(t *testing.T) {
	plain := errors.New("boom")

	assert.False(t, IsAppError(plain))
	assert.Equal(t, ErrCodeInternal, GetAppError(plain).Code)
	assert.Equal(t, ErrCodeInternal, CodeOf(plain))

	assert.Same(t, ErrNoIncomingCall, GetAppError(ErrNoIncomingCall))
	assert.Equal(t, http.StatusBadRequest, ValidationError("bad").StatusCode)
}
