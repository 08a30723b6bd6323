package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "stablecall-backend/pkg/errors"
	"stablecall-backend/pkg/logger"
)

func init() {
	logger.InitDefault()
}

func testBreaker(name string) *Breaker {
	cfg := DefaultConfig(name)
	cfg.Timeout = time.Hour
	return NewBreaker(cfg)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := testBreaker("test_open")
	boom := errors.New("connection refused")

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), "op", func(context.Context) error { return boom })
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeSignalingBackend, apperrors.CodeOf(err))
	}
	assert.Equal(t, CircuitBreakerOpen, b.State())

	called := false
	err := b.Execute(context.Background(), "op", func(context.Context) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestBreaker_AppErrorsDoNotTrip(t *testing.T) {
	b := testBreaker("test_app_errors")

	for i := 0; i < 10; i++ {
		err := b.Execute(context.Background(), "op", func(context.Context) error {
			return apperrors.ErrAlreadyActive
		})
		assert.True(t, errors.Is(err, apperrors.ErrAlreadyActive))
	}
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_AppliesOperationTimeout(t *testing.T) {
	cfg := DefaultConfig("test_timeout")
	cfg.OpTimeout = 10 * time.Millisecond
	b := NewBreaker(cfg)

	err := b.Execute(context.Background(), "op", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "none", ClassifyError(nil))
	assert.Equal(t, "timeout", ClassifyError(errors.New("i/o timeout")))
	assert.Equal(t, "network", ClassifyError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "degraded", ClassifyError(errors.New("redis in degraded mode")))
	assert.Equal(t, "unknown", ClassifyError(errors.New("boom")))
}
