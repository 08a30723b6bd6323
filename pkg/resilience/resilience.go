package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	apperrors "stablecall-backend/pkg/errors"
	"stablecall-backend/pkg/logger"
	"stablecall-backend/pkg/metrics"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// Config tunes a Breaker
type Config struct {
	Name             string
	FailureThreshold uint32        // consecutive failures before opening
	MaxRequests      uint32        // requests allowed while half-open
	Interval         time.Duration // closed-state counter reset period, 0 = never
	Timeout          time.Duration // open-state cool down before half-open
	OpTimeout        time.Duration // per-operation deadline, 0 = caller's context only
}

// DefaultConfig returns the settings used for signaling store writes
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 3,
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          10 * time.Second,
		OpTimeout:        5 * time.Second,
	}
}

// Breaker wraps backend operations with a timeout and circuit breaker.
// Application errors (AppError) are outcomes, not backend failures, and never trip it.
type Breaker struct {
	cfg Config
	cb  *gobreaker.CircuitBreaker[any]
}

// NewBreaker creates a Breaker
func NewBreaker(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg}
	gauge := metrics.CallSignalingBreakerState.WithLabelValues(cfg.Name)
	gauge.Set(0)

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || apperrors.IsAppError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				gauge.Set(2)
				logger.Error("Circuit breaker OPEN - requests blocked",
					zap.String("breaker", name),
					zap.String("from", from.String()),
				)
			case gobreaker.StateHalfOpen:
				gauge.Set(1)
				logger.Warn("Circuit breaker HALF-OPEN - allowing probe requests",
					zap.String("breaker", name),
				)
			default:
				gauge.Set(0)
				logger.Info("Circuit breaker CLOSED - recovered",
					zap.String("breaker", name),
				)
			}
		},
	}
	b.cb = gobreaker.NewCircuitBreaker[any](settings)
	return b
}

// Execute runs fn under the breaker. An open breaker fails fast with a
// SIGNALING_BACKEND_ERROR AppError.
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if b.cfg.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.OpTimeout)
		defer cancel()
	}

	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logger.Warn("Backend operation rejected by circuit breaker",
			zap.String("breaker", b.cfg.Name),
			zap.String("operation", operation),
		)
		return apperrors.SignalingError(fmt.Errorf("%s: %w", operation, err))
	}
	if apperrors.IsAppError(err) {
		return err
	}
	logger.Warn("Backend operation failed",
		zap.String("breaker", b.cfg.Name),
		zap.String("operation", operation),
		zap.String("error_type", ClassifyError(err)),
		zap.Error(err),
	)
	return apperrors.SignalingError(err)
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return CircuitBreakerOpen
	case gobreaker.StateHalfOpen:
		return CircuitBreakerHalfOpen
	default:
		return CircuitBreakerClosed
	}
}

// ClassifyError classifies errors for logs and metrics
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "degraded"):
		return "degraded"
	case strings.Contains(errMsg, "circuit breaker"):
		return "circuit_breaker"
	default:
		return "unknown"
	}
}
