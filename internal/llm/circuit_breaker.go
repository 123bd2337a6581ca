package llm

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a provider's breaker is open and the call
// was rejected without reaching the provider.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds the configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs (usually the provider name).
	Name string

	// MaxFailures is the number of consecutive failures required to trip the circuit.
	// Default: 3
	MaxFailures uint32

	// Timeout is how long the circuit stays open before going half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of probe requests allowed while half-open.
	// Default: 2
	HalfOpenMaxSuccesses uint32

	Logger *slog.Logger
}

// CircuitBreakerMetrics is a point-in-time view of breaker activity.
type CircuitBreakerMetrics struct {
	State                string `json:"state"`
	TotalRequests        uint64 `json:"total_requests"`
	TotalFailures        uint64 `json:"total_failures"`
	Rejected             uint64 `json:"rejected"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// CircuitBreaker wraps gobreaker so a failing provider fails fast instead of
// stalling every extraction and query behind its timeout.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker

	total    atomic.Uint64
	failures atomic.Uint64
	rejected atomic.Uint64
}

// NewCircuitBreaker creates a breaker with default thresholds.
func NewCircuitBreaker(name string, logger *slog.Logger) *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CircuitBreakerConfig{Name: name, Logger: logger})
}

// NewCircuitBreakerWithConfig creates a breaker from cfg, filling zero fields with defaults.
func NewCircuitBreakerWithConfig(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = 2
	}
	if cfg.Name == "" {
		cfg.Name = "llm"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &CircuitBreaker{breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. An open (or saturated half-open)
// breaker yields ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cb.total.Add(1)

	result, err := cb.breaker.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			cb.rejected.Add(1)
			return nil, ErrCircuitOpen
		}
		cb.failures.Add(1)
		return nil, err
	}
	return result, nil
}

// State returns "closed", "open" or "half-open".
func (cb *CircuitBreaker) State() string {
	return cb.breaker.State().String()
}

// Metrics returns the current breaker counters.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	counts := cb.breaker.Counts()
	return CircuitBreakerMetrics{
		State:                cb.State(),
		TotalRequests:        cb.total.Load(),
		TotalFailures:        cb.failures.Load(),
		Rejected:             cb.rejected.Load(),
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}
