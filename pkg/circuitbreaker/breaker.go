// Package circuitbreaker shields reconciliation from a degraded drug
// knowledge service. It wraps sony/gobreaker and emits OpenTelemetry metrics;
// callers supply their own fallback behavior when the circuit rejects a call.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the breaker state as exposed to callers and logs
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes when the circuit trips and how it probes recovery
type Config struct {
	// Name labels the breaker in logs and metrics
	Name string
	// MaxRequests caps concurrent probes while half-open
	MaxRequests uint32
	// Interval resets the closed-state counts
	Interval time.Duration
	// Timeout is the open-state cooldown before probing resumes
	Timeout time.Duration
	// TripAfter is the consecutive-failure count that trips a cold breaker
	TripAfter uint32
	// FailureRatio trips the breaker once MinRequests have been observed
	FailureRatio float64
	// MinRequests gates the ratio check
	MinRequests uint32
}

// DefaultConfig is tuned for clinical reference lookups: trip fast, probe
// cautiously. Risk lookups answer in milliseconds when healthy, so a short
// cooldown is enough.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		TripAfter:    5,
		FailureRatio: 0.6,
		MinRequests:  10,
	}
}

// ErrRejected reports that the breaker refused the call without attempting it
var ErrRejected = errors.New("circuit breaker rejected call")

// CircuitBreaker wraps one downstream dependency
type CircuitBreaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
	tracer trace.Tracer

	calls      metric.Int64Counter
	failures   metric.Int64Counter
	rejections metric.Int64Counter

	mu    sync.RWMutex
	state State
}

// New builds a breaker around the given config
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuitbreaker"),
		state:  StateClosed,
	}

	meter := otel.Meter("circuitbreaker")
	var err error
	if b.calls, err = meter.Int64Counter("breaker_calls_total",
		metric.WithDescription("Calls attempted through the breaker")); err != nil {
		return nil, fmt.Errorf("calls counter: %w", err)
	}
	if b.failures, err = meter.Int64Counter("breaker_failures_total",
		metric.WithDescription("Calls that reached the dependency and failed")); err != nil {
		return nil, fmt.Errorf("failures counter: %w", err)
	}
	if b.rejections, err = meter.Int64Counter("breaker_rejections_total",
		metric.WithDescription("Calls refused while the circuit was open")); err != nil {
		return nil, fmt.Errorf("rejections counter: %w", err)
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.TripAfter
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.noteStateChange(from, to)
		},
	})

	return b, nil
}

// Execute runs fn through the breaker. A rejection while open returns an
// error wrapping ErrRejected so callers can switch to their fallback.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	ctx, span := b.tracer.Start(ctx, "breaker_call",
		trace.WithAttributes(
			attribute.String("breaker", b.name),
			attribute.String("state", string(b.GetState())),
		))
	defer span.End()

	labels := metric.WithAttributes(attribute.String("breaker", b.name))
	b.calls.Add(ctx, 1, labels)

	result, err := b.cb.Execute(fn)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rejections.Add(ctx, 1, labels)
			return nil, fmt.Errorf("%s: %w", b.name, ErrRejected)
		}
		b.failures.Add(ctx, 1, labels)
		return nil, err
	}
	return result, nil
}

// GetState returns the breaker state as last observed
func (b *CircuitBreaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *CircuitBreaker) noteStateChange(from, to gobreaker.State) {
	b.mu.Lock()
	b.state = asState(to)
	b.mu.Unlock()

	b.logger.Warn("circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", string(asState(from))),
		zap.String("to", string(asState(to))))
}

func asState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
