package breaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/grabandgo/pkg/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Breaker wraps gobreaker with metrics and logging.
type Breaker struct {
	*gobreaker.CircuitBreaker
	name    string
	service string
}

// New creates a circuit breaker that trips once at least three requests were
// seen in the window and 60% of them failed.
func New(name, service string, logger *zap.Logger) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    15 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(cbName string, from gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(service, cbName).Set(stateValue(to))

			logger.Info("Circuit breaker state changed",
				zap.String("circuit", cbName),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	metrics.CircuitBreakerState.WithLabelValues(service, name).Set(0)

	return &Breaker{
		CircuitBreaker: cb,
		name:           name,
		service:        service,
	}
}

// Run executes fn through the breaker. Errors for which ignore returns true
// are passed back to the caller without counting as a breaker failure.
func (b *Breaker) Run(fn func() error, ignore func(error) bool) error {
	var passthrough error
	_, err := b.CircuitBreaker.Execute(func() (interface{}, error) {
		err := fn()
		if err != nil && ignore != nil && ignore(err) {
			passthrough = err
			return nil, nil
		}
		return nil, err
	})
	if passthrough != nil {
		return passthrough
	}
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues(b.service, b.name).Inc()
		return FormatError(b.name, err)
	}
	return nil
}

// StateName returns the current state as text.
func (b *Breaker) StateName() string {
	return b.State().String()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// ErrOpen is returned (wrapped) while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// FormatError formats an error message with circuit breaker info
func FormatError(circuitName string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return fmt.Errorf("circuit breaker %s is open (service unavailable): %w", circuitName, ErrOpen)
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("circuit breaker %s: too many requests in half-open state: %w", circuitName, ErrOpen)
	}
	return err
}
