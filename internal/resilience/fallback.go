package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] failed or
// had an open circuit.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig is the breaker template applied to every backend of a
// [FallbackGroup]. Name is replaced by the backend name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable backends, each behind
// its own [CircuitBreaker]. Backends are registered during setup; the group
// is read-only afterwards.
type FallbackGroup[T any] struct {
	backends []backend[T]
	cfg      CircuitBreakerConfig
}

// NewFallbackGroup creates a group with primary as the preferred backend.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg.CircuitBreaker}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	cbCfg := fg.cfg
	cbCfg.Name = name
	fg.backends = append(fg.backends, backend[T]{
		name:    name,
		value:   v,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Execute calls fn on each backend in order until one succeeds. Backends
// with an open circuit are skipped. An error the breakers do not count as a
// failure ends the walk and is returned unchanged. When every backend fails
// the last error is returned wrapped in [ErrAllFailed].
func Execute[T, R any](fg *FallbackGroup[T], fn func(name string, v T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.backends {
		b := &fg.backends[i]
		var result R
		err := b.breaker.Execute(func() error {
			var err error
			result, err = fn(b.name, b.value)
			return err
		})
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("backend skipped, circuit open", "backend", b.name)
		case !b.breaker.Counts(err):
			return zero, err
		default:
			slog.Warn("backend failed, trying next", "backend", b.name, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// Primary returns the preferred backend.
func (fg *FallbackGroup[T]) Primary() (string, T) {
	return fg.backends[0].name, fg.backends[0].value
}

// Names returns the backend names in failover order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.backends))
	for i, b := range fg.backends {
		names[i] = b.name
	}
	return names
}

// BreakerState returns the circuit state of the named backend. ok is false
// for an unknown name.
func (fg *FallbackGroup[T]) BreakerState(name string) (state State, ok bool) {
	for i := range fg.backends {
		if fg.backends[i].name == name {
			return fg.backends[i].breaker.State(), true
		}
	}
	return StateClosed, false
}
