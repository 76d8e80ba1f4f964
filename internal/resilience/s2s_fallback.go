package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/MrWong99/eburon/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with failover across
// speech-to-speech backends. Only the handshake is covered: once a session is
// open, its failures end the session and are never retried elsewhere.
//
// Handshake failures that wrap [s2s.ErrConnect] count against a backend's
// breaker and move on to the next backend. Rejections such as
// [s2s.ErrUnsupportedConfig] and caller cancellation are returned at once.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred
// backend. cfg.CircuitBreaker.IsFailure is replaced by the handshake
// classifier.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	cfg.CircuitBreaker.IsFailure = isHandshakeFailure
	return &S2SFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// isHandshakeFailure reports whether err says the backend was unreachable or
// broke during setup, as opposed to refusing the request or being abandoned
// by the caller.
func isHandshakeFailure(err error) bool {
	return errors.Is(err, s2s.ErrConnect) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// AddFallback registers an additional backend.
func (f *S2SFallback) AddFallback(name string, provider s2s.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the backend names in failover order.
func (f *S2SFallback) Names() []string { return f.group.Names() }

// BreakerState returns the circuit state of the named backend.
func (f *S2SFallback) BreakerState(name string) (State, bool) {
	return f.group.BreakerState(name)
}

// Connect opens a session on the first healthy backend. Fallbacks that do
// not list the requested voice use their own default voice.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	primary, _ := f.group.Primary()

	h, err := Execute(f.group, func(name string, p s2s.Provider) (s2s.SessionHandle, error) {
		c := cfg
		if name != primary {
			c = adaptVoice(name, p, c)
		}
		h, err := p.Connect(ctx, c)
		if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return h, err
	})
	if errors.Is(err, ErrAllFailed) {
		return nil, fmt.Errorf("%w: %w", s2s.ErrConnect, err)
	}
	return h, err
}

// Capabilities returns the capabilities of the primary. This does not
// participate in failover because capabilities are static metadata.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	_, p := f.group.Primary()
	return p.Capabilities()
}

func adaptVoice(name string, p s2s.Provider, cfg s2s.SessionConfig) s2s.SessionConfig {
	voices := p.Capabilities().Voices
	if cfg.Voice == "" || len(voices) == 0 || slices.Contains(voices, cfg.Voice) {
		return cfg
	}
	slog.Debug("fallback provider does not offer voice, using its default",
		"provider", name, "voice", cfg.Voice)
	cfg.Voice = ""
	return cfg
}
