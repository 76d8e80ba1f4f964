// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script the inbound event stream and inspect what the session
// manager sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.ToolCall{ID: "c1", Name: "filterProperties"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/eburon/pkg/audio"
	"github.com/MrWong99/eburon/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh [NewSession] each time.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectFunc, if set, replaces the default Connect behaviour. It lets tests
	// block inside Connect to observe the Opening state.
	ConnectFunc func(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error)

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	fn := p.ConnectFunc
	sess, err := p.Session, p.ConnectErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. Events pushed with
// Emit are delivered in order on Events(); Close and Fail end the stream.
type Session struct {
	mu sync.Mutex

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendToolResultErr, if non-nil, is returned by every SendToolResult call.
	SendToolResultErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	sendAudioCalls  []audio.EncodedChunk
	toolResultCalls []s2s.ToolResult
	closeCallCount  int
	closed          bool

	events    chan s2s.Event
	done      chan struct{}
	emitMu    sync.Mutex
	endOnce   sync.Once
	toolNotif chan struct{}
}

// NewSession returns a Session with a buffered event stream.
func NewSession() *Session {
	return &Session{
		events:    make(chan s2s.Event, 64),
		done:      make(chan struct{}),
		toolNotif: make(chan struct{}, 64),
	}
}

// Emit delivers ev on the event stream. It is a no-op once the stream ended.
func (s *Session) Emit(ev s2s.Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Fail simulates the remote ending the session: it emits Closed{reason} and
// closes the event stream.
func (s *Session) Fail(reason error) {
	s.Emit(s2s.Closed{Reason: reason})
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.end()
}

func (s *Session) end() {
	s.endOnce.Do(func() {
		close(s.done)
		s.emitMu.Lock()
		close(s.events)
		s.emitMu.Unlock()
	})
}

// SendAudio records the chunk and returns SendAudioErr, or ErrNotOpen after
// Close.
func (s *Session) SendAudio(chunk audio.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrNotOpen
	}
	cp := make([]byte, len(chunk.Data))
	copy(cp, chunk.Data)
	s.sendAudioCalls = append(s.sendAudioCalls, audio.EncodedChunk{Data: cp, MIMEType: chunk.MIMEType})
	return s.SendAudioErr
}

// SendToolResult records the result and returns SendToolResultErr, or
// ErrStaleToolResult after Close.
func (s *Session) SendToolResult(r s2s.ToolResult) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrStaleToolResult
	}
	s.toolResultCalls = append(s.toolResultCalls, r)
	err := s.SendToolResultErr
	s.mu.Unlock()

	select {
	case s.toolNotif <- struct{}{}:
	default:
	}
	return err
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close records the call and ends the event stream. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCallCount++
	s.closed = true
	err := s.CloseErr
	s.mu.Unlock()
	s.end()
	return err
}

// ToolResultSent is signalled after every recorded SendToolResult.
func (s *Session) ToolResultSent() <-chan struct{} { return s.toolNotif }

// AudioCalls returns a copy of the recorded SendAudio chunks. Thread-safe.
func (s *Session) AudioCalls() []audio.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedChunk, len(s.sendAudioCalls))
	copy(out, s.sendAudioCalls)
	return out
}

// ToolResults returns a copy of the recorded tool results. Thread-safe.
func (s *Session) ToolResults() []s2s.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]s2s.ToolResult, len(s.toolResultCalls))
	copy(out, s.toolResultCalls)
	return out
}

// CloseCallCount returns how many times Close was called. Thread-safe.
func (s *Session) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCallCount
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
