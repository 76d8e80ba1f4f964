// Package s2s defines the transport between the local session and a remote
// speech-to-speech agent.
//
// A [Provider] opens a [SessionHandle]: one logical, bidirectional channel that
// carries encoded microphone audio and tool results outbound, and a single
// ordered stream of [Event] values inbound. Audio chunks, tool calls,
// interruptions and the terminal close signal all travel on that one stream so
// that their relative order is exactly the order the remote produced them in.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/eburon/pkg/audio"
)

var (
	// ErrConnect reports that the channel could not be established: network
	// failure, rejected credentials or a missing API key.
	ErrConnect = errors.New("s2s: connect failed")

	// ErrUnsupportedConfig reports that the remote cannot serve the requested
	// session configuration, e.g. an unknown voice or a malformed tool set.
	ErrUnsupportedConfig = errors.New("s2s: unsupported session config")

	// ErrNotOpen is returned by send methods once the session has closed.
	ErrNotOpen = errors.New("s2s: session not open")

	// ErrTransientSend reports an outbound audio frame dropped because the send
	// queue was full. Audio loss is tolerable; callers log and continue.
	ErrTransientSend = errors.New("s2s: audio frame dropped")

	// ErrStaleToolResult is returned by SendToolResult after the session has
	// closed. The interaction is moot; callers should warn, not fail.
	ErrStaleToolResult = errors.New("s2s: stale tool result")

	// ErrRemote wraps errors reported by the remote agent itself.
	ErrRemote = errors.New("s2s: remote error")
)

// ToolDefinition declares a function the remote agent may call.
type ToolDefinition struct {
	// Name is the function name the model uses to invoke the tool.
	Name string

	// Description tells the model when and how to use the tool.
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// SessionConfig is the immutable configuration of one session. A new session
// requires a fresh config.
type SessionConfig struct {
	// Instructions is the system prompt defining the agent's behaviour.
	Instructions string

	// Voice is the provider-specific voice identity. Empty selects the
	// provider default.
	Voice string

	// Tools is the set of functions offered to the agent. Empty when tools are
	// disabled for the session.
	Tools []ToolDefinition

	// InputSampleRate is the rate of outbound audio. Zero means
	// [audio.InputSampleRate].
	InputSampleRate int

	// OutputSampleRate is the rate of inbound audio. Zero means
	// [audio.OutputSampleRate].
	OutputSampleRate int
}

// WithDefaults returns a copy of c with zero sample rates replaced by the
// fixed defaults.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.InputSampleRate == 0 {
		c.InputSampleRate = audio.InputSampleRate
	}
	if c.OutputSampleRate == 0 {
		c.OutputSampleRate = audio.OutputSampleRate
	}
	return c
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// Voices lists accepted voice identities. The first entry is the default.
	Voices []string

	// MaxSessionDuration is the provider-imposed session limit. Zero means
	// no documented limit.
	MaxSessionDuration time.Duration
}

// ── Events ────────────────────────────────────────────────────────────────────

// Event is one inbound message from the remote agent. The concrete type is one
// of [AudioChunk], [ToolCall], [Interrupted], [TurnComplete] or [Closed].
type Event interface {
	event()
}

// AudioChunk carries synthesised speech as encoded PCM.
type AudioChunk struct {
	Data     []byte
	MIMEType string
}

// Encoded returns the chunk as an [audio.EncodedChunk].
func (c AudioChunk) Encoded() audio.EncodedChunk {
	return audio.EncodedChunk{Data: c.Data, MIMEType: c.MIMEType}
}

// ToolCall is a structured request from the agent to run a named function.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Interrupted signals that the agent's current speech must stop immediately,
// typically because the user started talking.
type Interrupted struct{}

// TurnComplete signals that the agent finished its current turn.
type TurnComplete struct{}

// Closed is the terminal event of a session. Reason is nil when the remote
// ended the session normally.
type Closed struct {
	Reason error
}

func (AudioChunk) event()   {}
func (ToolCall) event()     {}
func (Interrupted) event()  {}
func (TurnComplete) event() {}
func (Closed) event()       {}

// ToolResult answers exactly one [ToolCall], matched by ID.
type ToolResult struct {
	ID      string
	Name    string
	Payload map[string]any
}

// ── Interfaces ────────────────────────────────────────────────────────────────

// SessionHandle represents an open session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Send methods never block the caller on network I/O.
type SessionHandle interface {
	// SendAudio queues one encoded frame for transmission. It returns
	// [ErrTransientSend] when the frame was dropped because the queue is full
	// and [ErrNotOpen] after the session closed. Neither is fatal.
	SendAudio(chunk audio.EncodedChunk) error

	// SendToolResult queues the answer to a tool call. Results queued before
	// Close are flushed before the channel is torn down. After close it
	// returns [ErrStaleToolResult].
	SendToolResult(result ToolResult) error

	// Events returns the ordered inbound event stream. The channel is closed
	// after the terminal [Closed] event or once Close returns.
	Events() <-chan Event

	// Close tears the session down. It is idempotent and guarantees that no
	// further events are delivered after it returns.
	Close() error
}

// Provider is the abstraction over any speech-to-speech backend.
type Provider interface {
	// Connect establishes a session and returns once the remote handshake has
	// completed. Errors wrap [ErrConnect] or [ErrUnsupportedConfig].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
