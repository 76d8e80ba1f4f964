// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 at 24kHz in both directions;
// microphone frames are resampled on the way out.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/eburon/pkg/audio"
	"github.com/MrWong99/eburon/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Codec = (*codec)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// wireRate is the only PCM16 rate the Realtime API accepts.
	wireRate = 24000

	maxMessageSize = 4 << 20

	// DefaultVoice is used when a session does not name one.
	DefaultVoice = "alloy"
)

var voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithStreamOptions passes options through to every session's [s2s.Stream].
func WithStreamOptions(opts ...s2s.StreamOption) Option {
	return func(p *Provider) { p.streamOpts = append(p.streamOpts, opts...) }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	streamOpts []s2s.StreamOption
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Voices:             voices,
		MaxSessionDuration: 30 * time.Minute,
	}
}

// Connect opens a Realtime session. The session.update message is sent right
// after the dial; Connect returns once the server answers with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		slog.Error("openai: API key is not set")
		return nil, fmt.Errorf("%w: openai: missing API key", s2s.ErrConnect)
	}

	cfg = cfg.WithDefaults()
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if err := s2s.ValidateConfig(cfg, p.Capabilities()); err != nil {
		return nil, err
	}

	update, err := json.Marshal(buildSessionUpdate(cfg))
	if err != nil {
		return nil, fmt.Errorf("openai: marshal session update: %w", err)
	}

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai: dial: %w", s2s.ErrConnect, err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &codec{outputRate: cfg.OutputSampleRate, inputRate: cfg.InputSampleRate}
	st := s2s.NewStream(conn, "openai", c, p.streamOpts...)
	if err := st.WriteNow(ctx, update); err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := st.Ready(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string  `json:"modalities"`
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Tools             []oaiTool `json:"tools,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

func buildSessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	for _, t := range cfg.Tools {
		params.Tools = append(params.Tools, oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── codec ─────────────────────────────────────────────────────────────────────

// codec is stateful: an error event means something different before and
// after the server has accepted the session.
type codec struct {
	inputRate  int
	outputRate int
	ready      bool
}

func (c *codec) Decode(data []byte) ([]s2s.Event, bool, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, false, fmt.Errorf("openai: decode: %w", err)
	}

	switch evt.Type {
	case "session.created":
		return nil, false, nil

	case "session.updated":
		c.ready = true
		return nil, true, nil

	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return nil, false, fmt.Errorf("openai: audio delta: %w", err)
		}
		if len(pcm) == 0 {
			return nil, false, nil
		}
		if c.outputRate != wireRate {
			pcm = audio.ResampleMono16(pcm, wireRate, c.outputRate)
		}
		return []s2s.Event{s2s.AudioChunk{Data: pcm, MIMEType: audio.PCMMIMEType(c.outputRate)}}, false, nil

	case "input_audio_buffer.speech_started":
		return []s2s.Event{s2s.Interrupted{}}, false, nil

	case "response.done":
		return []s2s.Event{s2s.TurnComplete{}}, false, nil

	case "response.function_call_arguments.done":
		args := map[string]any{}
		if evt.Arguments != "" {
			if err := json.Unmarshal([]byte(evt.Arguments), &args); err != nil {
				slog.Warn("openai: tool call arguments are not a JSON object", "call_id", evt.CallID, "err", err)
				args = map[string]any{}
			}
		}
		return []s2s.Event{s2s.ToolCall{ID: evt.CallID, Name: evt.Name, Args: args}}, false, nil

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		if !c.ready {
			return []s2s.Event{s2s.Closed{
				Reason: fmt.Errorf("%w: openai: %s", s2s.ErrUnsupportedConfig, msg),
			}}, false, nil
		}
		// Errors after the handshake concern a single request and leave the
		// session usable.
		return nil, false, fmt.Errorf("openai: server error: %s", msg)
	}
	return nil, false, nil
}

func (c *codec) EncodeAudio(chunk audio.EncodedChunk) ([][]byte, error) {
	rate := c.inputRate
	if chunk.MIMEType != "" {
		r, err := audio.ParsePCMRate(chunk.MIMEType, c.inputRate)
		if err != nil {
			return nil, err
		}
		rate = r
	}
	pcm := chunk.Data
	if rate != wireRate {
		pcm = audio.ResampleMono16(pcm, rate, wireRate)
	}
	data, err := json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

// EncodeToolResult returns the function_call_output item followed by a
// response.create that asks the model to continue.
func (c *codec) EncodeToolResult(r s2s.ToolResult) ([][]byte, error) {
	payload := r.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	output, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	item, err := json.Marshal(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: r.ID,
			Output: string(output),
		},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{item, []byte(`{"type":"response.create"}`)}, nil
}
