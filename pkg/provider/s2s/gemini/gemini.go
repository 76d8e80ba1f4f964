// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks; model audio, tool calls and
// interruption signals are surfaced as events on the session's ordered stream.
package gemini

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
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// maxMessageSize bounds inbound frames; audio turns exceed the library default.
	maxMessageSize = 4 << 20

	// DefaultVoice is used when a session does not name one.
	DefaultVoice = "Zephyr"
)

// voices lists the prebuilt voices accepted by the native-audio models.
// DefaultVoice comes first.
var voices = []string{
	"Zephyr", "Puck", "Charon", "Kore", "Fenrir", "Leda", "Orus", "Aoede",
	"Callirrhoe", "Autonoe", "Enceladus", "Iapetus", "Umbriel", "Algieba",
	"Despina", "Erinome", "Algenib", "Rasalgethi", "Laomedeia", "Achernar",
	"Alnilam", "Schedar", "Gacrux", "Pulcherrima", "Achird", "Zubenelgenubi",
	"Vindemiatrix", "Sadachbia", "Sadaltager", "Sulafat",
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
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

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	streamOpts []s2s.StreamOption
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Voices:             voices,
		MaxSessionDuration: 15 * time.Minute,
	}
}

// Connect opens a Gemini Live session. It returns once the server has
// acknowledged the setup message with setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		slog.Error("gemini: API key is not set")
		return nil, fmt.Errorf("%w: gemini: missing API key", s2s.ErrConnect)
	}

	cfg = cfg.WithDefaults()
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if err := s2s.ValidateConfig(cfg, p.Capabilities()); err != nil {
		return nil, err
	}
	if cfg.InputSampleRate != audio.InputSampleRate || cfg.OutputSampleRate != audio.OutputSampleRate {
		return nil, fmt.Errorf("%w: gemini: sample rates must be %d in / %d out",
			s2s.ErrUnsupportedConfig, audio.InputSampleRate, audio.OutputSampleRate)
	}

	setup, err := json.Marshal(buildSetup(p.model, cfg))
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal setup: %w", err)
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: dial: %w", s2s.ErrConnect, err)
	}
	conn.SetReadLimit(maxMessageSize)

	st := s2s.NewStream(conn, "gemini", &codec{outputRate: cfg.OutputSampleRate}, p.streamOpts...)
	if err := st.WriteNow(ctx, setup); err != nil {
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

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
	Tools             []geminiTool       `json:"tools,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// buildSetup assembles the BidiGenerateContent setup message.
func buildSetup(model string, cfg s2s.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
					},
				},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return msg
}

// ── codec ─────────────────────────────────────────────────────────────────────

type codec struct {
	outputRate int
}

// Decode maps one server message to events. Within a message, audio parts
// come first, then interruption, then turn completion, then tool calls.
func (c *codec) Decode(data []byte) ([]s2s.Event, bool, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, fmt.Errorf("gemini: decode: %w", err)
	}

	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		return []s2s.Event{s2s.Closed{
			Reason: fmt.Errorf("%w: gemini: %d %s", s2s.ErrRemote, msg.Error.Code, text),
		}}, false, nil
	}

	var events []s2s.Event
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				mime := p.InlineData.MIMEType
				if mime == "" {
					mime = audio.PCMMIMEType(c.outputRate)
				}
				events = append(events, s2s.AudioChunk{Data: pcm, MIMEType: mime})
			}
		}
		if sc.Interrupted {
			events = append(events, s2s.Interrupted{})
		}
		if sc.TurnComplete {
			events = append(events, s2s.TurnComplete{})
		}
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			events = append(events, s2s.ToolCall{ID: fc.ID, Name: fc.Name, Args: args})
		}
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server announced disconnect", "go_away", string(*msg.GoAway))
	}
	return events, msg.SetupComplete != nil, nil
}

func (c *codec) EncodeAudio(chunk audio.EncodedChunk) ([][]byte, error) {
	mime := chunk.MIMEType
	if mime == "" {
		mime = audio.PCMMIMEType(audio.InputSampleRate)
	}
	data, err := json.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: mime, Data: base64.StdEncoding.EncodeToString(chunk.Data)},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

func (c *codec) EncodeToolResult(r s2s.ToolResult) ([][]byte, error) {
	payload := r.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{
				{ID: r.ID, Name: r.Name, Response: payload},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}
