package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/eburon/pkg/audio"
	"github.com/MrWong99/eburon/pkg/provider/s2s"
	"github.com/MrWong99/eburon/pkg/provider/s2s/openai"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptUpdate consumes the session.update message and confirms it.
func acceptUpdate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
}

func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig, opts ...openai.Option) s2s.SessionHandle {
	t.Helper()
	opts = append([]openai.Option{openai.WithBaseURL(wsURL(srv))}, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	handle, err := openai.New("key", opts...).Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_MissingAPIKey(t *testing.T) {
	t.Parallel()
	_, err := openai.New("").Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
}

func TestConnect_UnknownVoice(t *testing.T) {
	t.Parallel()
	_, err := openai.New("key").Connect(context.Background(), s2s.SessionConfig{Voice: "Zephyr"})
	if !errors.Is(err, s2s.ErrUnsupportedConfig) {
		t.Fatalf("err = %v, want ErrUnsupportedConfig", err)
	}
}

func TestConnect_HeadersAndModel(t *testing.T) {
	t.Parallel()

	type reqInfo struct {
		auth, beta, model string
	}
	got := make(chan reqInfo, 1)

	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- reqInfo{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		acceptUpdate(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{}, openai.WithModel("gpt-4o-mini-realtime"))

	info := <-got
	if info.auth != "Bearer key" {
		t.Errorf("Authorization = %q", info.auth)
	}
	if info.beta != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", info.beta)
	}
	if info.model != "gpt-4o-mini-realtime" {
		t.Errorf("model = %q", info.model)
	}
}

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type updateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Voice             string `json:"voice"`
			Instructions      string `json:"instructions"`
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
			Tools             []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"session"`
	}
	got := make(chan updateMsg, 1)

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg updateMsg
		readJSON(t, conn, &msg)
		got <- msg
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{
		Instructions: "Be brief.",
		Voice:        "coral",
		Tools:        []s2s.ToolDefinition{{Name: "filterProperties", Parameters: map[string]any{"type": "object"}}},
	})

	msg := <-got
	if msg.Type != "session.update" {
		t.Errorf("type = %q", msg.Type)
	}
	if msg.Session.Voice != "coral" || msg.Session.Instructions != "Be brief." {
		t.Errorf("session = %+v", msg.Session)
	}
	if msg.Session.InputAudioFormat != "pcm16" || msg.Session.OutputAudioFormat != "pcm16" {
		t.Errorf("formats = %q/%q", msg.Session.InputAudioFormat, msg.Session.OutputAudioFormat)
	}
	if len(msg.Session.Tools) != 1 || msg.Session.Tools[0].Type != "function" || msg.Session.Tools[0].Name != "filterProperties" {
		t.Errorf("tools = %+v", msg.Session.Tools)
	}
}

func TestConnect_ErrorBeforeReadyIsUnsupportedConfig(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "bad voice"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	_, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrUnsupportedConfig) {
		t.Fatalf("err = %v, want ErrUnsupportedConfig", err)
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func TestSendAudio_ResamplesTo24k(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		var msg struct {
			Type  string `json:"type"`
			Audio string `json:"audio"`
		}
		readJSON(t, conn, &msg)
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q", msg.Type)
		}
		pcm, _ := base64.StdEncoding.DecodeString(msg.Audio)
		got <- pcm
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	// 160 samples at 16 kHz (10 ms) become 240 samples at 24 kHz.
	pcm := audio.EncodePCM16(make([]float32, 160))
	if err := handle.SendAudio(audio.EncodedChunk{Data: pcm, MIMEType: audio.PCMMIMEType(16000)}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case out := <-got:
		if len(out) != 480 {
			t.Errorf("resampled bytes = %d, want 480", len(out))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio")
	}
}

func TestSendToolResult_CreatesItemAndResponse(t *testing.T) {
	t.Parallel()

	type itemMsg struct {
		Type string `json:"type"`
		Item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"item"`
	}
	items := make(chan itemMsg, 1)
	follow := make(chan string, 1)

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		var item itemMsg
		readJSON(t, conn, &item)
		items <- item
		var next struct {
			Type string `json:"type"`
		}
		readJSON(t, conn, &next)
		follow <- next.Type
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	err := handle.SendToolResult(s2s.ToolResult{
		ID:      "call_1",
		Name:    "filterProperties",
		Payload: map[string]any{"count": 2},
	})
	if err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}

	item := <-items
	if item.Type != "conversation.item.create" || item.Item.Type != "function_call_output" {
		t.Errorf("item = %+v", item)
	}
	if item.Item.CallID != "call_1" {
		t.Errorf("call_id = %q", item.Item.CallID)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(item.Item.Output), &out); err != nil || out["count"] != float64(2) {
		t.Errorf("output = %q (%v)", item.Item.Output, err)
	}
	if typ := <-follow; typ != "response.create" {
		t.Errorf("follow-up = %q, want response.create", typ)
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestEvents_MapsServerEvents(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x20, 0x30, 0x40}

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call_9",
			"name":      "filterProperties",
			"arguments": `{"location":"Ghent","maxPrice":200}`,
		})
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"message": "rate limited"}})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	chunk, ok := nextEvent(t, handle).(s2s.AudioChunk)
	if !ok {
		t.Fatal("expected AudioChunk")
	}
	if string(chunk.Data) != string(pcm) || chunk.MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("chunk = %+v", chunk)
	}
	if _, ok := nextEvent(t, handle).(s2s.Interrupted); !ok {
		t.Error("expected Interrupted")
	}
	call, ok := nextEvent(t, handle).(s2s.ToolCall)
	if !ok {
		t.Fatal("expected ToolCall")
	}
	if call.ID != "call_9" || call.Args["location"] != "Ghent" || call.Args["maxPrice"] != float64(200) {
		t.Errorf("call = %+v", call)
	}
	// The post-handshake error is skipped; the session stays open.
	if _, ok := nextEvent(t, handle).(s2s.TurnComplete); !ok {
		t.Error("expected TurnComplete")
	}
}

func TestEvents_BadArgumentsYieldEmptyMap(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call_x",
			"name":      "filterProperties",
			"arguments": `not json`,
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	call, ok := nextEvent(t, handle).(s2s.ToolCall)
	if !ok {
		t.Fatal("expected ToolCall")
	}
	if call.Args == nil || len(call.Args) != 0 {
		t.Errorf("Args = %v, want empty map", call.Args)
	}
}
