package app_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/eburon/internal/app"
	"github.com/MrWong99/eburon/internal/listing"
	"github.com/MrWong99/eburon/internal/mcp/tools"
	"github.com/MrWong99/eburon/internal/mcp/tools/filterproperties"
	"github.com/MrWong99/eburon/internal/observe"
	"github.com/MrWong99/eburon/internal/recording"
	"github.com/MrWong99/eburon/pkg/audio"
	"github.com/MrWong99/eburon/pkg/audio/capture"
	capturemock "github.com/MrWong99/eburon/pkg/audio/capture/mock"
	"github.com/MrWong99/eburon/pkg/audio/playback"
	"github.com/MrWong99/eburon/pkg/provider/s2s"
	s2smock "github.com/MrWong99/eburon/pkg/provider/s2s/mock"
)

const testFrameSize = 160

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeVoice struct {
	once    sync.Once
	done    chan struct{}
	stopped atomic.Bool
}

func (v *fakeVoice) Stop() {
	v.stopped.Store(true)
	v.once.Do(func() { close(v.done) })
}

func (v *fakeVoice) Done() <-chan struct{} { return v.done }

// fakeOutput is a playback.Output whose clock never advances, so scheduled
// voices stay active until stopped.
type fakeOutput struct {
	mu     sync.Mutex
	voices []*fakeVoice
}

func (o *fakeOutput) Now() time.Duration { return 0 }

func (o *fakeOutput) Schedule(_ []float32, _ time.Duration) playback.Voice {
	v := &fakeVoice{done: make(chan struct{})}
	o.mu.Lock()
	o.voices = append(o.voices, v)
	o.mu.Unlock()
	return v
}

func (o *fakeOutput) snapshot() []*fakeVoice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.voices)
}

// ── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	sm       *app.SessionManager
	provider *s2smock.Provider
	sess     *s2smock.Session
	device   *capturemock.Device
	out      *fakeOutput
	rec      *recording.Mixer
	reader   *sdkmetric.ManualReader

	mu       sync.Mutex
	filtered []listing.Result
}

func newHarness(t *testing.T, mutate ...func(*app.SessionManagerConfig)) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	seed, err := listing.Seed()
	if err != nil {
		t.Fatal(err)
	}
	store, err := listing.NewMemStore(seed)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		sess:   s2smock.NewSession(),
		device: capturemock.NewDevice(),
		out:    &fakeOutput{},
		rec:    recording.NewMixer(),
		reader: reader,
	}
	h.provider = &s2smock.Provider{Session: h.sess}

	reg, err := tools.NewRegistry(filterproperties.Tool(
		listing.NewSearcher(store, listing.NewCityMatcher(0, 0)),
		filterproperties.WithResultHook(func(r listing.Result) {
			h.mu.Lock()
			h.filtered = append(h.filtered, r)
			h.mu.Unlock()
		}),
	))
	if err != nil {
		t.Fatal(err)
	}

	cfg := app.SessionManagerConfig{
		Provider:      h.provider,
		ProviderName:  "mock",
		CaptureDevice: h.device,
		Output:        h.out,
		Recorder:      h.rec,
		Tools:         reg,
		Metrics:       metrics,
		FrameSize:     testFrameSize,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.sm = app.NewSessionManager(cfg)
	t.Cleanup(func() { _ = h.sm.Close() })
	return h
}

func (h *harness) connect(t *testing.T, p app.Profile) {
	t.Helper()
	if err := h.sm.Connect(context.Background(), p); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func (h *harness) results() []listing.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.filtered)
}

// feed pushes one frame of constant samples through the capture device.
func (h *harness) feed(t *testing.T, v float32) {
	t.Helper()
	samples := make([]float32, testFrameSize)
	for i := range samples {
		samples[i] = v
	}
	if err := h.device.Feed(audio.EncodePCM16(samples)); err != nil {
		t.Fatalf("Feed: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitToolResult(t *testing.T, sess *s2smock.Session) {
	t.Helper()
	select {
	case <-sess.ToolResultSent():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tool result")
	}
}

func sumValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			var total int64
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

var ghentProfile = app.Profile{Prompt: "You are Eburon.", Voice: "Orus", ToolsEnabled: true}

// ── State machine ────────────────────────────────────────────────────────────

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    app.State
		want string
	}{
		{app.StateIdle, "idle"},
		{app.StateOpening, "opening"},
		{app.StateOpen, "open"},
		{app.StateClosing, "closing"},
		{app.StateClosed, "closed"},
		{app.State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestConnect_OpensSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if got := h.sm.State(); got != app.StateIdle {
		t.Fatalf("initial state = %v, want idle", got)
	}

	h.connect(t, ghentProfile)

	if got := h.sm.State(); got != app.StateOpen {
		t.Errorf("state = %v, want open", got)
	}
	calls := h.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("connect calls = %d, want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.Instructions != ghentProfile.Prompt || cfg.Voice != "Orus" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.InputSampleRate != 16000 || cfg.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d, want 16000/24000", cfg.InputSampleRate, cfg.OutputSampleRate)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Name != filterproperties.Name {
		t.Errorf("tools = %+v", cfg.Tools)
	}
	if got := h.device.OpenCalls(); !slices.Equal(got, []int{16000}) {
		t.Errorf("device opens = %v, want [16000]", got)
	}

	info, ok := h.sm.Info()
	if !ok || info.SessionID == "" || info.Profile != ghentProfile || info.StartedAt.IsZero() {
		t.Errorf("Info = %+v, %v", info, ok)
	}
	if got := sumValue(t, h.reader, "eburon.active_sessions"); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestConnect_ToolsDisabledOmitsDefinitions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t, app.Profile{Prompt: "p"})

	if tools := h.provider.Calls()[0].Cfg.Tools; len(tools) != 0 {
		t.Errorf("tools = %+v, want none", tools)
	}
}

func TestConnect_TransportFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.provider.ConnectErr = fmt.Errorf("%w: missing API key", s2s.ErrConnect)

	err := h.sm.Connect(context.Background(), ghentProfile)
	if !errors.Is(err, s2s.ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
	if got := h.sm.State(); got != app.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if got := h.device.OpenCalls(); len(got) != 0 {
		t.Errorf("device opened %d times after failed connect", len(got))
	}
}

func TestConnect_DeviceUnavailableClosesTransport(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.device.OpenErr = errors.New("permission denied")

	err := h.sm.Connect(context.Background(), ghentProfile)
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if got := h.sess.CloseCallCount(); got != 1 {
		t.Errorf("transport closes = %d, want 1", got)
	}
	if got := h.sm.State(); got != app.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestConnect_ReplacesPreviousSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first := h.sess
	h.connect(t, ghentProfile)
	firstInfo, _ := h.sm.Info()

	h.provider.Session = s2smock.NewSession()
	h.connect(t, ghentProfile)

	if got := first.CloseCallCount(); got != 1 {
		t.Errorf("first session closes = %d, want 1", got)
	}
	info, ok := h.sm.Info()
	if !ok || info.SessionID == firstInfo.SessionID {
		t.Errorf("session id not renewed: %q", info.SessionID)
	}
	if got := h.sm.State(); got != app.StateOpen {
		t.Errorf("state = %v, want open", got)
	}
}

func TestConnect_ConcurrentLeavesOneSession(t *testing.T) {
	t.Parallel()

	for range 20 {
		h := newHarness(t)
		h.provider.ConnectFunc = func(ctx context.Context, _ s2s.SessionConfig) (s2s.SessionHandle, error) {
			select {
			case <-time.After(time.Millisecond):
				return s2smock.NewSession(), nil
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", s2s.ErrConnect, ctx.Err())
			}
		}

		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = h.sm.Connect(context.Background(), ghentProfile)
			}()
		}
		wg.Wait()

		if got := sumValue(t, h.reader, "eburon.active_sessions"); got > 1 {
			t.Fatalf("active sessions after concurrent connects = %d, want at most 1", got)
		}

		h.sm.Disconnect()
		if opens, closes := len(h.device.OpenCalls()), h.device.CloseCount(); opens != closes {
			t.Fatalf("device opened %d times but closed %d times", opens, closes)
		}
		if got := sumValue(t, h.reader, "eburon.active_sessions"); got != 0 {
			t.Fatalf("active sessions = %d, want 0", got)
		}
	}
}

// ── Disconnect ───────────────────────────────────────────────────────────────

func TestDisconnect_FromIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sm.Disconnect()
	if got := h.sm.State(); got != app.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestDisconnect_FromOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t, ghentProfile)

	h.sm.Disconnect()
	h.sm.Disconnect()

	if got := h.sm.State(); got != app.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if got := h.sess.CloseCallCount(); got != 1 {
		t.Errorf("transport closes = %d, want 1", got)
	}
	if got := h.device.CloseCount(); got != 1 {
		t.Errorf("device closes = %d, want 1", got)
	}
	if _, ok := h.sm.Info(); ok {
		t.Error("Info reports a session after disconnect")
	}
	if got := sumValue(t, h.reader, "eburon.active_sessions"); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func TestDisconnect_AbortsOpening(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	entered := make(chan struct{})
	h.provider.ConnectFunc = func(ctx context.Context, _ s2s.SessionConfig) (s2s.SessionHandle, error) {
		close(entered)
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", s2s.ErrConnect, ctx.Err())
	}

	errc := make(chan error, 1)
	go func() { errc <- h.sm.Connect(context.Background(), ghentProfile) }()

	<-entered
	if got := h.sm.State(); got != app.StateOpening {
		t.Errorf("state during handshake = %v, want opening", got)
	}
	h.sm.Disconnect()

	select {
	case err := <-errc:
		if err == nil {
			t.Error("Connect succeeded after Disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	if got := h.sm.State(); got != app.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestDisconnect_Concurrent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t, ghentProfile)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sm.Disconnect()
		}()
	}
	wg.Wait()

	if got := h.sm.State(); got != app.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if got := h.sess.CloseCallCount(); got != 1 {
		t.Errorf("transport closes = %d, want 1", got)
	}
}

func TestDisconnect_NoNotificationsAfterwards(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var volumes, toolCalls, closes atomic.Int32
	h.sm.OnVolume(func(float64, float64) { volumes.Add(1) })
	h.sm.OnToolCall(func(s2s.ToolCall) { toolCalls.Add(1) })
	h.sm.OnClose(func(error) { closes.Add(1) })

	h.connect(t, ghentProfile)
	h.feed(t, 0.1)
	eventually(t, "volume", func() bool { return volumes.Load() > 0 })

	h.sm.Disconnect()
	before := volumes.Load()

	h.sess.Emit(s2s.ToolCall{ID: "late", Name: filterproperties.Name})
	h.sess.Emit(s2s.Closed{})
	time.Sleep(50 * time.Millisecond)

	if got := volumes.Load(); got != before {
		t.Errorf("volume notifications after disconnect: %d -> %d", before, got)
	}
	if got := toolCalls.Load(); got != 0 {
		t.Errorf("tool call notifications = %d, want 0", got)
	}
	if got := closes.Load(); got != 0 {
		t.Errorf("onClose fired %d times for explicit disconnect", got)
	}
}

// ── Tool calls ───────────────────────────────────────────────────────────────

func TestToolCall_GhentAnsweredExactlyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	seen := make(chan s2s.ToolCall, 4)
	h.sm.OnToolCall(func(c s2s.ToolCall) { seen <- c })
	h.connect(t, ghentProfile)

	ghent := s2s.ToolCall{
		ID:   "c1",
		Name: filterproperties.Name,
		Args: map[string]any{"location": "Ghent", "maxPrice": 200.0},
	}
	h.sess.Emit(ghent)
	h.sess.Emit(ghent)
	h.sess.Emit(s2s.ToolCall{ID: "c2", Name: filterproperties.Name, Args: map[string]any{"bedrooms": 5.0}})

	waitToolResult(t, h.sess)
	waitToolResult(t, h.sess)

	results := h.sess.ToolResults()
	if len(results) != 2 || results[0].ID != "c1" || results[1].ID != "c2" {
		t.Fatalf("results = %+v, want c1 then c2", results)
	}
	if results[0].Payload["result"] != filterproperties.ResultMessage || results[0].Payload["count"] != 2 {
		t.Errorf("c1 payload = %v", results[0].Payload)
	}

	filtered := h.results()
	var ids []string
	for _, l := range filtered[0].Listings {
		ids = append(ids, l.ID)
	}
	if !slices.Equal(ids, []string{"102", "122"}) {
		t.Errorf("Ghent listings = %v, want [102 122]", ids)
	}

	for _, want := range []string{"c1", "c2"} {
		select {
		case c := <-seen:
			if c.ID != want {
				t.Errorf("notified %q, want %q", c.ID, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no tool call notification for %s", want)
		}
	}
}

func TestToolCall_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		profile app.Profile
		call    s2s.ToolCall
		wantErr string
	}{
		{
			name:    "tools disabled",
			profile: app.Profile{Prompt: "p"},
			call:    s2s.ToolCall{ID: "x", Name: filterproperties.Name},
			wantErr: "disabled",
		},
		{
			name:    "unknown tool",
			profile: ghentProfile,
			call:    s2s.ToolCall{ID: "x", Name: "bookFlight"},
			wantErr: "unknown tool",
		},
		{
			name:    "invalid arguments",
			profile: ghentProfile,
			call:    s2s.ToolCall{ID: "x", Name: filterproperties.Name, Args: map[string]any{"maxPrice": -1.0}},
			wantErr: "maxPrice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.connect(t, tt.profile)
			h.sess.Emit(tt.call)
			waitToolResult(t, h.sess)

			res := h.sess.ToolResults()
			if len(res) != 1 || res[0].ID != "x" {
				t.Fatalf("results = %+v", res)
			}
			msg, _ := res[0].Payload["error"].(string)
			if !strings.Contains(msg, tt.wantErr) {
				t.Errorf("error payload = %q, want containing %q", msg, tt.wantErr)
			}
		})
	}
}

// ── Remote end ───────────────────────────────────────────────────────────────

func TestRemoteClose_FiresOnClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	reasons := make(chan error, 1)
	h.sm.OnClose(func(err error) { reasons <- err })
	h.connect(t, ghentProfile)

	boom := fmt.Errorf("%w: quota exceeded", s2s.ErrRemote)
	h.sess.Fail(boom)

	select {
	case err := <-reasons:
		if !errors.Is(err, s2s.ErrRemote) {
			t.Errorf("reason = %v, want ErrRemote", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onClose not fired")
	}
	eventually(t, "closed state", func() bool { return h.sm.State() == app.StateClosed })
	if got := h.device.CloseCount(); got != 1 {
		t.Errorf("device closes = %d, want 1", got)
	}
}

func TestRemoteClose_NormalHasNilReason(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	reasons := make(chan error, 1)
	h.sm.OnClose(func(err error) { reasons <- err })
	h.connect(t, ghentProfile)

	h.sess.Fail(nil)

	select {
	case err := <-reasons:
		if err != nil {
			t.Errorf("reason = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onClose not fired")
	}
}

func TestDeviceLoss_FiresOnClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	reasons := make(chan error, 1)
	h.sm.OnClose(func(err error) { reasons <- err })
	h.connect(t, ghentProfile)

	h.device.CloseInput(errors.New("unplugged"))

	select {
	case err := <-reasons:
		if !errors.Is(err, capture.ErrDeviceUnavailable) {
			t.Errorf("reason = %v, want ErrDeviceUnavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onClose not fired")
	}
	eventually(t, "closed state", func() bool { return h.sm.State() == app.StateClosed })
	if got := h.sess.CloseCallCount(); got != 1 {
		t.Errorf("transport closes = %d, want 1", got)
	}
}

// ── Audio ────────────────────────────────────────────────────────────────────

func TestCapture_SendsFramesAndReportsInputLevel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	levels := make(chan [2]float64, 8)
	h.sm.OnVolume(func(in, out float64) {
		select {
		case levels <- [2]float64{in, out}:
		default:
		}
	})
	h.connect(t, ghentProfile)

	h.feed(t, 0.1)
	eventually(t, "audio sent", func() bool { return len(h.sess.AudioCalls()) == 1 })

	chunk := h.sess.AudioCalls()[0]
	if chunk.MIMEType != "audio/pcm;rate=16000" || len(chunk.Data) != 2*testFrameSize {
		t.Errorf("chunk = %q, %d bytes", chunk.MIMEType, len(chunk.Data))
	}

	select {
	case lv := <-levels:
		// RMS of a constant 0.1 block, gained by 5.
		if math.Abs(lv[0]-0.5) > 0.01 || lv[1] != 0 {
			t.Errorf("levels = %v, want [0.5 0]", lv)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no volume notification")
	}
	if got := sumValue(t, h.reader, "eburon.audio.frames_sent"); got != 1 {
		t.Errorf("frames sent = %d, want 1", got)
	}
}

func TestCapture_DroppedFramesAreCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sess.SendAudioErr = s2s.ErrTransientSend
	h.connect(t, ghentProfile)

	h.feed(t, 0.1)
	h.feed(t, 0.1)
	eventually(t, "dropped frames", func() bool {
		return sumValue(t, h.reader, "eburon.audio.frames_dropped") == 2
	})
	if got := h.sm.State(); got != app.StateOpen {
		t.Errorf("state = %v, want open", got)
	}
}

func TestPlayback_ScheduleAndInterrupt(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	outs := make(chan float64, 16)
	h.sm.OnVolume(func(_, out float64) { outs <- out })
	h.connect(t, ghentProfile)

	speech := audio.EncodePCM16(make([]float32, 2400))
	h.sess.Emit(s2s.AudioChunk{Data: speech, MIMEType: audio.PCMMIMEType(24000)})
	h.sess.Emit(s2s.AudioChunk{Data: speech, MIMEType: audio.PCMMIMEType(24000)})
	eventually(t, "two voices", func() bool { return len(h.out.snapshot()) == 2 })

	select {
	case lv := <-outs:
		if lv != playback.DefaultPulse {
			t.Errorf("output level = %v, want %v", lv, playback.DefaultPulse)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no output level")
	}

	h.sess.Emit(s2s.Interrupted{})
	eventually(t, "voices stopped", func() bool {
		for _, v := range h.out.snapshot() {
			if !v.stopped.Load() {
				return false
			}
		}
		return true
	})
	eventually(t, "interruption metric", func() bool {
		return sumValue(t, h.reader, "eburon.playback.interruptions") == 1
	})
}

// ── Subscriptions ────────────────────────────────────────────────────────────

func TestOnVolume_ReplacesPreviousSubscriber(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var first, second atomic.Int32
	unsubFirst := h.sm.OnVolume(func(float64, float64) { first.Add(1) })
	h.sm.OnVolume(func(float64, float64) { second.Add(1) })
	unsubFirst() // stale; must not remove the second subscriber

	h.connect(t, ghentProfile)
	h.feed(t, 0.1)
	eventually(t, "second subscriber", func() bool { return second.Load() > 0 })
	if got := first.Load(); got != 0 {
		t.Errorf("replaced subscriber called %d times", got)
	}
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	reasons := make(chan error, 1)
	h.sm.OnToolCall(func(s2s.ToolCall) { panic("subscriber bug") })
	h.sm.OnClose(func(err error) { reasons <- err })
	h.connect(t, ghentProfile)

	h.sess.Emit(s2s.ToolCall{ID: "c1", Name: filterproperties.Name})
	waitToolResult(t, h.sess)
	h.sess.Fail(nil)

	select {
	case <-reasons:
	case <-time.After(2 * time.Second):
		t.Fatal("onClose not delivered after a panicking subscriber")
	}
}

// ── Recording ────────────────────────────────────────────────────────────────

func TestRecording_StopWithoutStartIsEmpty(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a, err := h.sm.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if !a.Empty() {
		t.Errorf("artifact has %d bytes, want none", len(a.Data))
	}
}

func TestRecording_CapturesSessionAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t, ghentProfile)
	h.sm.StartRecording()
	if !h.sm.Recording() {
		t.Fatal("not recording after StartRecording on an open session")
	}

	h.feed(t, 0.1)
	eventually(t, "audio sent", func() bool { return len(h.sess.AudioCalls()) == 1 })
	h.sm.Disconnect()

	a, err := h.sm.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if a.Empty() || a.MIMEType != audio.WAVMIMEType {
		t.Fatalf("artifact = %d bytes, %q", len(a.Data), a.MIMEType)
	}
	// 160 samples at 16 kHz become 240 at 24 kHz behind a 44-byte header.
	if got := len(a.Data); got != 44+2*240 {
		t.Errorf("artifact size = %d, want %d", got, 44+2*240)
	}
	if got := sumValue(t, h.reader, "eburon.recording.bytes"); got != int64(len(a.Data)) {
		t.Errorf("recording bytes = %d, want %d", got, len(a.Data))
	}
}
