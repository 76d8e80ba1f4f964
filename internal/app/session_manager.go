package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/eburon/internal/mcp/tools"
	"github.com/MrWong99/eburon/internal/observe"
	"github.com/MrWong99/eburon/internal/recording"
	"github.com/MrWong99/eburon/pkg/audio"
	"github.com/MrWong99/eburon/pkg/audio/capture"
	"github.com/MrWong99/eburon/pkg/audio/playback"
	"github.com/MrWong99/eburon/pkg/provider/s2s"
)

// errToolsDisabled is reported to the agent when it calls a tool in a session
// opened without tools.
var errToolsDisabled = errors.New("tools are disabled for this session")

// State is the lifecycle state of the [SessionManager].
type State int

const (
	// StateIdle is the state of a manager that never connected.
	StateIdle State = iota

	// StateOpening covers the transport handshake and capture start.
	StateOpening

	// StateOpen means audio flows in both directions.
	StateOpen

	// StateClosing covers teardown.
	StateClosing

	// StateClosed follows every teardown, explicit or remote.
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Profile describes the agent behaviour of one session.
type Profile struct {
	// Prompt is the system instruction.
	Prompt string

	// Voice is the provider voice identity. Empty selects the provider default.
	Voice string

	// ToolsEnabled offers the registered tools to the agent.
	ToolsEnabled bool
}

// SessionInfo holds metadata about the current session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// Profile is the behaviour the session was opened with.
	Profile Profile

	// StartedAt is when the session reached [StateOpen].
	StartedAt time.Time
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Provider opens transport sessions. Required.
	Provider s2s.Provider

	// ProviderName labels connect metrics. Default "s2s".
	ProviderName string

	// CaptureDevice is the microphone. Required.
	CaptureDevice capture.Device

	// Output is the playback sink with its own clock. Required.
	Output playback.Output

	// Recorder receives the capture tap. Default: a fresh [recording.Mixer].
	Recorder *recording.Mixer

	// Tools answers tool calls. Nil behaves like an empty registry.
	Tools *tools.Registry

	// Metrics records session telemetry. Default [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now is the wall clock. Default time.Now.
	Now func() time.Time

	// InputGain scales the microphone RMS for volume telemetry. Default 5.
	InputGain float64

	// OutputLevel is the pulse reported while speech plays. Default 0.5.
	OutputLevel float64

	// MeteredOutput reports measured speech loudness instead of the pulse.
	MeteredOutput bool

	// DecodeWorkers bounds concurrent playback decodes. Default 2.
	DecodeWorkers int

	// FrameSize overrides the capture frame length in samples.
	FrameSize int
}

// session is the state of one open connection. It is discarded on teardown.
type session struct {
	id        string
	profile   Profile
	startedAt time.Time
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	handle     s2s.SessionHandle
	capture    *capture.Pipeline
	sched      *playback.Scheduler
	routerDone chan struct{}

	// seen holds answered tool call ids. Only the router touches it.
	seen map[string]struct{}

	// ended is set once teardown began; later notifications are dropped.
	ended atomic.Bool
}

// release stops whatever the session acquired. Safe on a partially built
// session.
func (s *session) release() {
	if s.capture != nil {
		s.capture.Stop()
	}
	if s.sched != nil {
		s.sched.Close()
	}
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			s.log.Debug("app: transport close", "err", err)
		}
	}
	s.cancel()
}

// SessionManager owns at most one voice session at a time: it opens the
// transport, runs capture into it, routes inbound events to playback and the
// tool registry, and reports volume, tool calls and session end to
// subscribers.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	provider     s2s.Provider
	providerName string
	device       capture.Device
	out          playback.Output
	rec          *recording.Mixer
	tools        *tools.Registry
	metrics      *observe.Metrics
	now          func() time.Time
	inputMeter   audio.Meter
	outputLevel  float64
	metered      bool
	workers      int
	frameSize    int

	// lifecycle serialises opening and teardown.
	lifecycle sync.Mutex

	// mu guards the fields below.
	mu        sync.Mutex
	state     State
	sess      *session
	abortOpen context.CancelFunc
	subSeq    uint64
	volume    subscriber[func(in, out float64)]
	toolCall  subscriber[func(s2s.ToolCall)]
	closed    subscriber[func(error)]

	notify *dispatcher
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		provider:     cfg.Provider,
		providerName: cfg.ProviderName,
		device:       cfg.CaptureDevice,
		out:          cfg.Output,
		rec:          cfg.Recorder,
		tools:        cfg.Tools,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
		inputMeter:   audio.Meter{Gain: cfg.InputGain},
		outputLevel:  cfg.OutputLevel,
		metered:      cfg.MeteredOutput,
		workers:      cfg.DecodeWorkers,
		frameSize:    cfg.FrameSize,
		notify:       newDispatcher(),
	}
	if sm.providerName == "" {
		sm.providerName = "s2s"
	}
	if sm.rec == nil {
		sm.rec = recording.NewMixer()
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.now == nil {
		sm.now = time.Now
	}
	if sm.inputMeter.Gain <= 0 {
		sm.inputMeter.Gain = 5
	}
	if sm.outputLevel <= 0 {
		sm.outputLevel = playback.DefaultPulse
	}
	return sm
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Connect opens a session with profile p, tearing down any previous session
// first. It returns once the transport handshake completed and capture is
// running. Transport failures wrap [s2s.ErrConnect] or
// [s2s.ErrUnsupportedConfig]; a missing microphone wraps
// [capture.ErrDeviceUnavailable]. The manager is in [StateClosed] after any
// failure.
//
// A concurrent [SessionManager.Disconnect] aborts an in-progress Connect.
func (sm *SessionManager) Connect(ctx context.Context, p Profile) error {
	sm.Disconnect()

	sm.lifecycle.Lock()
	defer sm.lifecycle.Unlock()

	// A concurrent Connect may have opened a session since Disconnect
	// released the lock.
	sm.mu.Lock()
	prev := sm.sess
	sm.mu.Unlock()
	if prev != nil {
		sm.teardownLocked(prev)
		prev.log.Info("session replaced")
	}

	id := uuid.NewString()
	ctx = observe.WithSession(ctx, id)
	ctx, span := observe.StartSpan(ctx, "session.connect",
		trace.WithAttributes(
			attribute.String("provider", sm.providerName),
			attribute.Bool("tools_enabled", p.ToolsEnabled),
		),
	)
	defer span.End()

	openCtx, abort := context.WithCancel(ctx)
	defer abort()

	sm.mu.Lock()
	sm.state = StateOpening
	sm.abortOpen = abort
	sm.mu.Unlock()

	log := observe.Logger(ctx)
	log.Info("session opening", "provider", sm.providerName, "voice", p.Voice, "tools_enabled", p.ToolsEnabled)

	fail := func(s *session, err error) error {
		if s != nil {
			s.release()
		}
		sm.mu.Lock()
		sm.state = StateClosed
		sm.abortOpen = nil
		sm.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("session failed to open", "err", err)
		return err
	}

	start := time.Now()
	handle, err := sm.provider.Connect(openCtx, sm.sessionConfig(p))
	if err != nil {
		sm.metrics.RecordConnect(ctx, sm.providerName, "error", time.Since(start))
		return fail(nil, fmt.Errorf("app: connect: %w", err))
	}
	sm.metrics.RecordConnect(ctx, sm.providerName, "ok", time.Since(start))

	sessCtx, cancel := context.WithCancel(observe.WithSession(context.Background(), id))
	s := &session{
		id:         id,
		profile:    p,
		log:        log,
		ctx:        sessCtx,
		cancel:     cancel,
		handle:     handle,
		routerDone: make(chan struct{}),
		seen:       make(map[string]struct{}),
	}

	captureOpts := []capture.Option{
		capture.WithErrorHandler(func(err error) {
			go sm.sessionEnded(s, err)
		}),
	}
	if sm.frameSize > 0 {
		captureOpts = append(captureOpts, capture.WithFrameSize(sm.frameSize))
	}
	s.capture = capture.New(sm.device, captureOpts...)
	if err := s.capture.Start(sessCtx, func(f audio.AudioFrame) { sm.onFrame(s, f) }); err != nil {
		return fail(s, fmt.Errorf("app: start capture: %w", err))
	}

	s.sched = playback.New(sm.out, sm.playbackOptions(s)...)

	sm.mu.Lock()
	if err := openCtx.Err(); err != nil {
		sm.mu.Unlock()
		return fail(s, fmt.Errorf("app: connect aborted: %w", err))
	}
	s.startedAt = sm.now()
	sm.sess = s
	sm.state = StateOpen
	sm.abortOpen = nil
	sm.mu.Unlock()

	sm.rec.Wire()
	sm.metrics.ActiveSessions.Add(ctx, 1)
	go sm.route(s)

	log.Info("session open", "duration", time.Since(start))
	return nil
}

// Disconnect ends the current session, or aborts one being opened, and leaves
// the manager in [StateClosed]. It is idempotent, valid from any state, and
// never waits on a subscriber. No notifications of the ended session are
// delivered after it returns; onClose is not fired for an explicit
// Disconnect.
func (sm *SessionManager) Disconnect() {
	sm.mu.Lock()
	if sm.abortOpen != nil {
		sm.abortOpen()
	}
	sm.mu.Unlock()

	sm.lifecycle.Lock()
	defer sm.lifecycle.Unlock()

	sm.mu.Lock()
	s := sm.sess
	sm.mu.Unlock()
	if s != nil {
		sm.teardownLocked(s)
		s.log.Info("session disconnected")
	}

	sm.mu.Lock()
	sm.state = StateClosed
	sm.mu.Unlock()
}

// Close disconnects, detaches the recorder and stops subscriber delivery. The
// manager must not be used afterwards.
func (sm *SessionManager) Close() error {
	sm.Disconnect()
	sm.rec.Unwire()
	sm.notify.stop()
	return nil
}

// sessionEnded tears s down after a remote close or device loss and fires
// onClose. It does nothing when s is no longer the current session.
func (sm *SessionManager) sessionEnded(s *session, reason error) {
	sm.lifecycle.Lock()
	sm.mu.Lock()
	current := sm.sess == s
	sm.mu.Unlock()
	if !current {
		sm.lifecycle.Unlock()
		return
	}
	sm.teardownLocked(s)
	sm.mu.Lock()
	sm.state = StateClosed
	sm.mu.Unlock()
	sm.lifecycle.Unlock()

	if reason != nil {
		s.log.Warn("session ended", "err", reason)
	} else {
		s.log.Info("session ended by remote")
	}
	sm.notifyClose(reason)
}

// teardownLocked runs Closing for the current session. The caller holds
// lifecycle.
func (sm *SessionManager) teardownLocked(s *session) {
	sm.mu.Lock()
	sm.state = StateClosing
	s.ended.Store(true)
	sm.mu.Unlock()

	s.release()
	<-s.routerDone

	sm.mu.Lock()
	if sm.sess == s {
		sm.sess = nil
	}
	sm.mu.Unlock()
	sm.metrics.ActiveSessions.Add(context.Background(), -1)
}

// State returns the current lifecycle state.
func (sm *SessionManager) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Info returns metadata about the open session. ok is false when no session
// is open.
func (sm *SessionManager) Info() (info SessionInfo, ok bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.sess == nil {
		return SessionInfo{}, false
	}
	return SessionInfo{
		SessionID: sm.sess.id,
		Profile:   sm.sess.profile,
		StartedAt: sm.sess.startedAt,
	}, true
}

func (sm *SessionManager) sessionConfig(p Profile) s2s.SessionConfig {
	cfg := s2s.SessionConfig{
		Instructions: p.Prompt,
		Voice:        p.Voice,
	}
	if p.ToolsEnabled && sm.tools != nil {
		cfg.Tools = sm.tools.Definitions()
	}
	return cfg.WithDefaults()
}

func (sm *SessionManager) playbackOptions(s *session) []playback.Option {
	opts := []playback.Option{
		playback.WithPulse(sm.outputLevel),
		playback.WithLevelFunc(func(level float64) { sm.notifyVolume(s, 0, level) }),
		playback.WithHooks(playback.Hooks{
			Scheduled: func(_, _ time.Duration) {
				sm.metrics.ChunksScheduled.Add(s.ctx, 1)
			},
			DecodeError: func(err error) {
				sm.metrics.DecodeFailures.Add(s.ctx, 1)
			},
			Interrupted: func(stopped int) {
				sm.metrics.RecordInterruption(s.ctx, "barge_in")
				s.log.Debug("playback interrupted", "stopped", stopped)
			},
		}),
	}
	if sm.workers > 0 {
		opts = append(opts, playback.WithWorkers(sm.workers))
	}
	if sm.metered {
		opts = append(opts, playback.WithMeteredLevel(audio.Meter{Gain: sm.inputMeter.Gain}))
	}
	return opts
}

// ─── Audio path ──────────────────────────────────────────────────────────────

// onFrame runs on the capture goroutine for every microphone frame.
func (sm *SessionManager) onFrame(s *session, f audio.AudioFrame) {
	if s.ended.Load() {
		return
	}
	sm.notifyVolume(s, sm.inputMeter.Level(f.Samples), 0)
	sm.rec.CaptureTap(f)

	chunk, err := s.capture.Encode(f)
	if err != nil {
		s.log.Warn("app: encode frame", "err", err)
		return
	}
	switch err := s.handle.SendAudio(chunk); {
	case err == nil:
		sm.metrics.FramesSent.Add(s.ctx, 1)
	case errors.Is(err, s2s.ErrTransientSend):
		sm.metrics.FramesDropped.Add(s.ctx, 1)
		s.log.Debug("app: frame dropped", "err", err)
	case errors.Is(err, s2s.ErrNotOpen):
	default:
		s.log.Warn("app: send audio", "err", err)
	}
}

// ─── Router ──────────────────────────────────────────────────────────────────

// route consumes the inbound event stream in order until it ends.
func (sm *SessionManager) route(s *session) {
	defer close(s.routerDone)

	events := s.handle.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case s2s.AudioChunk:
				if err := s.sched.Enqueue(ev); err != nil {
					s.log.Debug("app: chunk after close", "err", err)
				}
			case s2s.ToolCall:
				sm.handleToolCall(s, ev)
			case s2s.Interrupted:
				s.sched.Interrupt()
			case s2s.TurnComplete:
				s.log.Debug("turn complete")
			case s2s.Closed:
				go sm.sessionEnded(s, ev.Reason)
				return
			}
		}
	}
}

// handleToolCall answers one call with exactly one result. Repeated ids are
// ignored; calls without an id are always answered.
func (sm *SessionManager) handleToolCall(s *session, call s2s.ToolCall) {
	log := s.log.With("tool", call.Name, "call_id", call.ID)
	if call.ID != "" {
		if _, dup := s.seen[call.ID]; dup {
			log.Debug("app: duplicate tool call ignored")
			return
		}
		s.seen[call.ID] = struct{}{}
	}

	sm.notifyToolCall(s, call)

	ctx, span := observe.StartSpan(s.ctx, "tool.call",
		trace.WithAttributes(attribute.String("tool", call.Name)),
	)
	defer span.End()

	start := time.Now()
	status := "ok"
	var payload map[string]any
	if !s.profile.ToolsEnabled || sm.tools == nil {
		status = "rejected"
		payload = tools.ErrorPayload(errToolsDisabled)
	} else if p, err := sm.tools.Call(ctx, call.Name, call.Args); err != nil {
		status = "error"
		payload = tools.ErrorPayload(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("app: tool call failed", "err", err)
	} else {
		payload = p
	}
	sm.metrics.RecordToolCall(ctx, call.Name, status, time.Since(start))

	err := s.handle.SendToolResult(s2s.ToolResult{ID: call.ID, Name: call.Name, Payload: payload})
	switch {
	case err == nil:
		log.Debug("tool result sent", "status", status)
	case errors.Is(err, s2s.ErrStaleToolResult):
		log.Warn("app: tool result after close", "err", err)
	default:
		log.Error("app: send tool result", "err", err)
	}
}

// ─── Recording ───────────────────────────────────────────────────────────────

// StartRecording begins mixing both audio directions. It is a no-op until a
// session has wired the recorder.
func (sm *SessionManager) StartRecording() {
	sm.rec.Start()
}

// StopRecording drains the mix into a WAV artifact. The artifact is empty
// when recording never started.
func (sm *SessionManager) StopRecording() (recording.Artifact, error) {
	a, err := sm.rec.Stop()
	if err != nil {
		return recording.Artifact{}, fmt.Errorf("app: stop recording: %w", err)
	}
	if !a.Empty() {
		sm.metrics.RecordingBytes.Add(context.Background(), int64(len(a.Data)))
	}
	return a, nil
}

// Recording reports whether a recording is in progress.
func (sm *SessionManager) Recording() bool {
	return sm.rec.Recording()
}

// ─── Subscriptions ───────────────────────────────────────────────────────────

// OnVolume registers fn to receive input and output levels, replacing any
// previous volume subscriber. The returned func unsubscribes fn.
func (sm *SessionManager) OnVolume(fn func(in, out float64)) (unsubscribe func()) {
	return subscribe(sm, &sm.volume, fn)
}

// OnToolCall registers fn to observe every answered tool call, replacing any
// previous subscriber.
func (sm *SessionManager) OnToolCall(fn func(s2s.ToolCall)) (unsubscribe func()) {
	return subscribe(sm, &sm.toolCall, fn)
}

// OnClose registers fn to learn that the remote or the device ended the
// session. reason is nil for a normal remote close.
func (sm *SessionManager) OnClose(fn func(reason error)) (unsubscribe func()) {
	return subscribe(sm, &sm.closed, fn)
}

func subscribe[F any](sm *SessionManager, slot *subscriber[F], fn F) func() {
	sm.mu.Lock()
	sm.subSeq++
	id := sm.subSeq
	*slot = subscriber[F]{id: id, fn: fn}
	sm.mu.Unlock()

	return func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if slot.id == id {
			*slot = subscriber[F]{}
		}
	}
}

func (sm *SessionManager) notifyVolume(s *session, in, out float64) {
	sm.notify.post(func() {
		if s.ended.Load() {
			return
		}
		sm.mu.Lock()
		fn := sm.volume.fn
		sm.mu.Unlock()
		if fn != nil {
			fn(in, out)
		}
	})
}

func (sm *SessionManager) notifyToolCall(s *session, call s2s.ToolCall) {
	sm.notify.postReliable(func() {
		if s.ended.Load() {
			return
		}
		sm.mu.Lock()
		fn := sm.toolCall.fn
		sm.mu.Unlock()
		if fn != nil {
			fn(call)
		}
	})
}

func (sm *SessionManager) notifyClose(reason error) {
	sm.notify.postReliable(func() {
		sm.mu.Lock()
		fn := sm.closed.fn
		sm.mu.Unlock()
		if fn != nil {
			fn(reason)
		}
	})
}
