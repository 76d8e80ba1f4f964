// Package app wires all Eburon subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and renders playback until the context ends,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithListingStore,
// WithUploader, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/eburon/internal/api"
	"github.com/MrWong99/eburon/internal/config"
	"github.com/MrWong99/eburon/internal/health"
	"github.com/MrWong99/eburon/internal/listing"
	"github.com/MrWong99/eburon/internal/mcp/mcpserver"
	"github.com/MrWong99/eburon/internal/mcp/tools"
	"github.com/MrWong99/eburon/internal/mcp/tools/filterproperties"
	"github.com/MrWong99/eburon/internal/observe"
	"github.com/MrWong99/eburon/internal/recording"
	"github.com/MrWong99/eburon/pkg/audio"
	"github.com/MrWong99/eburon/pkg/audio/capture"
	"github.com/MrWong99/eburon/pkg/audio/mixer"
	"github.com/MrWong99/eburon/pkg/provider/s2s"
)

// defaultListenAddr is used when server.listen_addr is empty.
const defaultListenAddr = ":8080"

// Providers holds the device and transport implementations. Nil means the
// slot is not configured. Populated by main.go via the config registry.
type Providers struct {
	// S2S is the speech-to-speech backend, usually a failover group.
	S2S s2s.Provider

	// S2SName labels S2S in metrics and logs.
	S2SName string

	// Capture is the microphone.
	Capture capture.Device

	// Playback receives rendered s16le PCM at [audio.OutputSampleRate].
	Playback io.WriteCloser
}

// App owns all subsystem lifetimes and serves the voice session.
type App struct {
	cfg       *config.Config
	providers *Providers
	version   string
	logLevel  *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics    *observe.Metrics
	listings   listing.Store
	searcher   *listing.Searcher
	tools      *tools.Registry
	recorder   *recording.Mixer
	uploader   recording.Uploader
	recordings *recording.Store
	renderer   *mixer.Renderer
	sessions   *SessionManager
	events     *api.Hub
	mcp        *mcpserver.Server
	handler    http.Handler
	server     *http.Server

	// mu guards defaults, which follow config reloads.
	mu       sync.RWMutex
	defaults Profile

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithListingStore injects a listing catalog instead of creating one from config.
func WithListingStore(s listing.Store) Option {
	return func(a *App) { a.listings = s }
}

// WithUploader injects a recording uploader instead of the configured S3 bucket.
func WithUploader(u recording.Uploader) Option {
	return func(a *App) { a.uploader = u }
}

// WithMetrics injects metric instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads adjust the given level.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithVersion sets the version reported by the health and MCP endpoints.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: listing catalog load or
// migration, tool registration, recording store setup, session manager
// construction, and HTTP route assembly. It opens no session.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
		defaults:  profileFrom(cfg.Session),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Listing catalog ───────────────────────────────────────────────
	if err := a.initListings(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init listings: %w", err)
	}
	a.searcher = listing.NewSearcher(a.listings,
		listing.NewCityMatcher(cfg.Listings.PhoneticThreshold, cfg.Listings.FuzzyThreshold))

	// ── 2. Event feed ────────────────────────────────────────────────────
	a.events = api.NewHub()
	a.closers = append(a.closers, func() error { a.events.Close(); return nil })

	// ── 3. Tools ─────────────────────────────────────────────────────────
	reg, err := tools.NewRegistry(filterproperties.Tool(a.searcher,
		filterproperties.WithResultHook(a.publishFilter),
	))
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	a.tools = reg

	// ── 4. Recording ─────────────────────────────────────────────────────
	if err := a.initRecording(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init recording: %w", err)
	}

	// ── 5. Playback renderer ─────────────────────────────────────────────
	a.initRenderer()

	// ── 6. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Provider:      providers.S2S,
		ProviderName:  providers.S2SName,
		CaptureDevice: providers.Capture,
		Output:        a.renderer,
		Recorder:      a.recorder,
		Tools:         a.tools,
		Metrics:       a.metrics,
		InputGain:     cfg.Session.InputGain,
		OutputLevel:   cfg.Session.OutputLevel,
		MeteredOutput: cfg.Session.MeteredOutput,
		DecodeWorkers: cfg.Session.DecodeWorkers,
	})
	a.subscribeEvents()
	// Prepended so the session stops before the feed and sinks close.
	a.closers = append([]func() error{a.sessions.Close}, a.closers...)

	// ── 7. MCP endpoint ──────────────────────────────────────────────────
	if cfg.MCP.Enabled {
		a.mcp = mcpserver.New(a.tools, a.version)
	}

	// ── 8. HTTP routes ───────────────────────────────────────────────────
	a.handler = a.routes()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initListings opens the configured catalog unless one was injected.
func (a *App) initListings(ctx context.Context) error {
	if a.listings != nil {
		return nil
	}
	lc := a.cfg.Listings

	seed, err := a.seedListings()
	if err != nil {
		return err
	}

	if lc.Source != config.ListingsPostgres {
		store, err := listing.NewMemStore(seed)
		if err != nil {
			return err
		}
		a.listings = store
		slog.Info("listing catalog loaded", "source", "memory", "count", len(seed))
		return nil
	}

	pool, err := listing.OpenPool(ctx, lc.PostgresDSN)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	store := listing.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	if lc.Seed {
		n, err := store.Upsert(ctx, seed)
		if err != nil {
			return err
		}
		slog.Info("listing catalog seeded", "count", n)
	}
	a.listings = store
	slog.Info("listing catalog connected", "source", "postgres")
	return nil
}

// seedListings returns the configured listing file or the built-in set.
func (a *App) seedListings() ([]listing.Listing, error) {
	if path := a.cfg.Listings.File; path != "" {
		f, err := listing.LoadFile(path)
		if err != nil {
			return nil, err
		}
		return f.Listings, nil
	}
	return listing.Seed()
}

// initRecording creates the recording mixer and artifact store.
func (a *App) initRecording() error {
	var opts []recording.Option
	if d := a.cfg.Recording.MaxDuration; d > 0 {
		opts = append(opts, recording.WithMaxDuration(d))
	}
	a.recorder = recording.NewMixer(opts...)

	if a.uploader == nil {
		s3cfg := recording.S3Config(a.cfg.Recording.S3)
		switch {
		case s3cfg.IsConfigured():
			u, err := recording.NewS3Uploader(s3cfg)
			if err != nil {
				return err
			}
			a.uploader = u
			slog.Info("recording uploads enabled", "bucket", s3cfg.Bucket)
		case s3cfg.Bucket != "":
			slog.Warn("recording.s3.bucket is set without credentials; uploads are disabled")
		}
	}
	a.recordings = recording.NewStore(a.uploader)
	return nil
}

// initRenderer creates the playback renderer on the configured sink.
func (a *App) initRenderer() {
	var sink io.Writer = io.Discard
	if a.providers.Playback != nil {
		sink = a.providers.Playback
		a.closers = append(a.closers, a.providers.Playback.Close)
	} else {
		slog.Warn("no playback sink configured; model audio is rendered silently")
	}
	a.renderer = mixer.New(sink,
		mixer.WithSampleRate(audio.OutputSampleRate),
		mixer.WithTap(a.recorder.PlaybackTap),
	)
}

// subscribeEvents forwards session notifications to the event feed.
func (a *App) subscribeEvents() {
	a.sessions.OnVolume(func(in, out float64) {
		a.events.Publish(api.Event{Type: api.EventVolume, Volume: &api.Volume{Input: in, Output: out}})
	})
	a.sessions.OnToolCall(func(c s2s.ToolCall) {
		a.events.Publish(api.Event{Type: api.EventToolCall, ToolCall: &api.ToolCall{ID: c.ID, Name: c.Name, Args: c.Args}})
	})
	a.sessions.OnClose(func(reason error) {
		ev := &api.Close{}
		if reason != nil {
			ev.Reason = reason.Error()
		}
		a.events.Publish(api.Event{Type: api.EventClose, Close: ev})
	})
}

func (a *App) publishFilter(res listing.Result) {
	a.events.Publish(api.Event{Type: api.EventFilter, Filter: &res})
}

// routes assembles the HTTP handler.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	probes := []health.Probe{
		{Name: "listings", Check: a.listings.Ping},
		{Name: "provider", Check: func(context.Context) error {
			if a.providers.S2S == nil {
				return errors.New("no s2s provider configured")
			}
			return nil
		}},
	}
	if p, ok := a.uploader.(interface{ Ping(context.Context) error }); ok {
		probes = append(probes, health.Probe{Name: "recordings", Check: p.Ping, Optional: true})
	}
	health.New(probes, health.WithVersion(a.version)).Register(mux)

	api.New(api.Config{
		Sessions:   a,
		Recordings: a.recordings,
		Listings:   a.searcher,
		Events:     a.events,
	}).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	if a.mcp != nil {
		path := a.cfg.MCP.Path
		if path == "" {
			path = "/mcp"
		}
		mux.Handle(path, a.mcp.Handler())
	}

	return observe.Middleware(a.metrics,
		observe.WithQuietRoutes("GET /healthz", "GET /readyz", "GET /metrics"),
	)(mux)
}

// Handler returns the application's HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Session control ─────────────────────────────────────────────────────────

var _ api.Controller = (*App)(nil)

// profileFrom builds the default profile from the session config.
func profileFrom(s config.SessionConfig) Profile {
	return Profile{
		Prompt:       s.EffectivePrompt(),
		Voice:        s.EffectiveVoice(),
		ToolsEnabled: s.Tools(),
	}
}

// Defaults returns the profile used for fields a connect request omits.
func (a *App) Defaults() Profile {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.defaults
}

// Connect opens a session with the default profile overridden by req.
func (a *App) Connect(ctx context.Context, req api.SessionRequest) (api.SessionStatus, error) {
	if a.providers.S2S == nil {
		return a.Status(), fmt.Errorf("app: %w: no s2s provider configured", s2s.ErrConnect)
	}
	if a.providers.Capture == nil {
		return a.Status(), fmt.Errorf("app: %w: no capture device configured", capture.ErrDeviceUnavailable)
	}

	p := a.Defaults()
	if req.Prompt != nil {
		p.Prompt = *req.Prompt
	}
	if req.Voice != nil {
		p.Voice = *req.Voice
	}
	if req.ToolsEnabled != nil {
		p.ToolsEnabled = *req.ToolsEnabled
	}

	err := a.sessions.Connect(ctx, p)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// A concurrent Disconnect or Connect aborted this one.
		err = fmt.Errorf("%w: %w", api.ErrBusy, err)
	}
	return a.Status(), err
}

// Disconnect ends the current session.
func (a *App) Disconnect() { a.sessions.Disconnect() }

// Status reports the current session.
func (a *App) Status() api.SessionStatus {
	st := api.SessionStatus{
		State:     a.sessions.State().String(),
		Recording: a.sessions.Recording(),
	}
	if info, ok := a.sessions.Info(); ok {
		st.SessionID = info.SessionID
		st.Voice = info.Profile.Voice
		st.ToolsEnabled = info.Profile.ToolsEnabled
		started := info.StartedAt
		st.StartedAt = &started
	}
	return st
}

// StartRecording begins capturing session audio.
func (a *App) StartRecording() { a.sessions.StartRecording() }

// StopRecording finishes the recording and stores the artifact. An empty
// recording is returned without being stored.
func (a *App) StopRecording(ctx context.Context) (recording.Entry, error) {
	art, err := a.sessions.StopRecording()
	if err != nil {
		return recording.Entry{}, err
	}
	return a.recordings.Put(ctx, art)
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next named by d: the
// default profile takes effect on the next connect and the log level
// immediately.
func (a *App) ApplyConfig(d config.ConfigDiff, next *config.Config) {
	if d.ProfileChanged {
		a.mu.Lock()
		a.defaults = profileFrom(next.Session)
		a.mu.Unlock()
		slog.Info("default profile updated",
			"prompt_changed", d.Profile.PromptChanged,
			"voice_changed", d.Profile.VoiceChanged,
			"tools_changed", d.Profile.ToolsChanged,
		)
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level updated", "level", d.NewLogLevel)
	}
}

// SlogLevel converts a config log level to a slog level. Unknown values map
// to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run renders playback and serves HTTP until ctx is cancelled or the server
// fails. When ctx is done, Run returns context.Canceled (or the underlying
// cause).
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.renderer.Run(gctx) })
	g.Go(func() error {
		slog.Info("http server listening", "addr", addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// End the session first so no audio reaches closed sinks.
		a.sessions.Disconnect()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}
