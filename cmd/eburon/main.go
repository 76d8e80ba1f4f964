// Command eburon is the main entry point for the Eburon voice assistant server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/eburon/internal/app"
	"github.com/MrWong99/eburon/internal/config"
	"github.com/MrWong99/eburon/internal/observe"
	"github.com/MrWong99/eburon/internal/resilience"
	"github.com/MrWong99/eburon/pkg/audio"
	"github.com/MrWong99/eburon/pkg/audio/capture"
	"github.com/MrWong99/eburon/pkg/audio/mixer"
	"github.com/MrWong99/eburon/pkg/provider/s2s"
	"github.com/MrWong99/eburon/pkg/provider/s2s/gemini"
	"github.com/MrWong99/eburon/pkg/provider/s2s/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the session profile and log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "eburon: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "eburon: %v\n", err)
		}
		return 1
	}

	// ── Logger ─────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("eburon starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "eburon",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Session)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogLevel(logLevel),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go func() { _ = w.Run(ctx) }()
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		_ = application.Shutdown(context.Background())
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider registration ─────────────────────────────────────────────────────

func registerBuiltinProviders(reg *config.Registry, session config.SessionConfig) {
	var streamOpts []s2s.StreamOption
	if session.SendQueue > 0 {
		streamOpts = append(streamOpts, s2s.WithSendQueue(session.SendQueue))
	}

	reg.RegisterS2S("gemini", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []gemini.Option{gemini.WithStreamOptions(streamOpts...)}
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []openai.Option{openai.WithStreamOptions(streamOpts...)}
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	reg.RegisterCapture("ffmpeg", func(entry config.ProviderEntry) (capture.Device, error) {
		return &capture.FFmpegDevice{
			Path:  entry.OptionString("path", ""),
			Input: entry.OptionString("input", ""),
		}, nil
	})

	reg.RegisterPlayback("ffplay", func(entry config.ProviderEntry) (io.WriteCloser, error) {
		return mixer.NewFFplaySink(entry.OptionString("path", ""), audio.OutputSampleRate)
	})

	reg.RegisterPlayback("null", func(config.ProviderEntry) (io.WriteCloser, error) {
		return nopWriteCloser{io.Discard}, nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders creates the configured providers. The primary s2s provider
// and its fallbacks are wrapped in a failover group.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.S2S.Name; name != "" {
		primary, err := reg.CreateS2S(cfg.Providers.S2S)
		if err != nil {
			return nil, fmt.Errorf("create s2s provider %q: %w", name, err)
		}
		group := resilience.NewS2SFallback(primary, name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  cfg.Resilience.MaxFailures,
				ResetTimeout: cfg.Resilience.ResetTimeout,
			},
		})
		for _, entry := range cfg.Providers.S2SFallbacks {
			fb, err := reg.CreateS2S(entry)
			if errors.Is(err, config.ErrProviderNotRegistered) {
				slog.Warn("unknown s2s fallback, skipping", "name", entry.Name)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("create s2s fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, fb)
		}
		ps.S2S = group
		ps.S2SName = name
		slog.Info("provider created", "kind", "s2s", "name", name, "chain", group.Names())
	}

	if name := cfg.Audio.Capture.Name; name != "" {
		d, err := reg.CreateCapture(cfg.Audio.Capture)
		if err != nil {
			return nil, fmt.Errorf("create capture device %q: %w", name, err)
		}
		ps.Capture = d
		slog.Info("provider created", "kind", "capture", "name", name)
	}

	if name := cfg.Audio.Playback.Name; name != "" {
		sink, err := reg.CreatePlayback(cfg.Audio.Playback)
		if err != nil {
			return nil, fmt.Errorf("create playback sink %q: %w", name, err)
		}
		ps.Playback = sink
		slog.Info("provider created", "kind", "playback", "name", name)
	}

	return ps, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Eburon   startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("S2S", cfg.Providers.S2S.Name, cfg.Providers.S2S.Model)
	fmt.Printf("║  %-12s    : %-19d ║\n", "Fallbacks", len(cfg.Providers.S2SFallbacks))
	printProvider("Capture", cfg.Audio.Capture.Name, "")
	printProvider("Playback", cfg.Audio.Playback.Name, "")
	printProvider("Voice", cfg.Session.EffectiveVoice(), "")
	source := string(cfg.Listings.Source)
	if source == "" {
		source = string(config.ListingsMemory)
	}
	printProvider("Listings", source, "")
	if cfg.Recording.S3.Bucket != "" {
		printProvider("Recordings", "s3", cfg.Recording.S3.Bucket)
	} else {
		printProvider("Recordings", "memory", "")
	}
	if cfg.MCP.Enabled {
		fmt.Printf("║  %-12s    : %-19s ║\n", "MCP", "enabled")
	} else {
		fmt.Printf("║  %-12s    : %-19s ║\n", "MCP", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  %-12s    : %-19s ║\n", "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
