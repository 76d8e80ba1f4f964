package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s":      {"gemini", "openai"},
	"capture":  {"ffmpeg"},
	"playback": {"ffplay", "null"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	if cfg.Providers.S2S.Name == "" {
		if len(cfg.Providers.S2SFallbacks) > 0 {
			errs = append(errs, errors.New("providers.s2s_fallbacks requires providers.s2s"))
		} else {
			slog.Warn("no s2s provider configured; sessions cannot be opened")
		}
	}
	seen := map[string]string{cfg.Providers.S2S.Name: "providers.s2s"}
	for i, fb := range cfg.Providers.S2SFallbacks {
		prefix := fmt.Sprintf("providers.s2s_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[fb.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of %s", prefix, fb.Name, prev))
		}
		seen[fb.Name] = prefix
		validateProviderName("s2s", fb.Name)
	}

	// Session
	s := cfg.Session
	if s.InputGain < 0 {
		errs = append(errs, fmt.Errorf("session.input_gain %.2f must not be negative", s.InputGain))
	}
	if s.OutputLevel < 0 || s.OutputLevel > 1 {
		errs = append(errs, fmt.Errorf("session.output_level %.2f is out of range [0, 1]", s.OutputLevel))
	}
	if s.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("session.send_queue %d must not be negative", s.SendQueue))
	}
	if s.DecodeWorkers < 0 {
		errs = append(errs, fmt.Errorf("session.decode_workers %d must not be negative", s.DecodeWorkers))
	}

	// Audio
	validateProviderName("capture", cfg.Audio.Capture.Name)
	validateProviderName("playback", cfg.Audio.Playback.Name)

	// Listings
	l := cfg.Listings
	if l.Source != "" && !l.Source.IsValid() {
		errs = append(errs, fmt.Errorf("listings.source %q is invalid; valid values: memory, postgres", l.Source))
	}
	if l.Source == ListingsPostgres && l.PostgresDSN == "" {
		errs = append(errs, errors.New("listings.postgres_dsn is required when source is postgres"))
	}
	if l.Source != ListingsPostgres && l.Seed {
		slog.Warn("listings.seed has no effect unless source is postgres")
	}
	for name, v := range map[string]float64{"phonetic_threshold": l.PhoneticThreshold, "fuzzy_threshold": l.FuzzyThreshold} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("listings.%s %.2f is out of range [0, 1]", name, v))
		}
	}

	// Recording
	if cfg.Recording.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("recording.max_duration %s must not be negative", cfg.Recording.MaxDuration))
	}
	if s3 := cfg.Recording.S3; s3.Bucket == "" && (s3.Endpoint != "" || s3.AccessKeyID != "") {
		slog.Warn("recording.s3 is partially configured without a bucket; uploads are disabled")
	}
	if s3 := cfg.Recording.S3; (s3.AccessKeyID == "") != (s3.SecretAccessKey == "") {
		errs = append(errs, errors.New("recording.s3 access_key_id and secret_access_key must be set together"))
	}

	// MCP
	if p := cfg.MCP.Path; p != "" && p[0] != '/' {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", p))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
