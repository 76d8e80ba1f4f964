// Package config provides the configuration schema, loader, and provider registry
// for the Eburon voice session server.
package config

import "time"

// LogLevel controls log verbosity for the Eburon server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ListingSource selects where the property catalog is loaded from.
type ListingSource string

const (
	// ListingsMemory serves the catalog from memory, seeded from the embedded
	// dataset or from Listings.File.
	ListingsMemory ListingSource = "memory"

	// ListingsPostgres serves the catalog from a PostgreSQL table.
	ListingsPostgres ListingSource = "postgres"
)

// IsValid reports whether s is a recognised listing source.
func (s ListingSource) IsValid() bool {
	return s == ListingsMemory || s == ListingsPostgres
}

// DefaultPrompt is the landing profile's system instruction.
const DefaultPrompt = `You are a helpful travel assistant for Eburon, an Airbnb-style platform for Belgium.
Your goal is to help users find a property.

1. Ask the user what they are looking for (Location, Price, Type, Bedrooms).
2. Use the 'filterProperties' tool to update the screen when you have enough info.
3. Be brief, friendly, and enthusiastic about Belgium.

Current Location Context: Belgium.
Available Cities in Database: Ghent, Brussels, Antwerp, Bruges, Knokke, Leuven, Namur, Liege.`

// DefaultVoice is the landing profile's voice.
const DefaultVoice = "Orus"

// Config is the root configuration structure for Eburon.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Session    SessionConfig    `yaml:"session"`
	Audio      AudioConfig      `yaml:"audio"`
	Listings   ListingsConfig   `yaml:"listings"`
	Recording  RecordingConfig  `yaml:"recording"`
	MCP        MCPConfig        `yaml:"mcp"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings for the Eburon server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares the speech-to-speech backends. S2S is the primary;
// S2SFallbacks are tried in order while the primary's circuit is open or its
// handshake fails.
type ProvidersConfig struct {
	S2S          ProviderEntry   `yaml:"s2s"`
	S2SFallbacks []ProviderEntry `yaml:"s2s_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini", "ffmpeg").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] when it is a string, or def.
func (e ProviderEntry) OptionString(key, def string) string {
	if s, ok := e.Options[key].(string); ok && s != "" {
		return s
	}
	return def
}

// SessionConfig is the default behavior profile and the tuning of the
// session's audio paths. Profile fields apply to the next connect after a
// reload.
type SessionConfig struct {
	// Prompt is the system instruction. Empty selects [DefaultPrompt].
	Prompt string `yaml:"prompt"`

	// Voice is the provider voice name. Empty selects [DefaultVoice].
	Voice string `yaml:"voice"`

	// ToolsEnabled offers filterProperties to the remote model. Nil means true.
	ToolsEnabled *bool `yaml:"tools_enabled"`

	// InputGain multiplies the microphone RMS for volume telemetry. Zero means 5.
	InputGain float64 `yaml:"input_gain"`

	// OutputLevel is the reported level while playback is active. Zero means 0.5.
	OutputLevel float64 `yaml:"output_level"`

	// MeteredOutput reports the RMS of rendered output instead of the pulse.
	MeteredOutput bool `yaml:"metered_output"`

	// SendQueue bounds the transport's outbound frame queue.
	SendQueue int `yaml:"send_queue"`

	// DecodeWorkers bounds concurrent decoding of inbound chunks.
	DecodeWorkers int `yaml:"decode_workers"`
}

// EffectivePrompt returns Prompt or [DefaultPrompt].
func (s SessionConfig) EffectivePrompt() string {
	if s.Prompt == "" {
		return DefaultPrompt
	}
	return s.Prompt
}

// EffectiveVoice returns Voice or [DefaultVoice].
func (s SessionConfig) EffectiveVoice() string {
	if s.Voice == "" {
		return DefaultVoice
	}
	return s.Voice
}

// Tools reports whether tools are enabled, defaulting to true.
func (s SessionConfig) Tools() bool {
	return s.ToolsEnabled == nil || *s.ToolsEnabled
}

// AudioConfig selects the local microphone device and speaker sink.
type AudioConfig struct {
	// Capture names a registered capture device, e.g. "ffmpeg". Options:
	// "path" (binary) and "input" (platform device).
	Capture ProviderEntry `yaml:"capture"`

	// Playback names a registered playback sink, e.g. "ffplay" or "null".
	// Options: "path" (binary).
	Playback ProviderEntry `yaml:"playback"`
}

// ListingsConfig configures the property catalog queried by filterProperties.
type ListingsConfig struct {
	// Source is "memory" (default) or "postgres".
	Source ListingSource `yaml:"source"`

	// File is a YAML listing file. Empty uses the embedded Belgian dataset.
	// With the postgres source, the file (or the embedded set) seeds the table.
	File string `yaml:"file"`

	// PostgresDSN is the PostgreSQL connection string, required for the
	// postgres source.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Seed upserts the file or embedded dataset into Postgres at start-up.
	Seed bool `yaml:"seed"`

	// PhoneticThreshold is the Jaro-Winkler floor for phonetic city matches.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`

	// FuzzyThreshold is the Jaro-Winkler floor for non-phonetic city matches.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
}

// RecordingConfig configures session recordings and their optional upload.
type RecordingConfig struct {
	// MaxDuration caps a recording. Zero means unbounded.
	MaxDuration time.Duration `yaml:"max_duration"`

	// S3 uploads finished recordings when Bucket is set.
	S3 S3Config `yaml:"s3"`
}

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
}

// MCPConfig controls the MCP endpoint exposing the session's tools.
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP mount point. Empty means "/mcp".
	Path string `yaml:"path"`
}

// ResilienceConfig tunes the circuit breakers around the s2s providers.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive handshake failures that opens a
	// provider's circuit. Zero selects the breaker default.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open circuit waits before a probe.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}
