// Package config provides the configuration schema, loader, and provider registry
// for the avatalk server.
package config

import "time"

// LogLevel controls log verbosity.
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

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Observe   ObserveConfig   `yaml:"observe"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Turn      TurnConfig      `yaml:"turn"`
	Capture   CaptureConfig   `yaml:"capture"`
	Viseme    VisemeConfig    `yaml:"viseme"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Reloaded live.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists the websocket origin patterns accepted on /ws.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxSessions caps concurrent live sessions. Zero means no cap.
	MaxSessions int `yaml:"max_sessions"`

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

// AuthConfig configures session tokens.
type AuthConfig struct {
	// SigningKey is the HS256 key. Empty disables token checks.
	SigningKey string `yaml:"signing_key"`

	// TokenTTL is how long an issued token stays valid.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// ObserveConfig configures error reporting and tracing.
type ObserveConfig struct {
	// SentryDSN enables Sentry when non-empty.
	SentryDSN string `yaml:"sentry_dsn"`

	// Environment tags reported events and the telemetry resource.
	Environment string `yaml:"environment"`

	// TraceSampleRatio is the fraction of new traces sampled. Zero samples
	// everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`

	// Fallback lists alternative backends tried in order when the primary
	// of a stage fails.
	Fallback FallbackConfig `yaml:"fallback"`
}

// FallbackConfig lists the fallback providers per stage.
type FallbackConfig struct {
	STT []ProviderEntry `yaml:"stt"`
	LLM []ProviderEntry `yaml:"llm"`
	TTS []ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "whisper", "anyllm").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Language is a BCP-47 hint for speech providers.
	Language string `yaml:"language"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// PipelineConfig configures the reply pipeline.
type PipelineConfig struct {
	// Timeout bounds a whole turn. An expired turn is dropped.
	Timeout time.Duration `yaml:"timeout"`

	// SystemPrompt instructs the reply model.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens caps the reply length.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature is the sampling temperature of the reply model.
	Temperature float64 `yaml:"temperature"`

	// Voice selects the synthesis voice.
	Voice VoiceConfig `yaml:"voice"`
}

// VoiceConfig specifies the TTS voice parameters.
type VoiceConfig struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"id"`

	// Stability is the voice stability in [0, 1].
	Stability float64 `yaml:"stability"`

	// Similarity is the similarity boost in [0, 1].
	Similarity float64 `yaml:"similarity"`
}

// TurnConfig configures speech detection and turn taking.
type TurnConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	SpeechThreshold  int           `yaml:"speech_threshold"`
	BargeInThreshold int           `yaml:"barge_in_threshold"`
	SilenceDelay     time.Duration `yaml:"silence_delay"`
	MinSegmentBytes  int           `yaml:"min_segment_bytes"`
	MaxRecording     time.Duration `yaml:"max_recording"`
}

// CaptureConfig configures capture decoding and metering.
type CaptureConfig struct {
	// SampleRate is the rate every capture encoding is decoded to.
	SampleRate int `yaml:"sample_rate"`

	// Window is the analyser window in samples. Must be a power of two.
	Window int `yaml:"window"`
}

// VisemeConfig configures mouth animation.
type VisemeConfig struct {
	Alpha            float64       `yaml:"alpha"`
	SilenceThreshold float64       `yaml:"silence_threshold"`
	MinFrames        int           `yaml:"min_frames"`
	Gain             float64       `yaml:"gain"`
	FrameInterval    time.Duration `yaml:"frame_interval"`

	// MeshFilter limits animation to meshes whose names contain one of these
	// substrings.
	MeshFilter []string `yaml:"mesh_filter"`
}
