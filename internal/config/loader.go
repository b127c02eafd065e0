package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "whisper-native", "openai", "deepgram"},
	"llm": {"anyllm", "openai", "gemini", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs", "coqui"},
	"vad": {"energy"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultTokenTTL         = time.Hour
	DefaultEnvironment      = "development"
	DefaultPipelineTimeout  = 30 * time.Second
	DefaultMaxTokens        = 250
	DefaultTemperature      = 0.7
	DefaultVoiceID          = "JBFqnCBsd6RMkjVDRZzb"
	DefaultStability        = 0.5
	DefaultSimilarity       = 0.75
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultSpeechThreshold  = 30
	DefaultBargeInThreshold = 20
	DefaultSilenceDelay     = 1500 * time.Millisecond
	DefaultMinSegmentBytes  = 2000
	DefaultMaxRecording     = 60 * time.Second
	DefaultSampleRate       = 16000
	DefaultWindow           = 1024
	DefaultAlpha            = 0.1
	DefaultSilenceThreshold = 0.02
	DefaultMinFrames        = 3
	DefaultGain             = 5
	DefaultFrameInterval    = time.Second / 60
	DefaultSystemPrompt     = "You are a friendly, upbeat conversational avatar. Answer in one to three short spoken sentences. Do not use markdown, lists, links or emoji."
)

// envRef matches ${NAME} references expanded by [LoadFromReader].
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

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

// LoadFromReader decodes a YAML config from r, expands ${ENV} references,
// fills defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = ExpandEnv(raw)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${NAME} with the value of the environment variable NAME.
// Unset variables expand to the empty string.
func ExpandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(ref []byte) []byte {
		name := envRef.FindSubmatch(ref)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}

	setDefault(&cfg.Auth.TokenTTL, DefaultTokenTTL)
	setDefault(&cfg.Observe.Environment, DefaultEnvironment)

	setDefault(&cfg.Providers.STT.Name, "whisper")
	setDefault(&cfg.Providers.LLM.Name, "anyllm")
	setDefault(&cfg.Providers.TTS.Name, "elevenlabs")
	setDefault(&cfg.Providers.VAD.Name, "energy")
	if cfg.Providers.LLM.Name == "anyllm" {
		setDefault(&cfg.Providers.LLM.Model, "claude-sonnet-4-5")
	}
	if cfg.Providers.TTS.Name == "elevenlabs" {
		setDefault(&cfg.Providers.TTS.Model, "eleven_turbo_v2")
	}

	p := &cfg.Pipeline
	setDefault(&p.Timeout, DefaultPipelineTimeout)
	setDefault(&p.SystemPrompt, DefaultSystemPrompt)
	setDefault(&p.MaxTokens, DefaultMaxTokens)
	setDefault(&p.Temperature, DefaultTemperature)
	setDefault(&p.Voice.ID, DefaultVoiceID)
	setDefault(&p.Voice.Stability, DefaultStability)
	setDefault(&p.Voice.Similarity, DefaultSimilarity)

	t := &cfg.Turn
	setDefault(&t.PollInterval, DefaultPollInterval)
	setDefault(&t.SpeechThreshold, DefaultSpeechThreshold)
	setDefault(&t.BargeInThreshold, DefaultBargeInThreshold)
	setDefault(&t.SilenceDelay, DefaultSilenceDelay)
	setDefault(&t.MinSegmentBytes, DefaultMinSegmentBytes)
	setDefault(&t.MaxRecording, DefaultMaxRecording)

	setDefault(&cfg.Capture.SampleRate, DefaultSampleRate)
	setDefault(&cfg.Capture.Window, DefaultWindow)

	v := &cfg.Viseme
	setDefault(&v.Alpha, DefaultAlpha)
	setDefault(&v.SilenceThreshold, DefaultSilenceThreshold)
	setDefault(&v.MinFrames, DefaultMinFrames)
	setDefault(&v.Gain, DefaultGain)
	setDefault(&v.FrameInterval, DefaultFrameInterval)
	if v.MeshFilter == nil {
		v.MeshFilter = []string{"Head", "Teeth", "Tongue"}
	}
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Auth.SigningKey == "" {
		slog.Warn("auth.signing_key is empty; session tokens are disabled")
	}

	// Providers
	for kind, entry := range map[string]ProviderEntry{
		"stt": cfg.Providers.STT,
		"llm": cfg.Providers.LLM,
		"tts": cfg.Providers.TTS,
	} {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", kind))
		}
		validateProviderName(kind, entry.Name)
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for kind, entries := range map[string][]ProviderEntry{
		"stt": cfg.Providers.Fallback.STT,
		"llm": cfg.Providers.Fallback.LLM,
		"tts": cfg.Providers.Fallback.TTS,
	} {
		for i, e := range entries {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.fallback.%s[%d].name is required", kind, i))
			}
			validateProviderName(kind, e.Name)
		}
	}

	// Pipeline
	p := cfg.Pipeline
	if p.Timeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.timeout %s must not be negative", p.Timeout))
	}
	if p.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_tokens %d must not be negative", p.MaxTokens))
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", p.Temperature))
	}
	if p.Voice.Stability < 0 || p.Voice.Stability > 1 {
		errs = append(errs, fmt.Errorf("pipeline.voice.stability %.2f is out of range [0, 1]", p.Voice.Stability))
	}
	if p.Voice.Similarity < 0 || p.Voice.Similarity > 1 {
		errs = append(errs, fmt.Errorf("pipeline.voice.similarity %.2f is out of range [0, 1]", p.Voice.Similarity))
	}

	// Turn
	t := cfg.Turn
	if t.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("turn.poll_interval %s must not be negative", t.PollInterval))
	}
	if t.SpeechThreshold < 0 || t.SpeechThreshold > 255 {
		errs = append(errs, fmt.Errorf("turn.speech_threshold %d is out of range [0, 255]", t.SpeechThreshold))
	}
	if t.BargeInThreshold < 0 || t.BargeInThreshold > 255 {
		errs = append(errs, fmt.Errorf("turn.barge_in_threshold %d is out of range [0, 255]", t.BargeInThreshold))
	}
	if t.SilenceDelay < 0 {
		errs = append(errs, fmt.Errorf("turn.silence_delay %s must not be negative", t.SilenceDelay))
	}
	if t.MinSegmentBytes < 0 {
		errs = append(errs, fmt.Errorf("turn.min_segment_bytes %d must not be negative", t.MinSegmentBytes))
	}

	// Capture
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}
	if w := cfg.Capture.Window; w < 0 || w&(w-1) != 0 {
		errs = append(errs, fmt.Errorf("capture.window %d must be a power of two", w))
	}

	// Viseme
	v := cfg.Viseme
	if v.Alpha < 0 || v.Alpha > 1 {
		errs = append(errs, fmt.Errorf("viseme.alpha %.3f is out of range [0, 1]", v.Alpha))
	}
	if v.SilenceThreshold < 0 {
		errs = append(errs, fmt.Errorf("viseme.silence_threshold %.3f must not be negative", v.SilenceThreshold))
	}
	if v.MinFrames < 0 {
		errs = append(errs, fmt.Errorf("viseme.min_frames %d must not be negative", v.MinFrames))
	}
	if v.Gain < 0 {
		errs = append(errs, fmt.Errorf("viseme.gain %.2f must not be negative", v.Gain))
	}
	if v.FrameInterval < 0 {
		errs = append(errs, fmt.Errorf("viseme.frame_interval %s must not be negative", v.FrameInterval))
	}

	if r := cfg.Observe.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observe.trace_sample_ratio %.2f is out of range [0, 1]", r))
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
