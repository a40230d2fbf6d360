package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/pkg/audio/gateway"
)

const (
	DefaultListenAddr  = ":8080"
	DefaultGatewayPath = "/link"
)

// ValidProviderNames lists known provider names per stage.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":       {"deepgram", "whisper"},
	"translate": {"gemini", "llm"},
	"llm":       {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":       {"elevenlabs", "coqui"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
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

// ApplyDefaults fills zero values that have a server-wide default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Gateway.Path == "" {
		cfg.Gateway.Path = DefaultGatewayPath
	}
	if cfg.Gateway.Codec == "" {
		cfg.Gateway.Codec = gateway.CodecPCM
	}
	if cfg.Session.Segmentation == "" {
		cfg.Session.Segmentation = string(pipeline.SegmentPunctuation)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	stages := []struct {
		kind  string
		stage StageConfig
	}{
		{"stt", cfg.Providers.STT},
		{"translate", cfg.Providers.Translate},
		{"llm", cfg.Providers.LLM},
		{"tts", cfg.Providers.TTS},
	}
	for _, s := range stages {
		for i, e := range s.stage.Entries() {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", s.kind, i-1))
				continue
			}
			validateProviderName(s.kind, e.Name)
		}
	}
	if usesLLM(cfg.Providers.Translate) && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New(`providers.translate "llm" requires providers.llm to be configured`))
	}

	switch cfg.Gateway.Codec {
	case "", gateway.CodecPCM, gateway.CodecOpus:
	default:
		errs = append(errs, fmt.Errorf("gateway.codec %q is invalid; valid values: pcm, opus", cfg.Gateway.Codec))
	}
	if cfg.Gateway.WriteLead < 0 {
		errs = append(errs, fmt.Errorf("gateway.write_lead %s must not be negative", cfg.Gateway.WriteLead))
	}
	if cfg.Gateway.Token == "" {
		slog.Warn("gateway.token is empty; any client can attach as the headset agent")
	}

	s := cfg.Session
	if s.FrameDurationMs < 0 {
		errs = append(errs, fmt.Errorf("session.frame_duration_ms %d must not be negative", s.FrameDurationMs))
	}
	switch pipeline.Segmentation(s.Segmentation) {
	case "", pipeline.SegmentPunctuation, pipeline.SegmentSilence:
	default:
		errs = append(errs, fmt.Errorf("session.segmentation %q is invalid; valid values: punctuation, silence", s.Segmentation))
	}
	if s.SwitchTimeout < 0 || (s.SwitchTimeout > 0 && s.SwitchTimeout < 100*time.Millisecond) {
		errs = append(errs, fmt.Errorf("session.switch_timeout %s is out of range; use 0 for the default or at least 100ms", s.SwitchTimeout))
	}
	if s.AutoDetect != nil && !*s.AutoDetect && s.SourceLanguage == "" {
		errs = append(errs, errors.New("session.source_language is required when auto_detect is false"))
	}

	if cfg.VAD.Threshold < 0 {
		errs = append(errs, fmt.Errorf("vad.threshold %.1f must not be negative", cfg.VAD.Threshold))
	}
	if cfg.VAD.SpeechFrames < 0 || cfg.VAD.SilenceFrames < 0 {
		errs = append(errs, errors.New("vad.speech_frames and vad.silence_frames must not be negative"))
	}
	if cfg.Playback.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("playback.queue_capacity %d must not be negative", cfg.Playback.QueueCapacity))
	}

	if cfg.Providers.STT.Name == "" || cfg.Providers.Translate.Name == "" || cfg.Providers.TTS.Name == "" {
		slog.Warn("not every speech stage has a provider; sessions will fail until providers.stt, providers.translate and providers.tts are set")
	}

	return errors.Join(errs...)
}

func usesLLM(s StageConfig) bool {
	for _, e := range s.Entries() {
		if e.Name == "llm" {
			return true
		}
	}
	return false
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
