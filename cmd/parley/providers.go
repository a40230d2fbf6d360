package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	"github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/stt/deepgram"
	"github.com/MrWong99/parley/pkg/provider/stt/whisper"
	"github.com/MrWong99/parley/pkg/provider/translate"
	"github.com/MrWong99/parley/pkg/provider/translate/gemini"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/coqui"
	"github.com/MrWong99/parley/pkg/provider/tts/elevenlabs"
)

// registerBuiltinProviders wires every bundled provider factory into reg.
// The "llm" translator is registered later by app.BuildProviders because it
// depends on the LLM stage.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if lang := e.Option("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms, ok := e.IntOption("endpointing_ms"); ok {
			opts = append(opts, deepgram.WithEndpointing(time.Duration(ms)*time.Millisecond))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if ms, ok := e.IntOption("silence_threshold_ms"); ok {
			opts = append(opts, whisper.WithSilenceThresholdMs(ms))
		}
		if ms, ok := e.IntOption("max_buffer_ms"); ok {
			opts = append(opts, whisper.WithMaxBufferDurationMs(ms))
		}
		if rate, ok := e.IntOption("sample_rate"); ok {
			opts = append(opts, whisper.WithSampleRate(rate))
		}
		if d, ok := e.DurationOption("timeout"); ok {
			opts = append(opts, whisper.WithHTTPClient(&http.Client{Timeout: d}))
		}
		return whisper.New(e.BaseURL, opts...)
	})

	// ── Translation ───────────────────────────────────────────────────────────

	reg.RegisterTranslate("gemini", func(e config.ProviderEntry) (translate.Provider, error) {
		var opts []gemini.Option
		if e.Model != "" {
			opts = append(opts, gemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		if t, ok := e.FloatOption("temperature"); ok {
			opts = append(opts, gemini.WithTemperature(float32(t)))
		}
		return gemini.New(ctx, e.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		if org := e.Option("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, ok := e.DurationOption("timeout"); ok {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})

	// "openai" stays on the native SDK; every other vendor goes through any-llm-go.
	for _, name := range anyllm.Backends() {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(name, e.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if voice := e.Option("voice"); voice != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(voice))
		}
		stability, ok1 := e.FloatOption("stability")
		similarity, ok2 := e.FloatOption("similarity_boost")
		if ok1 || ok2 {
			if !ok1 {
				stability = 0.5
			}
			if !ok2 {
				similarity = 0.75
			}
			opts = append(opts, elevenlabs.WithVoiceSettings(stability, similarity))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := e.Option("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := e.Option("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d, ok := e.DurationOption("timeout"); ok {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(e.BaseURL, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         parley: startup summary       ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printStage(w, "STT", cfg.Providers.STT)
	printStage(w, "Translate", cfg.Providers.Translate)
	printStage(w, "LLM", cfg.Providers.LLM)
	printStage(w, "TTS", cfg.Providers.TTS)
	printRow(w, "Target lang", orNone(cfg.Session.TargetLanguage))
	printRow(w, "Gateway", cfg.Gateway.Path+" ("+string(cfg.Gateway.Codec)+")")
	if cfg.Journal.PostgresDSN != "" {
		printRow(w, "Journal", "postgres")
	} else {
		printRow(w, "Journal", "(disabled)")
	}
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printStage(w io.Writer, kind string, s config.StageConfig) {
	value := s.Name
	switch {
	case value == "":
		value = "(not configured)"
	case s.Model != "":
		value += " / " + s.Model
	}
	if n := len(s.Fallbacks); n > 0 {
		value += fmt.Sprintf(" +%d", n)
	}
	printRow(w, kind, value)
}

func printRow(w io.Writer, key, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", key, value)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
