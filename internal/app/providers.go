package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/translate"
	translatellm "github.com/MrWong99/parley/pkg/provider/translate/llm"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Providers holds the remote service of each stage. A nil field means the
// stage is not configured.
type Providers struct {
	STT       stt.Provider
	Translate translate.Provider
	TTS       tts.Provider
}

// Stages reports which stages are configured, keyed by stage name.
func (p *Providers) Stages() map[string]bool {
	return map[string]bool{
		"stt":       p.STT != nil,
		"translate": p.Translate != nil,
		"tts":       p.TTS != nil,
	}
}

// Breakers reports the circuit breaker state of every backend, keyed by stage
// and then provider name. Stages without a resilience wrapper are omitted.
func (p *Providers) Breakers() map[string]map[string]string {
	out := make(map[string]map[string]string)
	for stage, v := range map[string]any{"stt": p.STT, "translate": p.Translate, "tts": p.TTS} {
		r, ok := v.(resilience.Reporter)
		if !ok {
			continue
		}
		states := make(map[string]string)
		for name, st := range r.States() {
			states[name] = st.String()
		}
		out[stage] = states
	}
	return out
}

// BuildProviders instantiates every configured stage through reg. A stage
// with fallbacks is wrapped in the matching resilience fallback; a single
// provider is still wrapped so its breaker state is logged.
//
// The "llm" translator is bound here because it needs the LLM stage.
func BuildProviders(cfg *config.Config, reg *config.Registry, log *slog.Logger) (*Providers, error) {
	if log == nil {
		log = slog.Default()
	}
	fb := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{Logger: log}}
	ps := &Providers{}

	var err error
	if ps.STT, err = buildStage(cfg.Providers.STT, "stt", reg.CreateSTT,
		func(p stt.Provider, name string) *resilience.STTFallback {
			return resilience.NewSTTFallback(p, name, fb)
		}, log); err != nil {
		return nil, err
	}

	if entries := cfg.Providers.LLM.Entries(); len(entries) > 0 {
		model, err := buildStage(cfg.Providers.LLM, "llm", reg.CreateLLM,
			func(p llm.Provider, name string) *resilience.LLMFallback {
				return resilience.NewLLMFallback(p, name, fb)
			}, log)
		if err != nil {
			return nil, err
		}
		reg.RegisterTranslate("llm", func(e config.ProviderEntry) (translate.Provider, error) {
			var opts []translatellm.Option
			if t, ok := e.FloatOption("temperature"); ok {
				opts = append(opts, translatellm.WithTemperature(t))
			}
			return translatellm.New(model, opts...), nil
		})
	}

	if ps.Translate, err = buildStage(cfg.Providers.Translate, "translate", reg.CreateTranslate,
		func(p translate.Provider, name string) *resilience.TranslateFallback {
			return resilience.NewTranslateFallback(p, name, fb)
		}, log); err != nil {
		return nil, err
	}

	if ps.TTS, err = buildStage(cfg.Providers.TTS, "tts", reg.CreateTTS,
		func(p tts.Provider, name string) *resilience.TTSFallback {
			return resilience.NewTTSFallback(p, name, fb)
		}, log); err != nil {
		return nil, err
	}
	return ps, nil
}

// fallback is implemented by every typed resilience wrapper.
type fallback[T any] interface {
	AddFallback(name string, provider T)
}

// buildStage creates the primary and fallbacks of one stage. Entries whose
// name is not registered are skipped with a warning; the stage is nil when
// none could be created.
func buildStage[T any, F fallback[T]](
	stage config.StageConfig,
	kind string,
	create func(config.ProviderEntry) (T, error),
	wrap func(primary T, name string) F,
	log *slog.Logger,
) (T, error) {
	var (
		zero    T
		group   F
		started bool
	)
	for _, e := range stage.Entries() {
		p, err := create(e)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			log.Warn("provider not available, skipping", "kind", kind, "name", e.Name)
			continue
		}
		if err != nil {
			return zero, fmt.Errorf("app: create %s provider %q: %w", kind, e.Name, err)
		}
		if !started {
			group, started = wrap(p, e.Name), true
			log.Info("provider created", "kind", kind, "name", e.Name)
			continue
		}
		group.AddFallback(e.Name, p)
		log.Info("fallback provider created", "kind", kind, "name", e.Name)
	}
	if !started {
		return zero, nil
	}
	// F is one of the resilience wrappers, each of which implements T.
	out, ok := any(group).(T)
	if !ok {
		return zero, fmt.Errorf("app: %s fallback does not implement the stage interface", kind)
	}
	return out, nil
}
