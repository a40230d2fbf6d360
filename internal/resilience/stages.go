package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/translate"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Reporter is implemented by every stage wrapper in this package.
type Reporter interface {
	// States returns the breaker state of each backend, keyed by provider name.
	States() map[string]State
}

// Chain is the failover list shared by the stage wrappers.
type Chain[T any] struct {
	group *FallbackGroup[T]
}

// AddFallback appends a backend tried after every earlier one.
func (c *Chain[T]) AddFallback(name string, provider T) { c.group.AddFallback(name, provider) }

func (c *Chain[T]) States() map[string]State { return c.group.States() }

func newChain[T any](primary T, name string, cfg FallbackConfig) Chain[T] {
	return Chain[T]{group: NewFallbackGroup(primary, name, cfg)}
}

// ── Transcription ────────────────────────────────────────────────────────────

// STTFallback is an [stt.Provider] that fails over on stream setup. A stream
// that drops later is reopened by the pipeline and goes through failover
// again.
type STTFallback struct{ Chain[stt.Provider] }

func NewSTTFallback(primary stt.Provider, name string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{newChain(primary, name, cfg)}
}

func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// ── Translation ──────────────────────────────────────────────────────────────

// TranslateFallback is a [translate.Provider] with per-call failover.
type TranslateFallback struct{ Chain[translate.Provider] }

func NewTranslateFallback(primary translate.Provider, name string, cfg FallbackConfig) *TranslateFallback {
	return &TranslateFallback{newChain(primary, name, cfg)}
}

func (f *TranslateFallback) DetectLanguage(ctx context.Context, text string) (string, error) {
	return ExecuteWithResult(f.group, func(p translate.Provider) (string, error) {
		return p.DetectLanguage(ctx, text)
	})
}

func (f *TranslateFallback) Translate(ctx context.Context, text, source, target string) (string, error) {
	return ExecuteWithResult(f.group, func(p translate.Provider) (string, error) {
		return p.Translate(ctx, text, source, target)
	})
}

// LLMFallback is an [llm.Provider] with per-call failover. It backs the
// "llm" translator.
type LLMFallback struct{ Chain[llm.Provider] }

func NewLLMFallback(primary llm.Provider, name string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{newChain(primary, name, cfg)}
}

func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// ── Synthesis ────────────────────────────────────────────────────────────────

// TTSFallback is a [tts.Provider] that fails over on synthesis setup. Errors
// surfacing later through [tts.Stream.Err] do not fail over.
type TTSFallback struct{ Chain[tts.Provider] }

func NewTTSFallback(primary tts.Provider, name string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{newChain(primary, name, cfg)}
}

func (f *TTSFallback) Synthesize(ctx context.Context, req tts.SynthesisRequest) (*tts.Stream, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (*tts.Stream, error) {
		return p.Synthesize(ctx, req)
	})
}

// ListVoices asks the primary only: voice ids do not carry across vendors.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return f.group.Primary().ListVoices(ctx)
}

var (
	_ stt.Provider       = (*STTFallback)(nil)
	_ translate.Provider = (*TranslateFallback)(nil)
	_ llm.Provider       = (*LLMFallback)(nil)
	_ tts.Provider       = (*TTSFallback)(nil)
	_ Reporter           = (*STTFallback)(nil)
)
