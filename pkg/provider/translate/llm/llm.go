// Package llm adapts any llm.Provider into a translate.Provider by prompting
// the model for language identification and translation.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/translate"
)

const (
	defaultTemperature  = 0.1
	detectMaxTokens     = 8
	translateTokenRatio = 4
	minTranslateTokens  = 64
)

// Option is a functional option for Translator.
type Option func(*Translator)

// WithTemperature sets the sampling temperature for both calls.
func WithTemperature(t float64) Option {
	return func(tr *Translator) {
		tr.temperature = t
	}
}

// Translator implements translate.Provider on top of an LLM.
type Translator struct {
	model       llm.Provider
	temperature float64
}

var _ translate.Provider = (*Translator)(nil)

// New wraps model.
func New(model llm.Provider, opts ...Option) *Translator {
	t := &Translator{model: model, temperature: defaultTemperature}
	for _, o := range opts {
		o(t)
	}
	return t
}

// DetectLanguage implements translate.Provider.
func (t *Translator) DetectLanguage(ctx context.Context, text string) (string, error) {
	if translate.IsBlank(text) {
		return "", nil
	}
	resp, err := t.model.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: translate.DetectInstruction,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: text}},
		Temperature:  t.temperature,
		MaxTokens:    detectMaxTokens,
	})
	if errors.Is(err, llm.ErrEmptyReply) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("translate/llm: detect: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	return translate.NormalizeLanguage(resp.Content), nil
}

// Translate implements translate.Provider.
func (t *Translator) Translate(ctx context.Context, text, source, target string) (string, error) {
	if translate.IsBlank(text) {
		return "", nil
	}
	if target == "" {
		return "", fmt.Errorf("translate/llm: empty target language")
	}
	req := llm.CompletionRequest{
		SystemPrompt: translate.TranslateInstruction(source, target),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: text}},
		Temperature:  t.temperature,
		MaxTokens:    max(minTranslateTokens, len(text)*translateTokenRatio),
	}
	resp, err := t.model.Complete(ctx, req)
	if errors.Is(err, llm.ErrTruncated) {
		// One retry with room for verbose target scripts.
		req.MaxTokens *= 2
		resp, err = t.model.Complete(ctx, req)
	}
	if err != nil {
		return "", fmt.Errorf("translate/llm: translate %s→%s: %w", orAuto(source), target, err)
	}
	if resp == nil {
		return "", nil
	}
	return translate.CleanTranslation(resp.Content), nil
}

func orAuto(lang string) string {
	if lang == "" {
		return "auto"
	}
	return lang
}
