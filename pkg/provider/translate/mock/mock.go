// Package mock provides a test double for the translate.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/translate"
)

// TranslateCall records a single invocation of Translate.
type TranslateCall struct {
	Text   string
	Source string
	Target string
}

// Provider is a mock implementation of translate.Provider.
type Provider struct {
	mu sync.Mutex

	// Translations maps input text to its translation. Text without an
	// entry translates to TranslateResult.
	Translations map[string]string

	// TranslateResult is returned for text missing from Translations.
	TranslateResult string

	// TranslateErr, if non-nil, is returned by Translate.
	TranslateErr error

	// Language is returned by DetectLanguage.
	Language string

	// DetectErr, if non-nil, is returned by DetectLanguage.
	DetectErr error

	// TranslateCalls records every Translate call.
	TranslateCalls []TranslateCall

	// DetectCalls records the text of every DetectLanguage call.
	DetectCalls []string
}

// DetectLanguage records the call and returns Language, DetectErr.
func (p *Provider) DetectLanguage(_ context.Context, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DetectCalls = append(p.DetectCalls, text)
	if p.DetectErr != nil {
		return "", p.DetectErr
	}
	return p.Language, nil
}

// Translate records the call and returns the configured translation.
func (p *Provider) Translate(_ context.Context, text, source, target string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranslateCalls = append(p.TranslateCalls, TranslateCall{Text: text, Source: source, Target: target})
	if p.TranslateErr != nil {
		return "", p.TranslateErr
	}
	if out, ok := p.Translations[text]; ok {
		return out, nil
	}
	return p.TranslateResult, nil
}

// Translated returns a copy of TranslateCalls. Thread-safe.
func (p *Provider) Translated() []TranslateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranslateCall, len(p.TranslateCalls))
	copy(out, p.TranslateCalls)
	return out
}

// Detected returns a copy of DetectCalls. Thread-safe.
func (p *Provider) Detected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.DetectCalls...)
}

// SetTranslateErr replaces TranslateErr. Thread-safe.
func (p *Provider) SetTranslateErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranslateErr = err
}

var _ translate.Provider = (*Provider)(nil)
