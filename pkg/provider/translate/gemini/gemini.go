// Package gemini provides a translate.Provider backed directly by the Google
// Gemini API through google.golang.org/genai.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/parley/pkg/provider/translate"
)

const defaultModel = "gemini-2.0-flash"

// generator is the part of *genai.Models the translator uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Option is a functional option for Translator.
type Option func(*options)

type options struct {
	model       string
	baseURL     string
	temperature float32
}

// WithModel selects the Gemini model.
func WithModel(model string) Option {
	return func(o *options) {
		o.model = model
	}
}

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option {
	return func(o *options) {
		o.temperature = t
	}
}

// Translator implements translate.Provider on the Gemini API.
type Translator struct {
	gen         generator
	model       string
	temperature float32
}

var _ translate.Provider = (*Translator)(nil)

// New creates a Translator authenticated with apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Translator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	o := options{model: defaultModel, temperature: 0.1}
	for _, fn := range opts {
		fn(&o)
	}

	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if o.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: o.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Translator{gen: client.Models, model: o.model, temperature: o.temperature}, nil
}

// DetectLanguage implements translate.Provider.
func (t *Translator) DetectLanguage(ctx context.Context, text string) (string, error) {
	if translate.IsBlank(text) {
		return "", nil
	}
	reply, err := t.generate(ctx, translate.DetectInstruction, text)
	if err != nil {
		return "", fmt.Errorf("gemini: detect: %w", err)
	}
	return translate.NormalizeLanguage(reply), nil
}

// Translate implements translate.Provider.
func (t *Translator) Translate(ctx context.Context, text, source, target string) (string, error) {
	if translate.IsBlank(text) {
		return "", nil
	}
	if target == "" {
		return "", errors.New("gemini: empty target language")
	}
	reply, err := t.generate(ctx, translate.TranslateInstruction(source, target), text)
	if err != nil {
		return "", fmt.Errorf("gemini: translate to %s: %w", target, err)
	}
	return translate.CleanTranslation(reply), nil
}

func (t *Translator) generate(ctx context.Context, instruction, text string) (string, error) {
	temp := t.temperature
	resp, err := t.gen.GenerateContent(ctx, t.model,
		[]*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: text}}}},
		&genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: instruction}}},
			Temperature:       &temp,
		},
	)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("empty candidates in response")
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			sb.WriteString(p.Text)
		}
	}
	return sb.String(), nil
}
