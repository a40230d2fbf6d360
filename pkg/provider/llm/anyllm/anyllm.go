// Package anyllm serves chat models from several vendors as [llm.Provider]s
// through github.com/mozilla-ai/any-llm-go.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

func wrap[P anyllmlib.Provider](fn func(...anyllmlib.Option) (P, error)) constructor {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return fn(opts...) }
}

var backends = map[string]constructor{
	"openai":    wrap(anyllmoai.New),
	"anthropic": wrap(anthropic.New),
	"gemini":    wrap(gemini.New),
	"ollama":    wrap(ollama.New),
	"deepseek":  wrap(deepseek.New),
	"mistral":   wrap(mistral.New),
	"groq":      wrap(groq.New),
	"llamacpp":  wrap(llamacpp.New),
	"llamafile": wrap(llamafile.New),
}

// Backends returns the vendor names New accepts, sorted.
func Backends() []string {
	return slices.Sorted(maps.Keys(backends))
}

// Provider completes prompts on one model of one vendor.
type Provider struct {
	backend anyllmlib.Provider
	vendor  string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New opens the named vendor backend. Vendor names are case-insensitive.
// Without [anyllmlib.WithAPIKey] the backend reads its usual environment
// variable.
func New(vendor, model string, opts ...anyllmlib.Option) (*Provider, error) {
	vendor = strings.ToLower(vendor)
	if model == "" {
		return nil, errors.New("anyllm: model is required")
	}
	ctor, ok := backends[vendor]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown vendor %q; known: %s", vendor, strings.Join(Backends(), ", "))
	}
	backend, err := ctor(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", vendor, err)
	}
	return &Provider{backend: backend, vendor: vendor, model: model}, nil
}

// Complete sends req as one non-streaming completion.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anyllm: request has no messages")
	}
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s/%s: %w", p.vendor, p.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s/%s: %w", p.vendor, p.model, llm.ErrEmptyReply)
	}
	text := resp.Choices[0].Message.ContentString()
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("anyllm: %s/%s: %w", p.vendor, p.model, llm.ErrEmptyReply)
	}

	out := &llm.CompletionResponse{Content: text}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	out := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: make([]anyllmlib.Message, 0, len(req.Messages)+1),
	}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}
	if req.Temperature != 0 {
		out.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = &req.MaxTokens
	}
	return out
}
