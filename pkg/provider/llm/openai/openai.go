// Package openai drives the OpenAI chat completions API, or any server that
// speaks it, as an [llm.Provider].
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Provider completes translation prompts against one chat model.
type Provider struct {
	client oai.Client
	model  string
	opts   []option.RequestOption
}

var _ llm.Provider = (*Provider)(nil)

// Option adjusts the client built by [New].
type Option func(*Provider)

// WithBaseURL targets an OpenAI-compatible server instead of api.openai.com.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.opts = append(p.opts, option.WithBaseURL(url)) }
}

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(p *Provider) { p.opts = append(p.opts, option.WithOrganization(org)) }
}

// WithTimeout bounds each HTTP round trip.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.opts = append(p.opts, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// WithMaxRetries overrides the SDK retry count. The default is one retry; a
// translation that needs more is better served by the fallback chain.
func WithMaxRetries(n int) Option {
	return func(p *Provider) { p.opts = append(p.opts, option.WithMaxRetries(n)) }
}

// New returns a Provider for model authenticated with apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: api key is required")
	case model == "":
		return nil, errors.New("openai: model is required")
	}
	p := &Provider{
		model: model,
		opts:  []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)},
	}
	for _, o := range opts {
		o(p)
	}
	p.client = oai.NewClient(p.opts...)
	return p, nil
}

// Complete sends req as one chat completion. A reply cut off by the token
// limit fails with [llm.ErrTruncated].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	msgs, err := messages(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model), Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: %s: %w", p.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: %s: %w", p.model, llm.ErrEmptyReply)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "length" {
		return nil, fmt.Errorf("openai: %s: %w", p.model, llm.ErrTruncated)
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return nil, fmt.Errorf("openai: %s: %w", p.model, llm.ErrEmptyReply)
	}
	return &llm.CompletionResponse{
		Content: choice.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func messages(req llm.CompletionRequest) ([]oai.ChatCompletionMessageParamUnion, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("request has no messages")
	}
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, oai.SystemMessage(m.Content))
		case llm.RoleUser:
			out = append(out, oai.UserMessage(m.Content))
		case llm.RoleAssistant:
			out = append(out, oai.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	return out, nil
}
