// Package mock provides a canned [llm.Provider] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Provider answers every Complete with CompleteResponse and CompleteErr, or
// with CompleteFunc when set. It keeps every request it was given.
type Provider struct {
	CompleteFunc     func(req llm.CompletionRequest) (*llm.CompletionResponse, error)
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	mu   sync.Mutex
	reqs []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	if p.CompleteFunc != nil {
		return p.CompleteFunc(req)
	}
	return p.CompleteResponse, p.CompleteErr
}

// Calls returns the requests received so far.
func (p *Provider) Calls() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.reqs...)
}
