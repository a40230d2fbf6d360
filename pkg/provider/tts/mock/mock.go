// Package mock provides a scripted [tts.Provider] for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Provider plays SynthesizeChunks on every stream, pausing ChunkDelay before
// each, and then finishes the stream with StreamErr. Set the fields before
// the provider is shared.
type Provider struct {
	SynthesizeChunks [][]byte
	ChunkDelay       time.Duration
	SynthesizeErr    error // returned instead of a stream
	StreamErr        error

	ListVoicesResult []tts.VoiceProfile
	ListVoicesErr    error

	mu      sync.Mutex
	reqs    []tts.SynthesisRequest
	lookups int
}

var _ tts.Provider = (*Provider)(nil)

func (p *Provider) Synthesize(ctx context.Context, req tts.SynthesisRequest) (*tts.Stream, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	if err := p.SynthesizeErr; err != nil {
		p.mu.Unlock()
		return nil, err
	}
	chunks, delay, end := p.SynthesizeChunks, p.ChunkDelay, p.StreamErr
	p.mu.Unlock()

	s := tts.NewStream(len(chunks))
	go func() {
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					s.Finish(ctx.Err())
					return
				}
			}
			if !s.Send(ctx, append([]byte(nil), c...)) {
				s.Finish(ctx.Err())
				return
			}
		}
		s.Finish(end)
	}()
	return s, nil
}

func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns the synthesis requests received so far, including failed ones.
func (p *Provider) Calls() []tts.SynthesisRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.SynthesisRequest(nil), p.reqs...)
}

// VoiceLookups counts ListVoices calls.
func (p *Provider) VoiceLookups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookups
}
