// Package mock provides an in-memory transcription service for tests.
//
// Every StartStream opens a fresh Session whose transcript channels the test
// writes to directly:
//
//	p := &mock.Provider{}
//	h, _ := p.StartStream(ctx, cfg)
//	p.Started()[0].FinalsCh <- stt.Transcript{Text: "hello", IsFinal: true}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// Provider records stream configs and the sessions it opened.
type Provider struct {
	// StartStreamErr fails every StartStream when set.
	StartStreamErr error

	mu       sync.Mutex
	configs  []stt.StreamConfig
	sessions []*Session
}

var _ stt.Provider = (*Provider)(nil)

func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, cfg)
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Calls returns the config of every StartStream attempt, failed ones included.
func (p *Provider) Calls() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.StreamConfig(nil), p.configs...)
}

// Started returns the sessions opened so far, oldest first.
func (p *Provider) Started() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// SetStartStreamErr swaps the failure while the provider is in use.
func (p *Provider) SetStartStreamErr(err error) {
	p.mu.Lock()
	p.StartStreamErr = err
	p.mu.Unlock()
}

// Session is a transcription stream driven by the test through PartialsCh and
// FinalsCh. Both are closed by Close or Drop.
type Session struct {
	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	mu           sync.Mutex
	sendErr      error
	chunks       int
	closed       bool
	channelsDone sync.Once
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a session with room for 16 queued transcripts per channel.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
}

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	s.chunks++
	return s.sendErr
}

func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }
func (s *Session) Finals() <-chan stt.Transcript   { return s.FinalsCh }

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.endChannels()
	return nil
}

// Drop ends the stream the way a service hang-up does: the channels close but
// the handle is not marked closed.
func (s *Session) Drop() { s.endChannels() }

func (s *Session) endChannels() {
	s.channelsDone.Do(func() {
		close(s.PartialsCh)
		close(s.FinalsCh)
	})
}

// FailSends makes subsequent SendAudio calls return err.
func (s *Session) FailSends(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// SendAudioCallCount is the number of chunks accepted before Close.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
