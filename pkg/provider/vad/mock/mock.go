// Package mock provides scripted VAD doubles for pipeline tests.
package mock

import (
	"sync"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Engine hands out Session (or a fresh silent one) and records the configs it
// was asked for.
type Engine struct {
	Session vad.SessionHandle
	Err     error

	mu      sync.Mutex
	configs []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Session == nil {
		return &Session{}, nil
	}
	return e.Session, nil
}

// Configs returns every config passed to NewSession.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session plays back Script one verdict per frame, then answers Default.
type Session struct {
	Script  []vad.VADEvent
	Default vad.VADEvent
	Err     error

	mu     sync.Mutex
	frames int
	bytes  int
	closes int
}

var _ vad.SessionHandle = (*Session)(nil)

func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	s.bytes += len(frame)
	if len(s.Script) == 0 {
		return s.Default, s.Err
	}
	ev := s.Script[0]
	s.Script = s.Script[1:]
	return ev, s.Err
}

// Reset drops whatever remains of Script.
func (s *Session) Reset() {
	s.mu.Lock()
	s.Script = nil
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

// FrameCount is the number of frames classified so far.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// BytesSeen is the total PCM byte count passed to ProcessFrame.
func (s *Session) BytesSeen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Closes is the number of Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
