package tts

import (
	"context"
	"sync"
)

// Stream carries the PCM chunks of one synthesis. The producer calls Send
// for each chunk and Finish exactly once; the consumer ranges over Chunks
// and then checks Err, in the style of database/sql Rows.
type Stream struct {
	chunks chan []byte

	once sync.Once
	mu   sync.Mutex
	err  error
}

// NewStream returns an open Stream whose channel buffers up to buffer chunks.
func NewStream(buffer int) *Stream {
	return &Stream{chunks: make(chan []byte, max(buffer, 0))}
}

// FinishedStream returns a Stream that is already finished with err.
func FinishedStream(err error) *Stream {
	s := NewStream(0)
	s.Finish(err)
	return s
}

// Chunks returns the channel of PCM chunks. It is closed by Finish.
func (s *Stream) Chunks() <-chan []byte { return s.chunks }

// Err returns the error that ended the stream, if any. It is only
// meaningful after Chunks has been closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send delivers chunk to the consumer. It reports false when ctx ends first.
// Empty chunks are skipped.
func (s *Stream) Send(ctx context.Context, chunk []byte) bool {
	if len(chunk) == 0 {
		return ctx.Err() == nil
	}
	select {
	case s.chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish records err and closes Chunks. Only the first call has an effect.
func (s *Stream) Finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.chunks)
	})
}

// Collect drains s and returns the concatenated PCM together with Err.
func Collect(s *Stream) ([]byte, error) {
	var out []byte
	for c := range s.Chunks() {
		out = append(out, c...)
	}
	return out, s.Err()
}
