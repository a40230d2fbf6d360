package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
)

// maxBufferedInput caps unread capture audio; older audio is discarded first.
const maxBufferedInput = 2 * time.Second

// OpenInput implements [audio.Hardware].
func (g *Gateway) OpenInput(ctx context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	a := g.current()
	if a == nil {
		return nil, ErrNotConnected
	}
	a.mu.Lock()
	busy := a.input != nil
	a.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("gateway: open input: %w", ErrBusy)
	}

	reply, err := a.call(ctx, message{Type: msgOpenInput, Device: cfg.DeviceID, Rate: cfg.SampleRate, Codec: g.codec})
	if err != nil {
		return nil, fmt.Errorf("gateway: open input at %d Hz: %w", cfg.SampleRate, err)
	}
	if !reply.OK {
		if reply.Error == errUnsupportedRate {
			return nil, fmt.Errorf("gateway: open input at %d Hz: %w", cfg.SampleRate, audio.ErrUnsupportedRate)
		}
		return nil, fmt.Errorf("gateway: open input at %d Hz: agent error: %s", cfg.SampleRate, reply.Error)
	}

	s := &inputStream{
		a:        a,
		id:       reply.ID,
		rate:     cfg.SampleRate,
		channels: max(reply.Channels, 1),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.limit = audio.FrameSize(s.rate, maxBufferedInput)
	if g.codec == CodecOpus {
		if s.dec, err = newOpusDecoder(s.rate, s.channels); err != nil {
			a.closeStream(msgCloseInput)
			return nil, err
		}
	}

	a.mu.Lock()
	a.input = s
	a.mu.Unlock()
	return s, nil
}

// OpenOutput implements [audio.Hardware].
func (g *Gateway) OpenOutput(ctx context.Context, cfg audio.OutputConfig) (audio.OutputStream, error) {
	a := g.current()
	if a == nil {
		return nil, ErrNotConnected
	}
	a.mu.Lock()
	busy := a.output != nil
	a.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("gateway: open output: %w", ErrBusy)
	}

	reply, err := a.call(ctx, message{Type: msgOpenOutput, Device: cfg.DeviceID, Rate: cfg.SampleRate, Codec: g.codec})
	if err != nil {
		return nil, fmt.Errorf("gateway: open output at %d Hz: %w", cfg.SampleRate, err)
	}
	if !reply.OK {
		if reply.Error == errUnsupportedRate {
			return nil, fmt.Errorf("gateway: open output at %d Hz: %w", cfg.SampleRate, audio.ErrUnsupportedRate)
		}
		return nil, fmt.Errorf("gateway: open output at %d Hz: agent error: %s", cfg.SampleRate, reply.Error)
	}

	s := &outputStream{
		a:    a,
		rate: cfg.SampleRate,
		lead: g.writeLead,
		done: make(chan struct{}),
	}
	if g.codec == CodecOpus {
		if s.enc, err = newOpusEncoder(s.rate); err != nil {
			a.closeStream(msgCloseOutput)
			return nil, err
		}
	}

	a.mu.Lock()
	a.output = s
	a.mu.Unlock()
	return s, nil
}

// closeStream tells the agent to release a stream. Errors are ignored; a
// vanished agent has nothing left to release.
func (a *agent) closeStream(typ string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.g.requestTimeout)
	defer cancel()
	if err := a.send(ctx, message{Type: typ}); err != nil {
		a.g.log.Debug("gateway: close stream", "type", typ, "err", err)
	}
}

// ─── input ────────────────────────────────────────────────────────────────────

// inputStream implements [audio.InputStream] over the agent's binary frames.
type inputStream struct {
	a        *agent
	id       string
	rate     int
	channels int
	dec      *opusDecoder
	limit    int

	mu      sync.Mutex
	buf     []byte
	effects []audio.Effect
	closed  bool

	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

var _ audio.InputStream = (*inputStream)(nil)

func (s *inputStream) SupportsEffect(e audio.Effect) bool {
	return s.a.effects[e]
}

func (s *inputStream) AttachEffect(e audio.Effect) error {
	if !s.a.effects[e] {
		return fmt.Errorf("gateway: effect %s not supported by %s", e, s.a.name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effects = append(s.effects, e)
	return nil
}

// Start asks the agent to begin streaming with the attached effects.
func (s *inputStream) Start() error {
	s.mu.Lock()
	names := make([]string, len(s.effects))
	for i, e := range s.effects {
		names[i] = e.String()
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return audio.ErrStreamClosed
	}

	reply, err := s.a.call(context.Background(), message{Type: msgStartInput, Effects: names})
	if err != nil {
		return fmt.Errorf("gateway: start input: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("gateway: start input: agent error: %s", reply.Error)
	}
	return nil
}

// Read blocks until len(p) bytes are buffered. When the link drops, the
// remaining partial buffer is returned once as a short read.
func (s *inputStream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if len(s.buf) >= len(p) {
			n := copy(p, s.buf)
			s.buf = s.buf[n:]
			s.mu.Unlock()
			return n, nil
		}
		if s.closed {
			n := copy(p, s.buf)
			s.buf = nil
			s.mu.Unlock()
			if n > 0 {
				return n, nil
			}
			return 0, audio.ErrStreamClosed
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.done:
		}
	}
}

// Close releases the stream locally and on the agent.
func (s *inputStream) Close() error {
	first := s.markClosed()
	if first {
		s.mu.Lock()
		s.buf = nil
		s.mu.Unlock()
		s.a.mu.Lock()
		if s.a.input == s {
			s.a.input = nil
		}
		s.a.mu.Unlock()
		s.a.closeStream(msgCloseInput)
	}
	return nil
}

func (s *inputStream) markClosed() bool {
	first := false
	s.once.Do(func() {
		first = true
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	return first
}

func (s *inputStream) feed(data []byte) {
	pcm := data
	if s.dec != nil {
		var err error
		if pcm, err = s.dec.decode(data); err != nil {
			s.a.g.log.Debug("gateway: dropping input packet", "err", err)
			return
		}
	}
	if s.channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, pcm...)
	if over := len(s.buf) - s.limit; s.limit > 0 && over > 0 {
		over += over % audio.BytesPerSample
		s.buf = s.buf[min(over, len(s.buf)):]
	}
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// ─── output ───────────────────────────────────────────────────────────────────

// outputStream implements [audio.OutputStream]. Write paces itself so the
// agent never holds more than lead of unplayed audio.
type outputStream struct {
	a    *agent
	rate int
	lead time.Duration
	enc  *opusEncoder

	mu  sync.Mutex
	due time.Time

	done chan struct{}
	once sync.Once
}

var _ audio.OutputStream = (*outputStream)(nil)

func (s *outputStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return 0, audio.ErrStreamClosed
	default:
	}

	if wait := time.Until(s.due) - s.lead; wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-s.done:
			t.Stop()
			return 0, audio.ErrStreamClosed
		}
	}

	payloads := [][]byte{p}
	if s.enc != nil {
		var err error
		if payloads, err = s.enc.encode(p); err != nil {
			return 0, err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.a.g.requestTimeout)
	defer cancel()
	for _, payload := range payloads {
		if err := s.a.conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return 0, fmt.Errorf("gateway: write output: %w", err)
			}
			s.markClosed()
			return 0, audio.ErrStreamClosed
		}
	}

	now := time.Now()
	if s.due.Before(now) {
		s.due = now
	}
	s.due = s.due.Add(audio.AudioFrame{Data: p, SampleRate: s.rate, Channels: 1}.Duration())
	return len(p), nil
}

// Close releases the stream locally and on the agent.
func (s *outputStream) Close() error {
	if s.markClosed() {
		s.a.mu.Lock()
		if s.a.output == s {
			s.a.output = nil
		}
		s.a.mu.Unlock()
		s.a.closeStream(msgCloseOutput)
	}
	return nil
}

func (s *outputStream) markClosed() bool {
	first := false
	s.once.Do(func() {
		first = true
		close(s.done)
	})
	return first
}
