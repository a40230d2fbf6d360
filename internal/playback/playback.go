// Package playback owns the headset output stream. Frames are queued in a
// bounded FIFO and written by a dedicated render loop.
//
// When the queue is full, Enqueue discards every pending frame before
// inserting the new one. A listener who falls behind hears the newest audio
// instead of a growing backlog.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultCapacity is the queue capacity used when Config.Capacity is zero.
const DefaultCapacity = 50

// Config parameterises a [Playback].
type Config struct {
	// DeviceID selects the output device. Empty means platform default.
	DeviceID string

	// SampleRate is the render rate. Frames at any other rate are rejected.
	SampleRate int

	// Capacity bounds the queue. Defaults to DefaultCapacity.
	Capacity int
}

// Option configures a [Playback].
type Option func(*Playback)

// WithErrorHandler registers fn to receive write errors. The render loop
// keeps running after reporting one.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Playback) { p.onErr = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Playback) { p.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Playback) { p.metrics = m }
}

// ErrStopped is returned by Start when Stop got there first.
var ErrStopped = errors.New("playback: stopped")

// Playback renders queued frames on one output stream.
//
// All exported methods are safe for concurrent use.
type Playback struct {
	hw      audio.Hardware
	cfg     Config
	onErr   func(error)
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	queue   chan audio.AudioFrame
	closed  bool
	started bool
	output  audio.OutputStream
	cancel  context.CancelFunc

	loopDone chan struct{}
	stopOnce sync.Once
}

// New creates a Playback. The output stream is opened by Start.
func New(hw audio.Hardware, cfg Config, opts ...Option) *Playback {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	p := &Playback{
		hw:       hw,
		cfg:      cfg,
		log:      slog.Default(),
		queue:    make(chan audio.AudioFrame, cfg.Capacity),
		loopDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// SampleRate returns the render rate.
func (p *Playback) SampleRate() int { return p.cfg.SampleRate }

// Enqueue adds frame to the queue without blocking. It reports whether the
// queue overflowed and pending frames were dropped. Frames whose rate differs
// from the render rate, and frames enqueued after Stop, are discarded.
func (p *Playback) Enqueue(frame audio.AudioFrame) bool {
	if frame.SampleRate != p.cfg.SampleRate {
		p.log.Warn("playback: frame rate mismatch", "rate", frame.SampleRate, "want", p.cfg.SampleRate)
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- frame:
		return false
	default:
	}

	// Only enqueuers send, and they hold mu, so the second send cannot block.
	n := audio.DrainBuffered[audio.AudioFrame](p.queue)
	p.queue <- frame
	p.metrics.PlaybackDropped.Add(context.Background(), int64(n))
	p.log.Debug("playback: queue overflow, dropped pending frames", "dropped", n)
	return true
}

// Len returns the number of queued frames.
func (p *Playback) Len() int { return len(p.queue) }

// Start opens the output stream and spawns the render loop.
func (p *Playback) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.started {
		p.mu.Unlock()
		return errors.New("playback: already started")
	}
	p.started = true
	p.mu.Unlock()

	out, err := p.hw.OpenOutput(ctx, audio.OutputConfig{DeviceID: p.cfg.DeviceID, SampleRate: p.cfg.SampleRate})
	if err != nil {
		close(p.loopDone)
		return fmt.Errorf("playback: open output: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.closed {
		// Stop ran while the output was opening and will not wait for us.
		p.mu.Unlock()
		cancel()
		_ = out.Close()
		close(p.loopDone)
		return ErrStopped
	}
	p.output = out
	p.cancel = cancel
	p.mu.Unlock()

	p.log.Info("playback: started", "rate", p.cfg.SampleRate, "device", p.cfg.DeviceID)
	go p.render(loopCtx, out)
	return nil
}

func (p *Playback) render(ctx context.Context, out audio.OutputStream) {
	defer close(p.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-p.queue:
			if !ok {
				return
			}
			if _, err := out.Write(frame.Data); err != nil {
				if ctx.Err() != nil {
					return
				}
				if p.onErr != nil {
					p.onErr(fmt.Errorf("playback: write: %w", err))
				} else {
					p.log.Warn("playback: write failed", "err", err)
				}
			}
		}
	}
}

// Stop ends the render loop, closes the output stream and discards the queue.
// It is safe to call more than once and before Start.
func (p *Playback) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		cancel, out, started := p.cancel, p.output, p.started
		p.mu.Unlock()

		// With cancel unset, a Start still in flight sees closed and
		// releases its output itself.
		if cancel != nil {
			cancel()
			_ = out.Close()
			<-p.loopDone
		} else if !started {
			close(p.loopDone)
		}

		p.mu.Lock()
		close(p.queue)
		p.mu.Unlock()
		audio.Drain[audio.AudioFrame](p.queue)
	})
}
