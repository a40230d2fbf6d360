// Package capture owns the headset input stream: it negotiates a sample
// rate, attaches optional conditioning, and emits fixed-duration PCM frames.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

// ErrHardwareUnavailable means no input stream could be opened or started.
var ErrHardwareUnavailable = errors.New("capture: hardware unavailable")

// ErrConditioningAttach wraps a failure to attach a conditioning effect. It
// is logged and never returned.
var ErrConditioningAttach = errors.New("capture: conditioning attach failed")

// ErrStopped is returned by Start when Stop got there first.
var ErrStopped = errors.New("capture: stopped")

// DefaultRates is the negotiation order: wideband first, then the
// narrowband link rate.
var DefaultRates = []int{16000, 8000}

// Conditioning selects the platform effects requested for the input.
type Conditioning struct {
	EchoCancellation bool `yaml:"echo_cancellation" json:"echo_cancellation"`
	NoiseSuppression bool `yaml:"noise_suppression" json:"noise_suppression"`
	AutoGain         bool `yaml:"auto_gain" json:"auto_gain"`
}

// Effects lists the requested effects in attach order.
func (c Conditioning) Effects() []audio.Effect {
	var out []audio.Effect
	if c.EchoCancellation {
		out = append(out, audio.EffectEchoCancellation)
	}
	if c.NoiseSuppression {
		out = append(out, audio.EffectNoiseSuppression)
	}
	if c.AutoGain {
		out = append(out, audio.EffectAutoGain)
	}
	return out
}

// Config parameterises a [Capture].
type Config struct {
	// DeviceID selects the input device. Empty means platform default.
	DeviceID string

	// FrameDuration is the length of each emitted frame.
	// Defaults to audio.DefaultFrameDuration.
	FrameDuration time.Duration

	// Conditioning lists the requested effects.
	Conditioning Conditioning

	// Rates is the negotiation order. Defaults to DefaultRates.
	Rates []int
}

// Option configures a [Capture].
type Option func(*Capture)

// WithRateChanged registers fn to receive the negotiated rate once per Start.
func WithRateChanged(fn func(rate int)) Option {
	return func(c *Capture) { c.onRate = fn }
}

// WithFrameHandler registers fn to receive every full frame. It runs on the
// read loop and must not block.
func WithFrameHandler(fn func(audio.AudioFrame)) Option {
	return func(c *Capture) { c.onFrame = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Capture) { c.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Capture) { c.metrics = m }
}

// Capture owns one input stream from Start until Stop or a read error.
type Capture struct {
	hw      audio.Hardware
	cfg     Config
	onRate  func(int)
	onFrame func(audio.AudioFrame)
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	started  bool
	stopped  bool
	rate     int
	input    audio.InputStream
	cancel   context.CancelFunc
	err      error
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Capture. No hardware is touched until Start.
func New(hw audio.Hardware, cfg Config, opts ...Option) *Capture {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = audio.DefaultFrameDuration
	}
	if len(cfg.Rates) == 0 {
		cfg.Rates = DefaultRates
	}
	c := &Capture{
		hw:   hw,
		cfg:  cfg,
		log:  slog.Default(),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Start negotiates a rate, starts the input, and spawns the read loop. On
// failure no frame is ever emitted and no handle is left open.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("capture: already started")
	}
	c.started = true
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	var (
		input audio.InputStream
		rate  int
		errs  []error
	)
	for _, r := range c.cfg.Rates {
		in, err := c.hw.OpenInput(ctx, audio.InputConfig{
			DeviceID:    c.cfg.DeviceID,
			SampleRate:  r,
			BufferBytes: 4 * audio.FrameSize(r, c.cfg.FrameDuration),
		})
		if err != nil {
			c.log.Debug("capture: open input failed", "rate", r, "err", err)
			errs = append(errs, fmt.Errorf("%d Hz: %w", r, err))
			continue
		}
		input, rate = in, r
		break
	}
	if input == nil {
		c.finish(nil)
		return fmt.Errorf("capture: open input: %w", errors.Join(append([]error{ErrHardwareUnavailable}, errs...)...))
	}

	for _, e := range c.cfg.Conditioning.Effects() {
		if !input.SupportsEffect(e) {
			c.log.Debug("capture: effect unsupported", "effect", e)
			continue
		}
		if err := input.AttachEffect(e); err != nil {
			c.log.Debug("capture: effect not attached", "effect", e, "err", fmt.Errorf("%w: %w", ErrConditioningAttach, err))
		}
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = input.Close()
		return ErrStopped
	}
	c.rate = rate
	c.input = input
	c.mu.Unlock()
	if c.onRate != nil {
		c.onRate(rate)
	}

	if err := input.Start(); err != nil {
		_ = input.Close()
		c.finish(nil)
		return fmt.Errorf("capture: start input: %w", errors.Join(ErrHardwareUnavailable, err))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		cancel()
		_ = input.Close()
		return ErrStopped
	}
	c.cancel = cancel
	c.mu.Unlock()

	c.log.Info("capture: started", "rate", rate, "device", c.cfg.DeviceID, "frame", c.cfg.FrameDuration)
	go c.loop(loopCtx, input, rate)
	return nil
}

func (c *Capture) loop(ctx context.Context, input audio.InputStream, rate int) {
	var loopErr error
	defer func() {
		_ = input.Close()
		c.finish(loopErr)
	}()

	size := audio.FrameSize(rate, c.cfg.FrameDuration)
	var offset time.Duration
	for ctx.Err() == nil {
		buf := make([]byte, size)
		n, err := input.Read(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			loopErr = fmt.Errorf("capture: read: %w", err)
			return
		}
		if n < size {
			c.metrics.CaptureShortReads.Add(ctx, 1)
			continue
		}
		frame := audio.AudioFrame{Data: buf, SampleRate: rate, Channels: 1, Timestamp: offset}
		offset += c.cfg.FrameDuration
		c.metrics.RecordCaptureFrame(ctx, rate)
		if c.onFrame != nil {
			c.onFrame(frame)
		}
	}
}

// finish records err and marks the capture done.
func (c *Capture) finish(err error) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		if err != nil {
			c.log.Warn("capture: loop ended", "err", err)
		}
		close(c.done)
	})
}

// Stop ends the read loop, closes the input, and waits for the loop to exit.
// It is safe to call more than once and before Start.
func (c *Capture) Stop() {
	c.mu.Lock()
	c.stopped = true
	cancel, input := c.cancel, c.input
	c.mu.Unlock()
	if cancel == nil {
		// A Start still in flight sees stopped and releases its stream.
		c.finish(nil)
		return
	}
	cancel()
	_ = input.Close()
	<-c.done
}

// Done is closed when the read loop has exited.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Err returns the read error that ended the loop, or nil.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SampleRate returns the negotiated rate, or 0 before a successful Start.
func (c *Capture) SampleRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}
