// Package energy implements a mean-magnitude voice activity detector with
// run-length hysteresis.
//
// A frame is speech-like when its mean absolute sample value exceeds a fixed
// threshold. Speech is only reported after a run of consecutive speech-like
// frames, which suppresses single-frame clicks and bumps; silence is reported
// after a run of consecutive non-speech frames and serves as a segmentation
// hint. The detector never withholds audio.
package energy

import (
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

const (
	// DefaultThreshold is the mean absolute magnitude above which a frame is speech-like.
	DefaultThreshold = 1200

	// DefaultSpeechFrames is the run length required before speech is reported.
	DefaultSpeechFrames = 3

	// DefaultSilenceFrames is the run length required before silence is reported.
	DefaultSilenceFrames = 5
)

// Config tunes a [Detector]. Zero fields take the package defaults.
type Config struct {
	Threshold     float64
	SpeechFrames  int
	SilenceFrames int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.SpeechFrames <= 0 {
		c.SpeechFrames = DefaultSpeechFrames
	}
	if c.SilenceFrames <= 0 {
		c.SilenceFrames = DefaultSilenceFrames
	}
	return c
}

// Detector is a single-stream hysteresis classifier. It is safe for
// concurrent use, although frames of one stream should be fed in order.
type Detector struct {
	cfg Config

	mu             sync.Mutex
	speechCounter  int
	silenceCounter int
	lastEnergy     float64
}

var _ vad.SessionHandle = (*Detector)(nil)

// NewDetector returns a Detector configured by cfg.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// IsSpeech classifies frame and reports whether the current run of
// speech-like frames has reached the required length. Any non-speech frame
// resets the speech run to zero.
func (d *Detector) IsSpeech(frame []byte) bool {
	energy := audio.MeanAbs(frame)
	speechLike := energy > d.cfg.Threshold

	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastEnergy = energy
	if speechLike {
		d.speechCounter++
		d.silenceCounter = 0
	} else {
		d.silenceCounter++
		d.speechCounter = 0
	}
	return speechLike && d.speechCounter >= d.cfg.SpeechFrames
}

// IsSilence reports whether the current run of non-speech frames has reached
// the required length.
func (d *Detector) IsSilence() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.silenceCounter >= d.cfg.SilenceFrames
}

// ProcessFrame implements [vad.SessionHandle].
func (d *Detector) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if len(frame)%2 != 0 {
		return vad.VADEvent{}, fmt.Errorf("energy: odd frame length %d", len(frame))
	}
	speech := d.IsSpeech(frame)

	d.mu.Lock()
	energy := d.lastEnergy
	d.mu.Unlock()

	switch {
	case speech:
		return vad.VADEvent{Type: vad.VADSpeech, Energy: energy}, nil
	case d.IsSilence():
		return vad.VADEvent{Type: vad.VADSilence, Energy: energy}, nil
	default:
		return vad.VADEvent{Type: vad.VADUndecided, Energy: energy}, nil
	}
}

// Reset implements [vad.SessionHandle].
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speechCounter = 0
	d.silenceCounter = 0
	d.lastEnergy = 0
}

// Close implements [vad.SessionHandle]. It is a no-op.
func (d *Detector) Close() error { return nil }

// Engine creates [Detector] sessions.
type Engine struct {
	mu       sync.RWMutex
	defaults Config
}

var _ vad.Engine = (*Engine)(nil)

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithDefaults sets the configuration used for fields a session leaves zero.
func WithDefaults(cfg Config) Option {
	return func(e *Engine) {
		e.defaults = cfg
	}
}

// New returns an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, o := range opts {
		o(e)
	}
	e.defaults = e.defaults.withDefaults()
	return e
}

// SetDefaults replaces the engine defaults. Running sessions keep the tuning
// they were created with.
func (e *Engine) SetDefaults(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaults = cfg.withDefaults()
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.EnergyThreshold < 0 || cfg.SpeechFrames < 0 || cfg.SilenceFrames < 0 {
		return nil, fmt.Errorf("energy: negative tuning values in %+v", cfg)
	}
	e.mu.RLock()
	c := e.defaults
	e.mu.RUnlock()
	if cfg.EnergyThreshold > 0 {
		c.Threshold = cfg.EnergyThreshold
	}
	if cfg.SpeechFrames > 0 {
		c.SpeechFrames = cfg.SpeechFrames
	}
	if cfg.SilenceFrames > 0 {
		c.SilenceFrames = cfg.SilenceFrames
	}
	return NewDetector(c), nil
}
