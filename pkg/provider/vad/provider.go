// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own run-length state
// so that consecutive frames of one stream are classified with hysteresis.
//
// VAD is advisory in Parley: ProcessFrame returns immediately with a verdict
// that the pipeline uses for segmentation hints and latency measurement. It
// never gates which frames are sent to transcription.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session. Zero values select each
// engine's defaults.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the frames passed to
	// ProcessFrame. Common values: 8000, 16000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	FrameSizeMs int

	// EnergyThreshold is the mean absolute sample magnitude above which a frame
	// counts as speech-like.
	EnergyThreshold float64

	// SpeechFrames is the number of consecutive speech-like frames required
	// before a frame is reported as speech.
	SpeechFrames int

	// SilenceFrames is the number of consecutive non-speech frames required
	// before silence is reported.
	SilenceFrames int
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the verdict.
	// The frame must be raw little-endian 16-bit PCM.
	//
	// This method is designed to be called synchronously in the capture loop;
	// it must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears all accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
