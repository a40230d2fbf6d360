// Package tts defines the Provider interface for text-to-speech backends.
//
// A provider turns one finalized translation into a finite, lazily produced
// sequence of 16-bit little-endian mono PCM chunks at the requested sample
// rate. Chunks arrive on a [Stream] as they are synthesized so playback can
// begin before the whole utterance is rendered.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// SynthesisRequest describes one utterance to synthesize.
type SynthesisRequest struct {
	// Text is the text to speak. Blank text yields an already finished stream.
	Text string

	// Language is the BCP-47 tag of Text.
	Language string

	// Voice is a provider voice ID. Empty lets the provider choose its
	// default voice.
	Voice string

	// SampleRate is the PCM rate the caller wants in Hz. Providers convert
	// from their native rate when needed.
	SampleRate int
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize starts rendering req. The returned error is non-nil only
	// when the stream cannot be started; failures during synthesis are
	// reported by Stream.Err once Chunks is closed.
	Synthesize(ctx context.Context, req SynthesisRequest) (*Stream, error)

	// ListVoices returns the provider's current voice catalogue.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
