// Package stt is the contract between the translation pipeline and a
// streaming speech recognition service.
//
// A session is fed headset PCM as it is captured and answers on two channels:
// partials, which are rewritten as recognition firms up and only ever reach
// the screen, and finals, which are committed text and start a translation.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SendAudio once the session has ended.
var ErrSessionClosed = errors.New("stt: session is closed")

// Transcript is one recognition result.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence in [0, 1]. Zero when the service does not report one.
	Confidence float64

	// Language detected by the service, if it reports one.
	Language string

	// Timestamp is the utterance start relative to the start of the stream.
	Timestamp time.Duration
	Duration  time.Duration
}

// StreamConfig is the audio format and language hint for a session.
type StreamConfig struct {
	// SampleRate is 16000 on wideband links and 8000 on narrowband ones.
	SampleRate int
	Channels   int

	// Language is a BCP-47 tag. Empty lets the service detect it.
	Language string
}

// SessionHandle is one open transcription stream. Methods are safe for
// concurrent use; Close is idempotent.
type SessionHandle interface {
	// SendAudio queues little-endian 16-bit PCM in the negotiated format.
	SendAudio(chunk []byte) error

	// Partials and Finals are closed when the session ends, whether by Close
	// or because the service dropped the connection.
	Partials() <-chan Transcript
	Finals() <-chan Transcript

	Close() error
}

// Provider opens transcription sessions. The caller owns the returned handle
// and must Close it.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
