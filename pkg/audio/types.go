package audio

import (
	"errors"
	"fmt"
	"time"
)

// BytesPerSample is the width of one linear 16-bit PCM sample.
const BytesPerSample = 2

// DefaultFrameDuration is the capture frame length used when a session does
// not configure one.
const DefaultFrameDuration = 100 * time.Millisecond

// ErrFrameSize is returned by [AudioFrame.Validate] when the payload length
// does not match the frame's sample rate and duration.
var ErrFrameSize = errors.New("audio: frame length does not match rate and duration")

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport, captured from the headset
// input, classified by the VAD, streamed to transcription, and rendered by
// playback. A frame is never modified after it has been emitted.
type AudioFrame struct {
	// Data is linear 16-bit little-endian PCM.
	Data []byte

	// SampleRate in Hz (16000 for wideband links, 8000 for narrowband).
	SampleRate int

	// Channels is always 1 for headset audio.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// FrameSize returns the byte length of a mono 16-bit frame of duration d at
// sampleRate, computed as sampleRate/1000 × milliseconds × 2.
func FrameSize(sampleRate int, d time.Duration) int {
	return sampleRate / 1000 * int(d/time.Millisecond) * BytesPerSample
}

// Duration returns the playback length of the frame's payload.
func (f AudioFrame) Duration() time.Duration {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Data) / (BytesPerSample * ch)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Validate reports whether the frame carries exactly d worth of mono samples.
func (f AudioFrame) Validate(d time.Duration) error {
	if want := FrameSize(f.SampleRate, d); len(f.Data) != want {
		return fmt.Errorf("%w: got %d bytes, want %d at %d Hz / %s", ErrFrameSize, len(f.Data), want, f.SampleRate, d)
	}
	return nil
}
