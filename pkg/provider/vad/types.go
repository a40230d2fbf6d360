package vad

// VADEvent represents a voice activity verdict for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Energy is the measured frame energy in the engine's native scale.
	Energy float64
}

// VADEventType enumerates VAD verdicts.
type VADEventType int

const (
	// VADUndecided means the frame did not complete a speech or silence run.
	VADUndecided VADEventType = iota

	// VADSpeech means enough consecutive speech-like frames have been seen.
	VADSpeech

	// VADSilence means enough consecutive non-speech frames have been seen.
	VADSilence
)

// String returns the human-readable name of the verdict.
func (t VADEventType) String() string {
	switch t {
	case VADSpeech:
		return "speech"
	case VADSilence:
		return "silence"
	default:
		return "undecided"
	}
}
