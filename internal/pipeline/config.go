package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/routing"
)

// Segmentation selects how utterance boundaries are reported.
type Segmentation string

const (
	// SegmentPunctuation relies on the transcription service's finals.
	SegmentPunctuation Segmentation = "punctuation"

	// SegmentSilence additionally reports confirmed silence while waiting
	// for a final.
	SegmentSilence Segmentation = "silence"
)

// Describe returns the wording used in the session-start status.
func (s Segmentation) Describe() string {
	switch s {
	case SegmentSilence:
		return "silence detection"
	default:
		return "punctuation"
	}
}

// DefaultFrameDuration is the capture frame length of a session.
const DefaultFrameDuration = 100 * time.Millisecond

// SessionConfig is the immutable configuration of one session.
type SessionConfig struct {
	FrameDuration  time.Duration        `json:"frame_duration"`
	Conditioning   capture.Conditioning `json:"conditioning"`
	SourceLanguage string               `json:"source_language"`
	// AutoDetect wins over SourceLanguage.
	AutoDetect     bool          `json:"auto_detect"`
	TargetLanguage string        `json:"target_language"`
	PreferredVoice string        `json:"preferred_voice"`
	Segmentation   Segmentation  `json:"segmentation"`
	UseHeadsetMic  bool          `json:"use_headset_mic"`
	SwitchTimeout  time.Duration `json:"switch_timeout"`
}

// DefaultSessionConfig returns the built-in defaults. TargetLanguage has no
// default and must be set.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		FrameDuration: DefaultFrameDuration,
		Conditioning: capture.Conditioning{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGain:         true,
		},
		AutoDetect:    true,
		Segmentation:  SegmentPunctuation,
		UseHeadsetMic: true,
		SwitchTimeout: routing.DefaultSwitchTimeout,
	}
}

// Validate reports every problem in c.
func (c SessionConfig) Validate() error {
	var errs []error
	if c.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("frame duration must be positive, got %s", c.FrameDuration))
	}
	if strings.TrimSpace(c.TargetLanguage) == "" {
		errs = append(errs, errors.New("target language is required"))
	}
	if !c.AutoDetect && strings.TrimSpace(c.SourceLanguage) == "" {
		errs = append(errs, errors.New("source language is required unless auto-detect is on"))
	}
	switch c.Segmentation {
	case "", SegmentPunctuation, SegmentSilence:
	default:
		errs = append(errs, fmt.Errorf("unknown segmentation %q", c.Segmentation))
	}
	if c.SwitchTimeout < 0 {
		errs = append(errs, fmt.Errorf("switch timeout must not be negative, got %s", c.SwitchTimeout))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// sourceLanguage returns the language passed to transcription: empty for
// auto-detect.
func (c SessionConfig) sourceLanguage() string {
	if c.AutoDetect {
		return ""
	}
	return c.SourceLanguage
}
