package energy_test

import (
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/provider/vad/energy"
)

// frame builds a 100 ms 16 kHz frame of constant magnitude.
func frame(amplitude int16) []byte {
	samples := make([]int16, 1600)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return audio.PCMBytes(samples)
}

var (
	loud  = frame(5000)
	quiet = frame(100)
	edge  = frame(energy.DefaultThreshold)
)

func TestIsSpeech_RequiresConsecutiveRun(t *testing.T) {
	t.Parallel()
	d := energy.NewDetector(energy.Config{})
	for i := 1; i < energy.DefaultSpeechFrames; i++ {
		if d.IsSpeech(loud) {
			t.Fatalf("frame %d: speech reported before %d consecutive frames", i, energy.DefaultSpeechFrames)
		}
	}
	if !d.IsSpeech(loud) {
		t.Fatalf("frame %d: expected speech", energy.DefaultSpeechFrames)
	}
	if !d.IsSpeech(loud) {
		t.Fatal("speech should persist while the run continues")
	}
}

func TestIsSpeech_ResetByNonSpeechFrame(t *testing.T) {
	t.Parallel()
	d := energy.NewDetector(energy.Config{})
	// 2 speech-like, 1 silence-like, 3 speech-like.
	seq := [][]byte{loud, loud, quiet, loud, loud, loud}
	want := []bool{false, false, false, false, false, true}
	for i, f := range seq {
		if got := d.IsSpeech(f); got != want[i] {
			t.Errorf("frame %d: IsSpeech = %v, want %v", i+1, got, want[i])
		}
	}
}

func TestIsSpeech_ThresholdIsExclusive(t *testing.T) {
	t.Parallel()
	d := energy.NewDetector(energy.Config{SpeechFrames: 1})
	if d.IsSpeech(edge) {
		t.Error("a frame exactly at the threshold must not be speech-like")
	}
	if !d.IsSpeech(frame(energy.DefaultThreshold + 1)) {
		t.Error("a frame above the threshold should be speech-like")
	}
}

func TestIsSilence(t *testing.T) {
	t.Parallel()
	d := energy.NewDetector(energy.Config{})
	for i := 1; i < energy.DefaultSilenceFrames; i++ {
		d.IsSpeech(quiet)
		if d.IsSilence() {
			t.Fatalf("frame %d: silence reported too early", i)
		}
	}
	d.IsSpeech(quiet)
	if !d.IsSilence() {
		t.Fatal("expected silence after the required run")
	}
	d.IsSpeech(loud)
	if d.IsSilence() {
		t.Error("a speech-like frame must reset the silence run")
	}
}

func TestProcessFrame_Verdicts(t *testing.T) {
	t.Parallel()
	d := energy.NewDetector(energy.Config{SpeechFrames: 2, SilenceFrames: 2})
	seq := [][]byte{loud, loud, quiet, quiet}
	want := []vad.VADEventType{vad.VADUndecided, vad.VADSpeech, vad.VADUndecided, vad.VADSilence}
	for i, f := range seq {
		ev, err := d.ProcessFrame(f)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if ev.Type != want[i] {
			t.Errorf("frame %d: got %v, want %v", i, ev.Type, want[i])
		}
	}
}

func TestProcessFrame_OddLength(t *testing.T) {
	t.Parallel()
	d := energy.NewDetector(energy.Config{})
	if _, err := d.ProcessFrame([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for odd-length frame")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	d := energy.NewDetector(energy.Config{})
	d.IsSpeech(loud)
	d.IsSpeech(loud)
	d.Reset()
	if d.IsSpeech(loud) {
		t.Error("speech run should restart after Reset")
	}
}

func TestEngine_NewSession(t *testing.T) {
	t.Parallel()
	e := energy.New(energy.WithDefaults(energy.Config{Threshold: 50}))
	h, err := e.NewSession(vad.Config{SpeechFrames: 1})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ev, _ := h.ProcessFrame(quiet)
	if ev.Type != vad.VADSpeech {
		t.Errorf("threshold from engine defaults not applied: got %v", ev.Type)
	}
	if _, err := e.NewSession(vad.Config{SpeechFrames: -1}); err == nil {
		t.Error("expected error for negative tuning")
	}
}

func TestEngine_SetDefaultsAppliesToNewSessions(t *testing.T) {
	t.Parallel()
	e := energy.New()
	before, _ := e.NewSession(vad.Config{SpeechFrames: 1})
	e.SetDefaults(energy.Config{Threshold: 50, SpeechFrames: 1})
	after, _ := e.NewSession(vad.Config{})

	if ev, _ := before.ProcessFrame(quiet); ev.Type == vad.VADSpeech {
		t.Error("running session picked up new defaults")
	}
	if ev, _ := after.ProcessFrame(quiet); ev.Type != vad.VADSpeech {
		t.Errorf("new session ignored new defaults: got %v", ev.Type)
	}
}
