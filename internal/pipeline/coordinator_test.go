package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/routing"
	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	translatemock "github.com/MrWong99/parley/pkg/provider/translate/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/provider/vad"
	vadmock "github.com/MrWong99/parley/pkg/provider/vad/mock"
)

var (
	headset = audio.Device{ID: "hs", Label: "Headset", CanSource: true, CanSink: true, Class: audio.ClassHeadsetLink}
	mic     = audio.Device{ID: "mic", Label: "Phone mic", CanSource: true, Class: audio.ClassBuiltinMic}
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// memJournal records appended entries.
type memJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
	err     error
}

func (j *memJournal) Append(_ context.Context, e JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return j.err
}

func (j *memJournal) Entries() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]JournalEntry(nil), j.entries...)
}

type harness struct {
	dm      *audiomock.DeviceManager
	hw      *audiomock.Hardware
	stt     *sttmock.Provider
	tr      *translatemock.Provider
	tts     *ttsmock.Provider
	vad     *vadmock.Session
	vadEng  *vadmock.Engine
	clock   *fakeClock
	journal *memJournal
	c       *Coordinator
	extra   []Option
}

type harnessOpt func(*harness)

func withDevices(devs ...audio.Device) harnessOpt {
	return func(h *harness) { h.dm.Devices = devs }
}

func withOptions(extra ...Option) harnessOpt {
	return func(h *harness) { h.extra = append(h.extra, extra...) }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{
		dm:  &audiomock.DeviceManager{Devices: []audio.Device{headset, mic}, AutoConfirm: true},
		hw:  &audiomock.Hardware{},
		stt: &sttmock.Provider{},
		tr: &translatemock.Provider{
			Translations: map[string]string{"hello": "你好"},
			Language:     "en",
		},
		tts:     &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 0}, {2, 0}}},
		vad:     &vadmock.Session{},
		clock:   &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		journal: &memJournal{},
	}
	for _, o := range opts {
		o(h)
	}
	h.vadEng = &vadmock.Engine{Session: h.vad}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	router := routing.New(h.dm, routing.WithLogger(discard()), routing.WithMetrics(m))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = router.Run(ctx) }()
	t.Cleanup(cancel)
	waitFor(t, func() bool { return len(router.Snapshot().Devices) == len(h.dm.Devices) })

	copts := append([]Option{
		WithLogger(discard()),
		WithMetrics(m),
		WithClock(h.clock.Now),
		WithJournal(h.journal),
		WithReconnect(ReconnectConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond}),
	}, h.extra...)
	h.c = New(Deps{
		Router:     router,
		Hardware:   h.hw,
		STT:        h.stt,
		Translator: h.tr,
		TTS:        h.tts,
		VAD:        h.vadEng,
	}, copts...)
	t.Cleanup(func() { _ = h.c.Close() })
	return h
}

func sessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.TargetLanguage = "zh"
	return cfg
}

func (h *harness) start(t *testing.T, cfg SessionConfig) {
	t.Helper()
	if err := h.c.StartSession(context.Background(), cfg); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, func() bool { return len(h.stt.Started()) > 0 })
}

// frame feeds one 100 ms frame at 16 kHz into the capture input.
func (h *harness) frame(t *testing.T) {
	t.Helper()
	h.hw.Inputs()[0].Feed(make([]byte, audio.FrameSize(16000, DefaultFrameDuration)))
}

func (h *harness) final(t *testing.T, text string) {
	t.Helper()
	sessions := h.stt.Started()
	sessions[len(sessions)-1].FinalsCh <- stt.Transcript{Text: text, IsFinal: true}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, c *Coordinator, cond func(SessionState) bool) SessionState {
	t.Helper()
	var st SessionState
	waitFor(t, func() bool {
		st = c.State()
		return cond(st)
	})
	return st
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

func TestStartSession_Active(t *testing.T) {
	h := newHarness(t)
	h.start(t, sessionConfig())

	st := h.c.State()
	if st.Phase != PhaseActive {
		t.Fatalf("phase = %v, want active", st.Phase)
	}
	if st.SessionID == "" {
		t.Error("session id not set")
	}
	if !st.CaptureActive || !st.PlaybackActive || !st.TranscriptionConnected {
		t.Errorf("flags = capture %v playback %v transcription %v", st.CaptureActive, st.PlaybackActive, st.TranscriptionConnected)
	}
	if st.RouteDescription != "headset link (16 kHz)" {
		t.Errorf("route = %q", st.RouteDescription)
	}
	if st.Status != "session started (segmentation: punctuation)" {
		t.Errorf("status = %q", st.Status)
	}
	if got := h.dm.Requests(); len(got) != 1 || got[0] != "hs" {
		t.Errorf("device requests = %v, want [hs]", got)
	}

	cfg := h.stt.Calls()[0]
	if cfg.SampleRate != 16000 || cfg.Channels != 1 || cfg.Language != "" {
		t.Errorf("stream config = %+v, want 16 kHz mono auto-detect", cfg)
	}
	if out := h.hw.Outputs()[0]; out.Config.DeviceID != "hs" || out.Config.SampleRate != 16000 {
		t.Errorf("output config = %+v", out.Config)
	}
}

func TestStartSession_AlreadyActive(t *testing.T) {
	h := newHarness(t)
	h.start(t, sessionConfig())
	if err := h.c.StartSession(context.Background(), sessionConfig()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("err = %v, want ErrSessionActive", err)
	}
}

func TestStartSession_InvalidConfig(t *testing.T) {
	h := newHarness(t)
	err := h.c.StartSession(context.Background(), DefaultSessionConfig())
	if err == nil {
		t.Fatal("expected validation error")
	}
	if len(h.hw.InputRates()) != 0 {
		t.Error("hardware touched for an invalid config")
	}
	if h.c.Phase() != PhaseIdle {
		t.Errorf("phase = %v, want idle", h.c.Phase())
	}
}

func TestStartSession_NoHeadset(t *testing.T) {
	h := newHarness(t, withDevices(mic))
	err := h.c.StartSession(context.Background(), sessionConfig())
	if !errors.Is(err, routing.ErrNoDevice) || !errors.Is(err, routing.ErrRoutingFailure) {
		t.Fatalf("err = %v, want ErrNoDevice", err)
	}
	st := h.c.State()
	if st.Phase != PhaseIdle {
		t.Errorf("phase = %v, want idle", st.Phase)
	}
	if !strings.Contains(st.Status, "no suitable device") {
		t.Errorf("status = %q", st.Status)
	}
}

func TestStartSession_SwitchRejected(t *testing.T) {
	h := newHarness(t)
	h.dm.RejectRequests = true
	err := h.c.StartSession(context.Background(), sessionConfig())
	if !errors.Is(err, routing.ErrSwitchRejected) {
		t.Fatalf("err = %v, want ErrSwitchRejected", err)
	}
	if len(h.hw.InputRates()) != 0 {
		t.Error("capture opened after a failed switch")
	}
	if h.c.Phase() != PhaseIdle {
		t.Errorf("phase = %v, want idle", h.c.Phase())
	}
}

func TestStartSession_HardwareUnavailable(t *testing.T) {
	h := newHarness(t)
	h.hw.UnsupportedInputRates = map[int]bool{16000: true, 8000: true}

	err := h.c.StartSession(context.Background(), sessionConfig())
	if !errors.Is(err, capture.ErrHardwareUnavailable) {
		t.Fatalf("err = %v, want ErrHardwareUnavailable", err)
	}
	if h.c.Phase() != PhaseIdle {
		t.Errorf("phase = %v, want idle", h.c.Phase())
	}
	if h.dm.ClearCount() == 0 {
		t.Error("device selection not released")
	}
	if len(h.stt.Calls()) != 0 {
		t.Error("transcription opened without capture")
	}
}

func TestStartSession_NarrowbandLink(t *testing.T) {
	h := newHarness(t)
	h.hw.UnsupportedInputRates = map[int]bool{16000: true}
	h.start(t, sessionConfig())

	st := h.c.State()
	if st.SampleRate != 8000 || st.RouteDescription != "headset link (8 kHz)" {
		t.Errorf("rate = %d, route = %q", st.SampleRate, st.RouteDescription)
	}
	if got := h.stt.Calls()[0].SampleRate; got != 8000 {
		t.Errorf("transcription rate = %d, want 8000", got)
	}
	if got := h.hw.Outputs()[0].Config.SampleRate; got != 8000 {
		t.Errorf("playback rate = %d, want 8000", got)
	}
}

func TestStartSession_BuiltinMicWhenSplitPathSupported(t *testing.T) {
	h := newHarness(t)
	cfg := sessionConfig()
	cfg.UseHeadsetMic = false
	h.start(t, cfg)

	if got := h.hw.Inputs()[0].Config.DeviceID; got != "mic" {
		t.Errorf("input device = %q, want mic", got)
	}
	if got := h.hw.Outputs()[0].Config.DeviceID; got != "hs" {
		t.Errorf("output device = %q, want hs", got)
	}
	if st := h.c.State(); st.RouteDescription != "builtin microphone" {
		t.Errorf("route = %q", st.RouteDescription)
	}
}

func TestStartSession_BuiltinMicFallsBackToHeadset(t *testing.T) {
	h := newHarness(t, withDevices(headset))
	cfg := sessionConfig()
	cfg.UseHeadsetMic = false
	h.start(t, cfg)

	if got := h.hw.Inputs()[0].Config.DeviceID; got != "hs" {
		t.Errorf("input device = %q, want hs", got)
	}
	if st := h.c.State(); !strings.Contains(st.Status, "using headset microphone") {
		t.Errorf("status = %q, want fallback notice", st.Status)
	}
}

func TestStartSession_TranscriptionUnavailableThenRecovers(t *testing.T) {
	h := newHarness(t)
	h.stt.SetStartStreamErr(errors.New("401"))

	if err := h.c.StartSession(context.Background(), sessionConfig()); err != nil {
		t.Fatalf("remote failure must not be fatal: %v", err)
	}
	if h.c.Phase() != PhaseActive {
		t.Fatalf("phase = %v, want active", h.c.Phase())
	}
	if st := h.c.State(); st.TranscriptionConnected {
		t.Error("transcription reported connected")
	}

	h.stt.SetStartStreamErr(nil)
	st := waitState(t, h.c, func(s SessionState) bool { return s.Status == "transcription reconnected" })
	if !st.TranscriptionConnected {
		t.Error("transcription not reported connected after reconnect")
	}
}

func TestTranscriptionDrop_Reconnects(t *testing.T) {
	h := newHarness(t)
	h.start(t, sessionConfig())

	h.stt.Started()[0].Drop()
	waitFor(t, func() bool { return len(h.stt.Started()) == 2 })
	waitState(t, h.c, func(s SessionState) bool { return s.TranscriptionConnected })

	h.final(t, "hello")
	waitState(t, h.c, func(s SessionState) bool { return s.Translation == "你好" })
}

func TestVoiceResolution(t *testing.T) {
	tests := []struct {
		name   string
		hint   string
		voices []tts.VoiceProfile
		err    error
		want   string
	}{
		{name: "fuzzy match", hint: "rachel", voices: []tts.VoiceProfile{{ID: "v1", Name: "Rachel"}}, want: "v1"},
		{name: "no match uses provider default", hint: "zzz", voices: []tts.VoiceProfile{{ID: "v1", Name: "Rachel"}}, want: ""},
		{name: "catalogue failure keeps hint", hint: "rachel", err: errors.New("503"), want: "rachel"},
		{name: "no hint", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.tts.ListVoicesResult = tt.voices
			h.tts.ListVoicesErr = tt.err
			cfg := sessionConfig()
			cfg.PreferredVoice = tt.hint
			h.start(t, cfg)

			h.final(t, "hello")
			waitFor(t, func() bool { return len(h.tts.Calls()) == 1 })
			if got := h.tts.Calls()[0].Voice; got != tt.want {
				t.Errorf("voice = %q, want %q", got, tt.want)
			}
		})
	}
}

// ─── utterances ──────────────────────────────────────────────────────────────

func TestUtterance_EndToEnd(t *testing.T) {
	h := newHarness(t)
	h.start(t, sessionConfig())

	sess := h.stt.Started()[0]
	sess.PartialsCh <- stt.Transcript{Text: "hel"}
	waitState(t, h.c, func(s SessionState) bool { return s.Interim == "hel" })

	h.final(t, "hello")
	st := waitState(t, h.c, func(s SessionState) bool { return s.SynthesisConnected })
	if st.Final != "hello" || st.Interim != "" {
		t.Errorf("final = %q, interim = %q", st.Final, st.Interim)
	}
	if st.Translation != "你好" || st.DetectedLanguage != "en" {
		t.Errorf("translation = %q, detected = %q", st.Translation, st.DetectedLanguage)
	}

	calls := h.tr.Translated()
	if len(calls) != 1 || calls[0].Source != "en" || calls[0].Target != "zh" {
		t.Errorf("translate calls = %+v", calls)
	}
	req := h.tts.Calls()[0]
	if req.Text != "你好" || req.Language != "zh" || req.SampleRate != 16000 {
		t.Errorf("synthesis request = %+v", req)
	}

	out := h.hw.Outputs()[0]
	writes := waitWritten(t, out, 2)
	if !bytes.Equal(writes[0], []byte{1, 0}) || !bytes.Equal(writes[1], []byte{2, 0}) {
		t.Errorf("playback = %v, want chunks in order", writes)
	}

	waitFor(t, func() bool { return len(h.journal.Entries()) == 1 })
	e := h.journal.Entries()[0]
	if e.SessionID != st.SessionID || e.Original != "hello" || e.Translation != "你好" || e.SourceLanguage != "en" {
		t.Errorf("journal entry = %+v", e)
	}
}

func waitWritten(t *testing.T, out *audiomock.OutputStream, n int) [][]byte {
	t.Helper()
	waitFor(t, func() bool { return len(out.Writes()) >= n })
	return out.Writes()
}

func TestUtterance_LatencyMeasuredFromSpeechOnset(t *testing.T) {
	h := newHarness(t)
	h.vad.Script = []vad.VADEvent{{Type: vad.VADSpeech}, {Type: vad.VADSpeech}}
	h.tr.Translations["again"] = "nochmal"
	h.start(t, sessionConfig())
	t0 := h.clock.Now()

	h.frame(t)
	waitState(t, h.c, func(s SessionState) bool { return !s.SpeechStart.IsZero() })
	if got := h.c.State().SpeechStart; !got.Equal(t0) {
		t.Fatalf("speech start = %v, want %v", got, t0)
	}

	h.clock.Set(t0.Add(250 * time.Millisecond))
	h.final(t, "hello")
	st := waitState(t, h.c, func(s SessionState) bool { return s.LatestLatency != 0 })
	if st.LatestLatency != 250*time.Millisecond {
		t.Errorf("latency = %v, want 250ms", st.LatestLatency)
	}
	if !st.SpeechStart.IsZero() {
		t.Error("speech start marker not unset")
	}
	waitState(t, h.c, func(s SessionState) bool { return s.SynthesisConnected })

	// The second utterance is measured from its own onset.
	t1 := t0.Add(time.Second)
	h.clock.Set(t1)
	h.frame(t)
	waitState(t, h.c, func(s SessionState) bool { return s.SpeechStart.Equal(t1) })
	h.clock.Set(t1.Add(100 * time.Millisecond))
	h.final(t, "again")
	st = waitState(t, h.c, func(s SessionState) bool { return s.LatestLatency == 100*time.Millisecond })
	if !st.SpeechStart.IsZero() {
		t.Error("speech start marker not unset after second utterance")
	}
}

func TestUtterance_NoSpeechMarkerNoLatency(t *testing.T) {
	h := newHarness(t)
	h.start(t, sessionConfig())

	h.final(t, "hello")
	st := waitState(t, h.c, func(s SessionState) bool { return s.SynthesisConnected })
	if st.LatestLatency != 0 {
		t.Errorf("latency = %v, want none without a speech marker", st.LatestLatency)
	}
}

func TestUtterance_ProcessedInOrder(t *testing.T) {
	// A one-slot queue makes the final reader wait on the busy worker.
	h := newHarness(t, withOptions(WithQueueCapacity(1)))
	h.tr.Translations["one"] = "eins"
	h.tr.Translations["two"] = "zwei"
	h.tr.Translations["three"] = "drei"
	h.tts.ChunkDelay = 5 * time.Millisecond
	h.start(t, sessionConfig())

	h.final(t, "one")
	h.final(t, "two")
	h.final(t, "three")
	waitFor(t, func() bool { return len(h.tts.Calls()) == 3 })
	calls := h.tts.Calls()
	if calls[0].Text != "eins" || calls[1].Text != "zwei" || calls[2].Text != "drei" {
		t.Errorf("synthesis order = %q, %q, %q", calls[0].Text, calls[1].Text, calls[2].Text)
	}
	writes := waitWritten(t, h.hw.Outputs()[0], 6)
	if len(writes) != 6 {
		t.Errorf("writes = %d, want 6", len(writes))
	}
}

func TestUtterance_ConfiguredSourceSkipsDetection(t *testing.T) {
	h := newHarness(t)
	cfg := sessionConfig()
	cfg.AutoDetect = false
	cfg.SourceLanguage = "de"
	h.start(t, cfg)

	if got := h.stt.Calls()[0].Language; got != "de" {
		t.Errorf("transcription language = %q, want de", got)
	}
	h.final(t, "hello")
	waitFor(t, func() bool { return len(h.tr.Translated()) == 1 })
	if len(h.tr.Detected()) != 0 {
		t.Error("DetectLanguage called without auto-detect")
	}
	if got := h.tr.Translated()[0].Source; got != "de" {
		t.Errorf("source = %q, want de", got)
	}
}

func TestUtterance_DetectFailureTranslatesWithoutSource(t *testing.T) {
	h := newHarness(t)
	h.tr.DetectErr = errors.New("quota")
	h.start(t, sessionConfig())

	h.final(t, "hello")
	waitFor(t, func() bool { return len(h.tr.Translated()) == 1 })
	if got := h.tr.Translated()[0].Source; got != "" {
		t.Errorf("source = %q, want empty", got)
	}
}

func TestUtterance_TranslateFailureAbandons(t *testing.T) {
	h := newHarness(t)
	h.tr.SetTranslateErr(errors.New("quota"))
	h.start(t, sessionConfig())

	h.final(t, "hello")
	st := waitState(t, h.c, func(s SessionState) bool { return strings.Contains(s.Status, "translate failed") })
	if st.Phase != PhaseActive {
		t.Errorf("phase = %v, want active", st.Phase)
	}
	time.Sleep(20 * time.Millisecond)
	if len(h.tts.Calls()) != 0 {
		t.Error("synthesis called after a failed translation")
	}
}

func TestUtterance_FailedUtteranceReleasesOnset(t *testing.T) {
	h := newHarness(t)
	h.vad.Script = []vad.VADEvent{{Type: vad.VADSpeech}, {Type: vad.VADSpeech}}
	h.tr.SetTranslateErr(errors.New("quota"))
	h.start(t, sessionConfig())
	t0 := h.clock.Now()

	h.frame(t)
	waitState(t, h.c, func(s SessionState) bool { return s.SpeechStart.Equal(t0) })
	h.final(t, "hello")
	waitState(t, h.c, func(s SessionState) bool {
		return strings.Contains(s.Status, "translate failed") && s.SpeechStart.IsZero()
	})

	h.tr.SetTranslateErr(nil)
	t1 := t0.Add(5 * time.Second)
	h.clock.Set(t1)
	h.frame(t)
	waitState(t, h.c, func(s SessionState) bool { return s.SpeechStart.Equal(t1) })
	h.clock.Set(t1.Add(100 * time.Millisecond))
	h.final(t, "hello")
	st := waitState(t, h.c, func(s SessionState) bool { return s.LatestLatency != 0 })
	if st.LatestLatency != 100*time.Millisecond {
		t.Errorf("latency = %v, want 100ms from the second onset", st.LatestLatency)
	}
}

func TestUtterance_BlankTranslationReleasesOnset(t *testing.T) {
	h := newHarness(t)
	h.vad.Script = []vad.VADEvent{{Type: vad.VADSpeech}}
	h.start(t, sessionConfig())

	h.frame(t)
	waitState(t, h.c, func(s SessionState) bool { return !s.SpeechStart.IsZero() })
	h.final(t, "mumble")
	waitFor(t, func() bool { return len(h.journal.Entries()) == 1 })
	waitState(t, h.c, func(s SessionState) bool { return s.SpeechStart.IsZero() })
	if st := h.c.State(); st.LatestLatency != 0 {
		t.Errorf("latency = %v, want none for a skipped synthesis", st.LatestLatency)
	}
}

// syncBuffer is a bytes.Buffer safe for a logger writing from another
// goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestUtterance_LogsThroughInjectedLogger(t *testing.T) {
	var out syncBuffer
	h := newHarness(t, withOptions(WithLogger(slog.New(slog.NewTextHandler(&out, nil)))))
	h.tr.SetTranslateErr(errors.New("quota"))
	h.start(t, sessionConfig())

	h.final(t, "hello")
	waitFor(t, func() bool { return strings.Contains(out.String(), "pipeline: translation failed") })
	if got := out.String(); !strings.Contains(got, "session_id=") {
		t.Errorf("utterance log lacks the session id: %s", got)
	}
}

func TestUtterance_BlankTranslationSkipsSynthesis(t *testing.T) {
	h := newHarness(t)
	h.start(t, sessionConfig())

	h.final(t, "mumble")
	waitFor(t, func() bool { return len(h.journal.Entries()) == 1 })
	if !h.journal.Entries()[0].SynthesisSkipped {
		t.Error("entry should record the skipped synthesis")
	}
	if len(h.tts.Calls()) != 0 {
		t.Error("synthesis called for a blank translation")
	}
}

func TestUtterance_SynthesisStreamError(t *testing.T) {
	h := newHarness(t)
	h.tts.StreamErr = errors.New("voice removed")
	h.start(t, sessionConfig())

	h.final(t, "hello")
	st := waitState(t, h.c, func(s SessionState) bool { return strings.Contains(s.Status, "synthesize failed") })
	if st.SynthesisConnected {
		t.Error("synthesis reported connected after a stream error")
	}
	waitWritten(t, h.hw.Outputs()[0], 2)
}

func TestUtterance_JournalErrorIgnored(t *testing.T) {
	h := newHarness(t)
	h.journal.err = errors.New("db down")
	h.start(t, sessionConfig())

	h.final(t, "hello")
	waitState(t, h.c, func(s SessionState) bool { return s.SynthesisConnected })
	if h.c.Phase() != PhaseActive {
		t.Errorf("phase = %v, want active", h.c.Phase())
	}
}

func TestSilenceSegmentation_AwaitingFinal(t *testing.T) {
	h := newHarness(t)
	h.vad.Script = []vad.VADEvent{{Type: vad.VADSilence}}
	cfg := sessionConfig()
	cfg.Segmentation = SegmentSilence
	h.start(t, cfg)
	if st := h.c.State(); st.Status != "session started (segmentation: silence detection)" {
		t.Errorf("status = %q", st.Status)
	}

	h.stt.Started()[0].PartialsCh <- stt.Transcript{Text: "hel"}
	waitState(t, h.c, func(s SessionState) bool { return s.Interim == "hel" })
	h.frame(t)
	waitState(t, h.c, func(s SessionState) bool { return s.Status == statusAwaitingFinal })
}

func TestFramesForwardedToTranscription(t *testing.T) {
	h := newHarness(t)
	h.start(t, sessionConfig())

	h.frame(t)
	h.frame(t)
	sess := h.stt.Started()[0]
	waitFor(t, func() bool { return sess.SendAudioCallCount() == 2 })
	if got := h.vad.FrameCount(); got != 2 {
		t.Errorf("vad frames = %d, want 2", got)
	}
	if got, want := h.vad.BytesSeen(), 2*audio.FrameSize(16000, DefaultFrameDuration); got != want {
		t.Errorf("vad bytes = %d, want %d", got, want)
	}
	cfgs := h.vadEng.Configs()
	if len(cfgs) != 1 || cfgs[0].SampleRate != 16000 || cfgs[0].FrameSizeMs != int(DefaultFrameDuration.Milliseconds()) {
		t.Errorf("vad configs = %+v, want one 16 kHz session", cfgs)
	}
}

func TestTranscriptionSendFailureIsStatus(t *testing.T) {
	h := newHarness(t)
	h.start(t, sessionConfig())
	h.stt.Started()[0].FailSends(errors.New("socket gone"))

	h.frame(t)
	waitState(t, h.c, func(s SessionState) bool { return s.Status == "transcribe failed: socket gone" })
	if h.c.Phase() != PhaseActive {
		t.Errorf("phase = %v, want active", h.c.Phase())
	}
}

// ─── stop ────────────────────────────────────────────────────────────────────

func TestStopSession_DoubleStopLeavesDefaults(t *testing.T) {
	h := newHarness(t)
	h.start(t, sessionConfig())
	h.final(t, "hello")
	waitState(t, h.c, func(s SessionState) bool { return s.SynthesisConnected })

	if err := h.c.StopSession(context.Background()); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if err := h.c.StopSession(context.Background()); err != nil {
		t.Fatalf("second StopSession: %v", err)
	}
	if st := h.c.State(); st != DefaultSessionState() {
		t.Errorf("state = %+v, want defaults", st)
	}
	if !h.hw.Inputs()[0].Closed() || !h.hw.Outputs()[0].Closed() {
		t.Error("streams not closed")
	}
	if !h.stt.Started()[0].Closed() {
		t.Error("transcription not closed")
	}
	if h.dm.ClearCount() == 0 {
		t.Error("selection not cleared")
	}
	if h.vad.Closes() != 1 {
		t.Errorf("vad closed %d times, want 1", h.vad.Closes())
	}
}

func TestStopSession_IdleIsNoop(t *testing.T) {
	h := newHarness(t)
	if err := h.c.StopSession(context.Background()); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if st := h.c.State(); st != DefaultSessionState() {
		t.Errorf("state = %+v, want defaults", st)
	}
}

func TestStopSession_DuringPendingSwitch(t *testing.T) {
	h := newHarness(t)
	h.dm.AutoConfirm = false

	errc := make(chan error, 1)
	go func() { errc <- h.c.StartSession(context.Background(), sessionConfig()) }()
	waitState(t, h.c, func(s SessionState) bool { return s.Phase == PhaseRouting })
	waitFor(t, func() bool { return len(h.dm.Requests()) == 1 })

	if err := h.c.StopSession(context.Background()); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	select {
	case err := <-errc:
		if err == nil {
			t.Error("StartSession should fail when stopped mid-switch")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("StartSession did not return")
	}
	if h.c.Phase() != PhaseIdle {
		t.Errorf("phase = %v, want idle", h.c.Phase())
	}
	if len(h.hw.InputRates()) != 0 {
		t.Error("capture opened after stop")
	}
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t)
	h.start(t, sessionConfig())
	first := h.c.State().SessionID
	if err := h.c.StopSession(context.Background()); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	if err := h.c.StartSession(context.Background(), sessionConfig()); err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if id := h.c.State().SessionID; id == "" || id == first {
		t.Errorf("session id = %q, want a fresh id", id)
	}
}

func TestCaptureLoss_StopsSession(t *testing.T) {
	h := newHarness(t)
	h.start(t, sessionConfig())

	h.hw.Inputs()[0].FeedError(errors.New("link lost"))
	st := waitState(t, h.c, func(s SessionState) bool {
		return s.Phase == PhaseIdle && strings.HasPrefix(s.Status, "headset audio lost")
	})
	if st.SessionID != "" {
		t.Errorf("session id = %q after loss", st.SessionID)
	}
	if !h.hw.Outputs()[0].Closed() {
		t.Error("playback not released")
	}
}

func TestCaptureLoss_StatusArrivesWithReset(t *testing.T) {
	h := newHarness(t)
	h.start(t, sessionConfig())
	ch, cancel := h.c.Subscribe()
	defer cancel()

	h.hw.Inputs()[0].FeedError(errors.New("link lost"))
	deadline := time.After(3 * time.Second)
	for {
		select {
		case st := <-ch:
			if st.Phase != PhaseIdle {
				continue
			}
			if !strings.HasPrefix(st.Status, "headset audio lost") {
				t.Fatalf("idle snapshot status = %q, want the loss reason", st.Status)
			}
			return
		case <-deadline:
			t.Fatal("session never went idle")
		}
	}
}

func TestStartSession_FailureStatusSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	h.dm.RejectRequests = true
	if err := h.c.StartSession(context.Background(), sessionConfig()); err == nil {
		t.Fatal("rejected switch started a session")
	}
	if st := h.c.State(); !strings.HasPrefix(st.Status, "session start failed") || st.Phase != PhaseIdle {
		t.Fatalf("after failure: phase %v status %q", st.Phase, st.Status)
	}
	h.dm.RejectRequests = false
	h.start(t, sessionConfig())
	time.Sleep(20 * time.Millisecond)
	if st := h.c.State(); strings.HasPrefix(st.Status, "session start failed") {
		t.Errorf("stale failure status on the new session: %q", st.Status)
	}
}

func TestSubscribe_SeesPhases(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.c.Subscribe()
	defer cancel()
	if st := <-ch; st.Phase != PhaseIdle {
		t.Fatalf("initial phase = %v", st.Phase)
	}

	h.start(t, sessionConfig())
	select {
	case st := <-ch:
		if st.Phase == PhaseIdle {
			t.Errorf("latest snapshot after start is idle")
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after start")
	}
}
