package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
)

const frameDur = 20 * time.Millisecond

// recorder collects frames and rate callbacks.
type recorder struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
	rates  []int
}

func (r *recorder) frame(f audio.AudioFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) rate(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates = append(r.rates, v)
}

func (r *recorder) snapshot() ([]audio.AudioFrame, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.frames), slices.Clone(r.rates)
}

func newCapture(t *testing.T, hw audio.Hardware, cfg Config, rec *recorder) (*Capture, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = frameDur
	}
	c := New(hw, cfg,
		WithFrameHandler(rec.frame),
		WithRateChanged(rec.rate),
		WithMetrics(m),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	t.Cleanup(c.Stop)
	return c, reader
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestStart_WidebandFrames(t *testing.T) {
	hw := &audiomock.Hardware{}
	rec := &recorder{}
	c, reader := newCapture(t, hw, Config{DeviceID: "hs"}, rec)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.SampleRate() != 16000 {
		t.Errorf("SampleRate = %d, want 16000", c.SampleRate())
	}
	in := hw.Inputs()[0]
	if in.Config.DeviceID != "hs" {
		t.Errorf("device = %q", in.Config.DeviceID)
	}

	size := audio.FrameSize(16000, frameDur)
	in.Feed(make([]byte, size))
	in.Feed(make([]byte, size))
	waitFor(t, func() bool { f, _ := rec.snapshot(); return len(f) == 2 })

	frames, rates := rec.snapshot()
	if !slices.Equal(rates, []int{16000}) {
		t.Errorf("rate callbacks = %v, want [16000]", rates)
	}
	for i, f := range frames {
		if err := f.Validate(frameDur); err != nil {
			t.Errorf("frame %d: %v", i, err)
		}
		if want := time.Duration(i) * frameDur; f.Timestamp != want {
			t.Errorf("frame %d timestamp = %v, want %v", i, f.Timestamp, want)
		}
	}
	if got := counter(t, reader, "parley.capture.frames"); got != 2 {
		t.Errorf("capture.frames = %d, want 2", got)
	}
}

func TestStart_FallsBackToNarrowband(t *testing.T) {
	hw := &audiomock.Hardware{UnsupportedInputRates: map[int]bool{16000: true}}
	rec := &recorder{}
	c, _ := newCapture(t, hw, Config{}, rec)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := hw.InputRates(); !slices.Equal(got, []int{16000, 8000}) {
		t.Errorf("attempted rates = %v", got)
	}
	_, rates := rec.snapshot()
	if !slices.Equal(rates, []int{8000}) {
		t.Errorf("rate callbacks = %v, want [8000]", rates)
	}

	in := hw.Inputs()[0]
	in.Feed(make([]byte, audio.FrameSize(8000, frameDur)))
	waitFor(t, func() bool { f, _ := rec.snapshot(); return len(f) == 1 })
	if f, _ := rec.snapshot(); f[0].SampleRate != 8000 || len(f[0].Data) != 320 {
		t.Errorf("frame = %d Hz, %d bytes", f[0].SampleRate, len(f[0].Data))
	}
}

func TestStart_AllRatesFail(t *testing.T) {
	hw := &audiomock.Hardware{UnsupportedInputRates: map[int]bool{16000: true, 8000: true}}
	rec := &recorder{}
	c, _ := newCapture(t, hw, Config{}, rec)

	err := c.Start(context.Background())
	if !errors.Is(err, ErrHardwareUnavailable) {
		t.Fatalf("err = %v, want ErrHardwareUnavailable", err)
	}
	if !errors.Is(err, audio.ErrUnsupportedRate) {
		t.Errorf("err = %v, want the per-rate causes joined", err)
	}
	if got := hw.InputRates(); !slices.Equal(got, []int{16000, 8000}) {
		t.Errorf("attempted rates = %v, want exactly one 8 kHz attempt after 16 kHz", got)
	}
	frames, rates := rec.snapshot()
	if len(frames) != 0 || len(rates) != 0 {
		t.Errorf("frames = %d, rate callbacks = %v; want none", len(frames), rates)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done should be closed after a failed Start")
	}
}

func TestStart_InputStartFails(t *testing.T) {
	hw := &audiomock.Hardware{InputStartError: errors.New("busy")}
	c, _ := newCapture(t, hw, Config{}, &recorder{})

	if err := c.Start(context.Background()); !errors.Is(err, ErrHardwareUnavailable) {
		t.Fatalf("err = %v, want ErrHardwareUnavailable", err)
	}
	if !hw.Inputs()[0].Closed() {
		t.Error("input handle not released after Start failure")
	}
}

func TestStart_Twice(t *testing.T) {
	c, _ := newCapture(t, &audiomock.Hardware{}, Config{}, &recorder{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestConditioning(t *testing.T) {
	hw := &audiomock.Hardware{
		InputEffects: map[audio.Effect]bool{
			audio.EffectEchoCancellation: true,
			audio.EffectAutoGain:         true,
		},
		InputAttachErrors: map[audio.Effect]error{audio.EffectAutoGain: errors.New("agc broken")},
	}
	c, _ := newCapture(t, hw, Config{Conditioning: Conditioning{EchoCancellation: true, NoiseSuppression: true, AutoGain: true}}, &recorder{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start must ignore conditioning failures: %v", err)
	}
	got := hw.Inputs()[0].AttachedEffects()
	if !slices.Equal(got, []audio.Effect{audio.EffectEchoCancellation}) {
		t.Errorf("attached = %v, want only aec", got)
	}
}

func TestConditioning_Effects(t *testing.T) {
	all := Conditioning{EchoCancellation: true, NoiseSuppression: true, AutoGain: true}.Effects()
	if len(all) != 3 || all[0] != audio.EffectEchoCancellation || all[2] != audio.EffectAutoGain {
		t.Errorf("Effects = %v", all)
	}
	if got := (Conditioning{}).Effects(); len(got) != 0 {
		t.Errorf("empty conditioning = %v", got)
	}
}

func TestShortReadsDiscarded(t *testing.T) {
	hw := &audiomock.Hardware{}
	rec := &recorder{}
	c, reader := newCapture(t, hw, Config{}, rec)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	in := hw.Inputs()[0]
	size := audio.FrameSize(16000, frameDur)
	in.Feed(make([]byte, size/2))
	in.Feed(make([]byte, size))
	waitFor(t, func() bool { f, _ := rec.snapshot(); return len(f) == 1 })

	if f, _ := rec.snapshot(); f[0].Timestamp != 0 {
		t.Errorf("first full frame timestamp = %v, want 0", f[0].Timestamp)
	}
	if got := counter(t, reader, "parley.capture.short_reads"); got != 1 {
		t.Errorf("short_reads = %d, want 1", got)
	}
}

func TestReadError_EndsLoop(t *testing.T) {
	hw := &audiomock.Hardware{}
	c, _ := newCapture(t, hw, Config{}, &recorder{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	boom := errors.New("link lost")
	hw.Inputs()[0].FeedError(boom)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not end on read error")
	}
	if !errors.Is(c.Err(), boom) {
		t.Errorf("Err = %v, want %v", c.Err(), boom)
	}
	if !hw.Inputs()[0].Closed() {
		t.Error("input not closed after read error")
	}
}

func TestStop_Idempotent(t *testing.T) {
	hw := &audiomock.Hardware{}
	c, _ := newCapture(t, hw, Config{}, &recorder{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.Stop()
	c.Stop()
	if !hw.Inputs()[0].Closed() {
		t.Error("input not closed")
	}
	if c.Err() != nil {
		t.Errorf("Err after Stop = %v, want nil", c.Err())
	}
}

func TestStop_BeforeStart(t *testing.T) {
	c, _ := newCapture(t, &audiomock.Hardware{}, Config{}, &recorder{})
	c.Stop()
	select {
	case <-c.Done():
	default:
		t.Error("Done should be closed")
	}
}

// stopDuringOpen runs stop after the inner hardware has opened a stream, so
// Stop lands while Start is still in flight.
type stopDuringOpen struct {
	*audiomock.Hardware
	stop func()
}

func (h *stopDuringOpen) OpenInput(ctx context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	in, err := h.Hardware.OpenInput(ctx, cfg)
	h.stop()
	return in, err
}

func TestStop_DuringStartReleasesInput(t *testing.T) {
	hw := &stopDuringOpen{Hardware: &audiomock.Hardware{}}
	c, _ := newCapture(t, hw, Config{}, &recorder{})
	hw.stop = c.Stop

	if err := c.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start = %v, want ErrStopped", err)
	}
	inputs := hw.Inputs()
	if len(inputs) != 1 || !inputs[0].Closed() {
		t.Fatalf("opened inputs = %d, want one closed input", len(inputs))
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done should be closed")
	}
	if c.SampleRate() != 0 {
		t.Errorf("SampleRate = %d, want 0", c.SampleRate())
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	hw := &audiomock.Hardware{}
	c, _ := newCapture(t, hw, Config{}, &recorder{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	// The mock read only returns once fed or closed.
	hw.Inputs()[0].Feed(make([]byte, 10))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not end on context cancel")
	}
	if c.Err() != nil {
		t.Errorf("Err = %v, want nil on cancellation", c.Err())
	}
}
