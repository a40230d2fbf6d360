package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
)

var (
	headset = audio.Device{ID: "hs", Label: "Buds", CanSource: true, CanSink: true, Class: audio.ClassHeadsetLink}
	mic     = audio.Device{ID: "mic", Label: "Phone", CanSource: true, Class: audio.ClassBuiltinMic}
	speaker = audio.Device{ID: "spk", Label: "Speaker", CanSink: true, Class: audio.ClassOther}
)

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// startRouter runs a Router over dm until the test ends.
func startRouter(t *testing.T, dm *audiomock.DeviceManager, opts ...Option) *Router {
	t.Helper()
	if len(opts) == 0 {
		m, _ := newTestMetrics(t)
		opts = append(opts, WithMetrics(m))
	}
	r := New(dm, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitFor(t, func() bool { return len(r.Snapshot().Devices) == len(dm.Devices) })
	return r
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

func TestRun_TracksNotifications(t *testing.T) {
	dm := &audiomock.DeviceManager{Devices: []audio.Device{headset}}
	r := startRouter(t, dm)

	snaps, cancel := r.Subscribe()
	defer cancel()

	dm.SetDevices([]audio.Device{headset, mic})
	waitFor(t, func() bool { return len(r.Snapshot().Devices) == 2 })

	select {
	case s := <-snaps:
		if len(s.Devices) != 2 || !s.SplitPath {
			t.Errorf("snapshot = %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}

	dm.SetActive(&headset)
	waitFor(t, func() bool { return r.Snapshot().Selected("hs") })
}

func TestSelectDevice_Confirmed(t *testing.T) {
	dm := &audiomock.DeviceManager{Devices: []audio.Device{headset, mic}, AutoConfirm: true, ConfirmDelay: 10 * time.Millisecond}
	m, reader := newTestMetrics(t)
	r := startRouter(t, dm, WithMetrics(m))

	if err := r.SelectDevice(context.Background(), headset, time.Second); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	if s := r.Snapshot(); s.Current == nil || s.Current.ID != "hs" {
		t.Errorf("current = %+v", s.Current)
	}
	if got := dm.Requests(); len(got) != 1 || got[0] != "hs" {
		t.Errorf("requests = %v", got)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "parley.device.switch.duration" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Histogram[float64]).DataPoints {
				if v, _ := dp.Attributes.Value("outcome"); v.AsString() == "confirmed" && dp.Count == 1 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("confirmed switch not recorded")
	}
}

func TestSelectDevice_AlreadyActive(t *testing.T) {
	dm := &audiomock.DeviceManager{Devices: []audio.Device{headset}, Active: &headset}
	r := startRouter(t, dm)
	waitFor(t, func() bool { return r.Snapshot().Selected("hs") })

	if err := r.SelectDevice(context.Background(), headset, 50*time.Millisecond); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	if n := len(dm.Requests()); n != 0 {
		t.Errorf("requests = %d, want none for the active device", n)
	}
}

func TestSelectDevice_Rejected(t *testing.T) {
	dm := &audiomock.DeviceManager{Devices: []audio.Device{headset}, RejectRequests: true}
	r := startRouter(t, dm)

	err := r.SelectDevice(context.Background(), headset, time.Second)
	if !errors.Is(err, ErrSwitchRejected) || !errors.Is(err, ErrRoutingFailure) {
		t.Fatalf("err = %v, want ErrSwitchRejected wrapping ErrRoutingFailure", err)
	}
}

func TestSelectDevice_RequestError(t *testing.T) {
	boom := errors.New("platform gone")
	dm := &audiomock.DeviceManager{Devices: []audio.Device{headset}, RequestError: boom}
	r := startRouter(t, dm)

	err := r.SelectDevice(context.Background(), headset, time.Second)
	if !errors.Is(err, ErrRoutingFailure) || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestSelectDevice_TimeoutThenNextCallNotBlocked(t *testing.T) {
	dm := &audiomock.DeviceManager{Devices: []audio.Device{headset, mic}}
	r := startRouter(t, dm)

	start := time.Now()
	err := r.SelectDevice(context.Background(), headset, 50*time.Millisecond)
	if !errors.Is(err, ErrSwitchTimeout) {
		t.Fatalf("err = %v, want ErrSwitchTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}

	dm.AutoConfirm = true
	done := make(chan error, 1)
	go func() { done <- r.SelectDevice(context.Background(), headset, time.Second) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second SelectDevice: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("second SelectDevice blocked by the stale request")
	}
}

func TestSelectDevice_Superseded(t *testing.T) {
	dm := &audiomock.DeviceManager{Devices: []audio.Device{headset, mic}}
	r := startRouter(t, dm)

	first := make(chan error, 1)
	go func() { first <- r.SelectDevice(context.Background(), mic, 5*time.Second) }()
	waitFor(t, func() bool { return len(dm.Requests()) == 1 })

	second := make(chan error, 1)
	go func() { second <- r.SelectDevice(context.Background(), headset, 5*time.Second) }()

	select {
	case err := <-first:
		if !errors.Is(err, ErrSwitchSuperseded) {
			t.Errorf("first = %v, want ErrSwitchSuperseded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first switch was not superseded")
	}

	waitFor(t, func() bool { return len(dm.Requests()) == 2 })
	dm.SetActive(&headset)
	if err := <-second; err != nil {
		t.Errorf("second = %v", err)
	}
}

func TestSelectDevice_ContextCancelled(t *testing.T) {
	dm := &audiomock.DeviceManager{Devices: []audio.Device{headset}}
	r := startRouter(t, dm)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.SelectDevice(ctx, headset, time.Minute)
	if !errors.Is(err, ErrRoutingFailure) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

func TestClearSelection(t *testing.T) {
	dm := &audiomock.DeviceManager{Devices: []audio.Device{headset}, Active: &headset}
	r := startRouter(t, dm)

	pending := make(chan error, 1)
	go func() { pending <- r.SelectDevice(context.Background(), audio.Device{ID: "other"}, time.Minute) }()
	waitFor(t, func() bool { return len(dm.Requests()) == 1 })

	r.ClearSelection(context.Background())
	if dm.ClearCount() != 1 {
		t.Errorf("ClearActiveDevice calls = %d, want 1", dm.ClearCount())
	}
	if err := <-pending; !errors.Is(err, ErrSwitchSuperseded) {
		t.Errorf("pending switch = %v, want ErrSwitchSuperseded", err)
	}
}

func TestLookups(t *testing.T) {
	tests := []struct {
		name    string
		devices []audio.Device
		split   bool
		headset bool
	}{
		{"headset and mic", []audio.Device{speaker, mic, headset}, true, true},
		{"headset only", []audio.Device{headset}, false, true},
		{"mic only", []audio.Device{mic}, false, false},
		{"headset cannot sink", []audio.Device{{ID: "x", Class: audio.ClassHeadsetLink, CanSource: true}, mic}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dm := &audiomock.DeviceManager{Devices: tt.devices}
			r := New(dm)
			if err := r.Refresh(context.Background()); err != nil {
				t.Fatalf("Refresh: %v", err)
			}
			if got := r.SupportsSplitPath(); got != tt.split {
				t.Errorf("SupportsSplitPath = %v, want %v", got, tt.split)
			}
			if _, ok := r.FindFirstMatching(audio.ClassHeadsetLink); ok != tt.headset {
				t.Errorf("FindFirstMatching(headset) ok = %v, want %v", ok, tt.headset)
			}
		})
	}
}

func TestRefresh_Error(t *testing.T) {
	dm := &audiomock.DeviceManager{ListError: errors.New("denied")}
	if err := New(dm).Refresh(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		dev  *audio.Device
		rate int
		want string
	}{
		{nil, 16000, "not connected"},
		{&headset, 16000, "headset link (16 kHz)"},
		{&headset, 8000, "headset link (8 kHz)"},
		{&mic, 16000, "builtin microphone"},
		{&speaker, 0, "Speaker"},
	}
	for _, tt := range tests {
		if got := Describe(tt.dev, tt.rate); got != tt.want {
			t.Errorf("Describe(%v, %d) = %q, want %q", tt.dev, tt.rate, got, tt.want)
		}
	}
}
