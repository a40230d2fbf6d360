// Package mock provides in-memory mock implementations of the
// [audio.DeviceManager], [audio.Hardware], [audio.InputStream], and
// [audio.OutputStream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	headset := audio.Device{ID: "hs", CanSource: true, CanSink: true, Class: audio.ClassHeadsetLink}
//	dm := &mock.DeviceManager{Devices: []audio.Device{headset}, AutoConfirm: true}
//	hw := &mock.Hardware{UnsupportedInputRates: map[int]bool{16000: true}}
//	in, err := hw.OpenInput(ctx, audio.InputConfig{SampleRate: 8000})
//	hw.Inputs()[0].Feed(make([]byte, 1600))
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── DeviceManager ────────────────────────────────────────────────────────────

// DeviceManager is a mock implementation of [audio.DeviceManager].
// Set the exported fields before use; inspect the Call* fields after.
type DeviceManager struct {
	mu sync.Mutex

	// Devices is returned by ListDevices and included in every emitted event.
	Devices []audio.Device

	// Active is returned by ActiveDevice.
	Active *audio.Device

	// ListError is returned by ListDevices.
	ListError error

	// RequestError is returned by RequestActiveDevice.
	RequestError error

	// RejectRequests makes RequestActiveDevice report immediate rejection.
	RejectRequests bool

	// AutoConfirm makes an accepted RequestActiveDevice update Active and emit
	// an [audio.EventActiveChanged] notification, as a cooperative platform would.
	AutoConfirm bool

	// ConfirmDelay postpones the AutoConfirm notification.
	ConfirmDelay time.Duration

	// RequestCalls records the ids passed to RequestActiveDevice.
	RequestCalls []string

	// CallCountClear records how many times ClearActiveDevice was called.
	CallCountClear int

	subs   map[int]chan audio.DeviceEvent
	nextID int
}

var _ audio.DeviceManager = (*DeviceManager)(nil)

// ListDevices implements [audio.DeviceManager].
func (m *DeviceManager) ListDevices(_ context.Context) ([]audio.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListError != nil {
		return nil, m.ListError
	}
	return slices.Clone(m.Devices), nil
}

// ActiveDevice implements [audio.DeviceManager].
func (m *DeviceManager) ActiveDevice(_ context.Context) (*audio.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Active == nil {
		return nil, nil
	}
	d := *m.Active
	return &d, nil
}

// RequestActiveDevice implements [audio.DeviceManager].
func (m *DeviceManager) RequestActiveDevice(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	m.RequestCalls = append(m.RequestCalls, id)
	if m.RequestError != nil {
		err := m.RequestError
		m.mu.Unlock()
		return false, err
	}
	if m.RejectRequests {
		m.mu.Unlock()
		return false, nil
	}
	auto, delay := m.AutoConfirm, m.ConfirmDelay
	m.mu.Unlock()

	if auto {
		confirm := func() {
			m.mu.Lock()
			for i := range m.Devices {
				if m.Devices[i].ID == id {
					d := m.Devices[i]
					m.Active = &d
				}
			}
			m.mu.Unlock()
			m.Emit(audio.EventActiveChanged)
		}
		if delay > 0 {
			time.AfterFunc(delay, confirm)
		} else {
			confirm()
		}
	}
	return true, nil
}

// ClearActiveDevice implements [audio.DeviceManager]. Sets Active to nil without
// emitting a notification.
func (m *DeviceManager) ClearActiveDevice(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountClear++
	m.Active = nil
	return nil
}

// Subscribe implements [audio.DeviceManager].
func (m *DeviceManager) Subscribe() (<-chan audio.DeviceEvent, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs == nil {
		m.subs = make(map[int]chan audio.DeviceEvent)
	}
	id := m.nextID
	m.nextID++
	ch := make(chan audio.DeviceEvent, 16)
	m.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// Emit pushes a notification with the current Devices and Active to every subscriber.
func (m *DeviceManager) Emit(t audio.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := audio.DeviceEvent{Type: t, Devices: slices.Clone(m.Devices)}
	if m.Active != nil {
		d := *m.Active
		ev.Active = &d
	}
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SetDevices replaces Devices and emits [audio.EventDevicesChanged].
func (m *DeviceManager) SetDevices(devices []audio.Device) {
	m.mu.Lock()
	m.Devices = slices.Clone(devices)
	m.mu.Unlock()
	m.Emit(audio.EventDevicesChanged)
}

// SetActive replaces Active and emits [audio.EventActiveChanged].
func (m *DeviceManager) SetActive(d *audio.Device) {
	m.mu.Lock()
	m.Active = d
	m.mu.Unlock()
	m.Emit(audio.EventActiveChanged)
}

// Requests returns a copy of RequestCalls.
func (m *DeviceManager) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.RequestCalls)
}

// ClearCount returns CallCountClear.
func (m *DeviceManager) ClearCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountClear
}

// ─── InputStream ──────────────────────────────────────────────────────────────

type readResult struct {
	data []byte
	err  error
}

// InputStream is a mock implementation of [audio.InputStream]. Each call to
// Feed or FeedError supplies the result of exactly one Read.
type InputStream struct {
	mu sync.Mutex

	// Config is the configuration the stream was opened with.
	Config audio.InputConfig

	// Supported lists the effects SupportsEffect reports as available.
	Supported map[audio.Effect]bool

	// AttachErrors holds per-effect errors returned by AttachEffect.
	AttachErrors map[audio.Effect]error

	// StartError is returned by Start.
	StartError error

	// Attached records successfully attached effects in order.
	Attached []audio.Effect

	// Started reports whether Start was called successfully.
	Started bool

	// CallCountClose records how many times Close was called.
	CallCountClose int

	reads     chan readResult
	done      chan struct{}
	closeOnce sync.Once
}

var _ audio.InputStream = (*InputStream)(nil)

// NewInputStream returns a ready-to-use InputStream.
func NewInputStream(cfg audio.InputConfig) *InputStream {
	return &InputStream{
		Config: cfg,
		reads:  make(chan readResult, 256),
		done:   make(chan struct{}),
	}
}

// SupportsEffect implements [audio.InputStream].
func (s *InputStream) SupportsEffect(e audio.Effect) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Supported[e]
}

// AttachEffect implements [audio.InputStream].
func (s *InputStream) AttachEffect(e audio.Effect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.AttachErrors[e]; err != nil {
		return err
	}
	s.Attached = append(s.Attached, e)
	return nil
}

// Start implements [audio.InputStream].
func (s *InputStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartError != nil {
		return s.StartError
	}
	s.Started = true
	return nil
}

// Read implements [audio.InputStream]. It blocks until a Feed supplies data or
// the stream is closed.
func (s *InputStream) Read(p []byte) (int, error) {
	select {
	case r := <-s.reads:
		n := copy(p, r.data)
		return n, r.err
	case <-s.done:
		return 0, audio.ErrStreamClosed
	}
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Feed queues pcm as the result of the next Read.
func (s *InputStream) Feed(pcm []byte) {
	s.reads <- readResult{data: pcm}
}

// FeedError queues err as the result of the next Read.
func (s *InputStream) FeedError(err error) {
	s.reads <- readResult{err: err}
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

// AttachedEffects returns a copy of Attached.
func (s *InputStream) AttachedEffects() []audio.Effect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.Attached)
}

// ─── OutputStream ─────────────────────────────────────────────────────────────

// OutputStream is a mock implementation of [audio.OutputStream].
type OutputStream struct {
	mu sync.Mutex

	// Config is the configuration the stream was opened with.
	Config audio.OutputConfig

	// WriteError is returned by every Write when set.
	WriteError error

	// Gate, when non-nil, makes every Write wait for a value before returning.
	Gate chan struct{}

	// Written records a copy of every successfully written buffer in order.
	Written [][]byte

	// CallCountClose records how many times Close was called.
	CallCountClose int

	done      chan struct{}
	closeOnce sync.Once
}

var _ audio.OutputStream = (*OutputStream)(nil)

// NewOutputStream returns a ready-to-use OutputStream.
func NewOutputStream(cfg audio.OutputConfig) *OutputStream {
	return &OutputStream{Config: cfg, done: make(chan struct{})}
}

// Write implements [audio.OutputStream].
func (s *OutputStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	gate, werr := s.Gate, s.WriteError
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-s.done:
			return 0, audio.ErrStreamClosed
		}
	}
	if werr != nil {
		return 0, werr
	}
	select {
	case <-s.done:
		return 0, audio.ErrStreamClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Written = append(s.Written, slices.Clone(p))
	return len(p), nil
}

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// SetWriteError replaces WriteError. Thread-safe.
func (s *OutputStream) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteError = err
}

// Writes returns a copy of Written.
func (s *OutputStream) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.Written)
}

// Closed reports whether Close has been called.
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

// ─── Hardware ─────────────────────────────────────────────────────────────────

// Hardware is a mock implementation of [audio.Hardware]. Every successful open
// creates a fresh stream that tests can retrieve with Inputs or Outputs.
type Hardware struct {
	mu sync.Mutex

	// UnsupportedInputRates makes OpenInput fail with [audio.ErrUnsupportedRate]
	// for the listed rates.
	UnsupportedInputRates map[int]bool

	// OpenInputError is returned by every OpenInput when set.
	OpenInputError error

	// OpenOutputError is returned by every OpenOutput when set.
	OpenOutputError error

	// InputEffects is copied into each new InputStream's Supported set.
	InputEffects map[audio.Effect]bool

	// InputAttachErrors is copied into each new InputStream's AttachErrors.
	InputAttachErrors map[audio.Effect]error

	// InputStartError is copied into each new InputStream's StartError.
	InputStartError error

	// OutputGate is copied into each new OutputStream's Gate.
	OutputGate chan struct{}

	// InputCalls records every OpenInput configuration, including failed attempts.
	InputCalls []audio.InputConfig

	// OutputCalls records every OpenOutput configuration, including failed attempts.
	OutputCalls []audio.OutputConfig

	inputs  []*InputStream
	outputs []*OutputStream
}

var _ audio.Hardware = (*Hardware)(nil)

// OpenInput implements [audio.Hardware].
func (h *Hardware) OpenInput(_ context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.InputCalls = append(h.InputCalls, cfg)
	if h.OpenInputError != nil {
		return nil, h.OpenInputError
	}
	if h.UnsupportedInputRates[cfg.SampleRate] {
		return nil, fmt.Errorf("mock: %w: %d", audio.ErrUnsupportedRate, cfg.SampleRate)
	}
	s := NewInputStream(cfg)
	s.Supported = h.InputEffects
	s.AttachErrors = h.InputAttachErrors
	s.StartError = h.InputStartError
	h.inputs = append(h.inputs, s)
	return s, nil
}

// OpenOutput implements [audio.Hardware].
func (h *Hardware) OpenOutput(_ context.Context, cfg audio.OutputConfig) (audio.OutputStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.OutputCalls = append(h.OutputCalls, cfg)
	if h.OpenOutputError != nil {
		return nil, h.OpenOutputError
	}
	s := NewOutputStream(cfg)
	s.Gate = h.OutputGate
	h.outputs = append(h.outputs, s)
	return s, nil
}

// Inputs returns the streams created by OpenInput in order.
func (h *Hardware) Inputs() []*InputStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.inputs)
}

// Outputs returns the streams created by OpenOutput in order.
func (h *Hardware) Outputs() []*OutputStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.outputs)
}

// InputRates returns the sample rates of every OpenInput attempt in order.
func (h *Hardware) InputRates() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	rates := make([]int, len(h.InputCalls))
	for i, c := range h.InputCalls {
		rates[i] = c.SampleRate
	}
	return rates
}
