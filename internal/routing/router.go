// Package routing tracks the headset's audio endpoints and performs
// confirmed device switches.
//
// A [Router] caches the device set and the active communication device from
// the push notifications of an [audio.DeviceManager]. [Router.SelectDevice]
// asks the platform to switch and then waits until a notification confirms
// the new active device, a timeout expires, or a newer request supersedes it.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultSwitchTimeout bounds a switch when the caller passes no timeout.
const DefaultSwitchTimeout = 30 * time.Second

// ErrRoutingFailure is the parent of every routing error.
var ErrRoutingFailure = errors.New("routing: failure")

var (
	// ErrNoDevice means no endpoint of the required class is available.
	ErrNoDevice = fmt.Errorf("%w: no suitable device", ErrRoutingFailure)

	// ErrSwitchRejected means the platform refused the switch immediately.
	ErrSwitchRejected = fmt.Errorf("%w: switch rejected", ErrRoutingFailure)

	// ErrSwitchTimeout means no confirming notification arrived in time.
	ErrSwitchTimeout = fmt.Errorf("%w: switch not confirmed in time", ErrRoutingFailure)

	// ErrSwitchSuperseded means a newer SelectDevice call replaced this one.
	ErrSwitchSuperseded = fmt.Errorf("%w: switch superseded", ErrRoutingFailure)
)

// Snapshot is an immutable view of the routing state.
type Snapshot struct {
	// Devices is the full device set from the latest notification.
	Devices []audio.Device

	// Current is the active communication device, or nil.
	Current *audio.Device

	// SplitPath reports whether input can come from the builtin mic while
	// output stays on the headset link.
	SplitPath bool
}

// Selected reports whether id is the active device.
func (s Snapshot) Selected(id string) bool {
	return s.Current != nil && s.Current.ID == id
}

// Option configures a [Router].
type Option func(*Router)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// pendingSwitch is the single in-flight SelectDevice request.
type pendingSwitch struct {
	target     string
	confirmed  chan struct{}
	superseded chan struct{}
}

// Router is the device router. It is safe for concurrent use.
type Router struct {
	mgr     audio.DeviceManager
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	devices []audio.Device
	current *audio.Device
	pending *pendingSwitch
	subs    map[int]chan Snapshot
	nextSub int
}

// New creates a Router over mgr. Call [Router.Run] to start consuming
// notifications.
func New(mgr audio.DeviceManager, opts ...Option) *Router {
	r := &Router{
		mgr:  mgr,
		log:  slog.Default(),
		subs: make(map[int]chan Snapshot),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Run loads the initial state and applies push notifications until ctx ends.
func (r *Router) Run(ctx context.Context) error {
	events, cancel := r.mgr.Subscribe()
	defer cancel()

	if err := r.Refresh(ctx); err != nil {
		r.log.Warn("routing: initial refresh failed", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.log.Debug("routing: device event", "type", ev.Type, "devices", len(ev.Devices), "active", activeID(ev.Active))
			r.apply(ev.Devices, ev.Active)
		}
	}
}

// Refresh re-reads the device set and the active device.
func (r *Router) Refresh(ctx context.Context) error {
	devices, err := r.mgr.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("routing: list devices: %w", err)
	}
	active, err := r.mgr.ActiveDevice(ctx)
	if err != nil {
		return fmt.Errorf("routing: active device: %w", err)
	}
	r.apply(devices, active)
	return nil
}

func (r *Router) apply(devices []audio.Device, active *audio.Device) {
	r.mu.Lock()
	r.devices = slices.Clone(devices)
	r.current = nil
	if active != nil {
		d := *active
		r.current = &d
	}
	if p := r.pending; p != nil && r.current != nil && r.current.ID == p.target {
		close(p.confirmed)
		r.pending = nil
	}
	snap := r.snapshotLocked()
	for _, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
	r.mu.Unlock()
}

// SelectDevice switches the active communication device to target and waits
// for confirmation. timeout <= 0 means [DefaultSwitchTimeout]. A call made
// while another is in flight supersedes it.
func (r *Router) SelectDevice(ctx context.Context, target audio.Device, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultSwitchTimeout
	}
	start := time.Now()
	p := &pendingSwitch{
		target:     target.ID,
		confirmed:  make(chan struct{}),
		superseded: make(chan struct{}),
	}

	r.mu.Lock()
	if r.pending != nil {
		close(r.pending.superseded)
	}
	r.pending = p
	if r.current != nil && r.current.ID == target.ID {
		r.pending = nil
		r.mu.Unlock()
		r.log.Debug("routing: device already active", "device", target.ID)
		return nil
	}
	r.mu.Unlock()
	defer r.clearPending(p)

	outcome := "error"
	defer func() { r.metrics.RecordDeviceSwitch(ctx, outcome, time.Since(start)) }()

	accepted, err := r.mgr.RequestActiveDevice(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("%w: request %q: %w", ErrRoutingFailure, target.ID, err)
	}
	if !accepted {
		outcome = "rejected"
		return fmt.Errorf("routing: select %q: %w", target.ID, ErrSwitchRejected)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.confirmed:
		outcome = "confirmed"
		r.log.Info("routing: device switch confirmed", "device", target.ID, "label", target.Label, "took", time.Since(start))
		return nil
	case <-p.superseded:
		outcome = "superseded"
		return fmt.Errorf("routing: select %q: %w", target.ID, ErrSwitchSuperseded)
	case <-timer.C:
		outcome = "timeout"
		return fmt.Errorf("routing: select %q after %s: %w", target.ID, timeout, ErrSwitchTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: select %q: %w", ErrRoutingFailure, target.ID, ctx.Err())
	}
}

// clearPending removes p if it is still the in-flight switch.
func (r *Router) clearPending(p *pendingSwitch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == p {
		r.pending = nil
	}
}

// ClearSelection releases any forced selection and cancels an in-flight
// switch. Platform errors are logged only.
func (r *Router) ClearSelection(ctx context.Context) {
	r.mu.Lock()
	if r.pending != nil {
		close(r.pending.superseded)
		r.pending = nil
	}
	r.mu.Unlock()
	if err := r.mgr.ClearActiveDevice(ctx); err != nil {
		r.log.Warn("routing: clear selection failed", "err", err)
	}
}

// FindFirstMatching returns the first cached device of class c.
func (r *Router) FindFirstMatching(c audio.Class) (audio.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return findFirst(r.devices, c)
}

// SupportsSplitPath reports whether a sink-capable headset link and a
// source-capable builtin mic are both present.
func (r *Router) SupportsSplitPath() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return splitPath(r.devices)
}

// Snapshot returns the cached state.
func (r *Router) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Subscribe returns a channel that always holds the latest snapshot. The
// cancel function unregisters and closes it.
func (r *Router) Subscribe() (<-chan Snapshot, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan Snapshot, 1)
	r.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs, id)
			close(ch)
		})
	}
}

func (r *Router) snapshotLocked() Snapshot {
	s := Snapshot{Devices: slices.Clone(r.devices), SplitPath: splitPath(r.devices)}
	if r.current != nil {
		d := *r.current
		s.Current = &d
	}
	return s
}

func findFirst(devices []audio.Device, c audio.Class) (audio.Device, bool) {
	for _, d := range devices {
		if d.Class == c {
			return d, true
		}
	}
	return audio.Device{}, false
}

func splitPath(devices []audio.Device) bool {
	var headset, mic bool
	for _, d := range devices {
		switch {
		case d.Class == audio.ClassHeadsetLink && d.CanSink:
			headset = true
		case d.Class == audio.ClassBuiltinMic && d.CanSource:
			mic = true
		}
	}
	return headset && mic
}

func activeID(d *audio.Device) string {
	if d == nil {
		return ""
	}
	return d.ID
}

// Describe renders the human-readable route for the current input device at
// rate Hz.
func Describe(current *audio.Device, rate int) string {
	if current == nil {
		return "not connected"
	}
	switch current.Class {
	case audio.ClassHeadsetLink:
		if rate > 0 {
			return fmt.Sprintf("headset link (%d kHz)", rate/1000)
		}
		return "headset link"
	case audio.ClassBuiltinMic:
		return "builtin microphone"
	default:
		if current.Label != "" {
			return current.Label
		}
		return current.ID
	}
}
