// Package audio defines the interfaces and types for headset audio routing and
// raw stream access within Parley.
//
// The two primary abstractions are:
//
//   - [DeviceManager] enumerates audio endpoints, switches the active
//     communication device, and pushes availability changes to subscribers.
//   - [Hardware] opens exclusive PCM input and output streams on a device at
//     a requested sample rate.
//
// Implementations are provided by adapter packages (e.g., audio/gateway for
// headsets reached through a remote edge agent). The interfaces are
// intentionally narrow so the pipeline never depends on a concrete platform.
//
// This package lives under pkg/ because external code (additional platform
// adapters) is expected to implement [DeviceManager] and [Hardware].
package audio

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by stream operations after Close.
var ErrStreamClosed = errors.New("audio: stream closed")

// ErrUnsupportedRate is returned by [Hardware] implementations when the device
// cannot run at the requested sample rate.
var ErrUnsupportedRate = errors.New("audio: unsupported sample rate")

// Class categorises a [Device] for routing decisions.
type Class int

const (
	// ClassOther is any endpoint that is neither a headset link nor a builtin mic.
	ClassOther Class = iota

	// ClassHeadsetLink is the wireless call-quality endpoint used for both
	// input and output.
	ClassHeadsetLink

	// ClassBuiltinMic is a microphone built into the host device.
	ClassBuiltinMic
)

// String returns the human-readable name of the class.
func (c Class) String() string {
	switch c {
	case ClassHeadsetLink:
		return "headset-link"
	case ClassBuiltinMic:
		return "builtin-mic"
	default:
		return "other"
	}
}

// ParseClass maps a wire name back to a [Class]. Unknown names map to [ClassOther].
func ParseClass(s string) Class {
	switch s {
	case "headset-link":
		return ClassHeadsetLink
	case "builtin-mic":
		return ClassBuiltinMic
	default:
		return ClassOther
	}
}

// Device describes an audio endpoint. Devices are values: a change on the
// platform produces a new Device, existing values are never mutated.
type Device struct {
	// ID is the platform's opaque identifier.
	ID string

	// Label is a human-readable product name.
	Label string

	// CanSource reports whether the device can capture (microphone-capable).
	CanSource bool

	// CanSink reports whether the device can render (speaker-capable).
	CanSink bool

	// Class is the routing classification.
	Class Class
}

// EventType classifies notifications emitted by a [DeviceManager].
type EventType int

const (
	// EventDevicesChanged is emitted when the set of available devices changes.
	EventDevicesChanged EventType = iota

	// EventActiveChanged is emitted when the active communication device changes.
	EventActiveChanged
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventDevicesChanged:
		return "DEVICES_CHANGED"
	case EventActiveChanged:
		return "ACTIVE_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// DeviceEvent is a push notification from a [DeviceManager]. Every event
// carries the complete current picture, not a delta.
type DeviceEvent struct {
	Type EventType

	// Devices is the full set of available devices.
	Devices []Device

	// Active is the active communication device, or nil when routing is at the
	// platform default.
	Active *Device
}

// DeviceManager is the device-management collaborator.
//
// Implementations must be safe for concurrent use.
type DeviceManager interface {
	// ListDevices returns the currently available communication devices.
	ListDevices(ctx context.Context) ([]Device, error)

	// ActiveDevice returns the active communication device, or nil if none is forced.
	ActiveDevice(ctx context.Context) (*Device, error)

	// RequestActiveDevice asks the platform to switch its active communication
	// device to id. The boolean reports immediate acceptance only; the switch
	// itself is confirmed later by an [EventActiveChanged] notification.
	RequestActiveDevice(ctx context.Context, id string) (bool, error)

	// ClearActiveDevice releases a forced selection. No confirmation is sent.
	ClearActiveDevice(ctx context.Context) error

	// Subscribe registers for push notifications. The returned cancel function
	// unregisters and closes the channel. Slow subscribers may miss
	// intermediate events but always see the latest one.
	Subscribe() (<-chan DeviceEvent, func())
}

// Effect identifies a conditioning stage the platform may apply to an input stream.
type Effect int

const (
	// EffectEchoCancellation removes the playback signal from the capture path.
	EffectEchoCancellation Effect = iota

	// EffectNoiseSuppression attenuates stationary background noise.
	EffectNoiseSuppression

	// EffectAutoGain normalises the input level.
	EffectAutoGain
)

// String returns the human-readable name of the effect.
func (e Effect) String() string {
	switch e {
	case EffectEchoCancellation:
		return "aec"
	case EffectNoiseSuppression:
		return "ns"
	case EffectAutoGain:
		return "agc"
	default:
		return "unknown"
	}
}

// InputConfig parameterises [Hardware.OpenInput].
type InputConfig struct {
	// DeviceID selects the preferred input device. Empty means platform default.
	DeviceID string

	// SampleRate is the requested capture rate in Hz.
	SampleRate int

	// BufferBytes is a hint for the platform's internal buffer size.
	BufferBytes int
}

// OutputConfig parameterises [Hardware.OpenOutput].
type OutputConfig struct {
	// DeviceID selects the preferred output device. Empty means platform default.
	DeviceID string

	// SampleRate is the render rate in Hz.
	SampleRate int
}

// InputStream is an exclusive mono 16-bit PCM capture handle.
type InputStream interface {
	// SupportsEffect reports whether the platform can attach e to this stream.
	SupportsEffect(e Effect) bool

	// AttachEffect enables e. It must be called before Start.
	AttachEffect(e Effect) error

	// Start begins recording.
	Start() error

	// Read blocks until len(p) bytes are available, the stream is closed, or an
	// error occurs. A return with n < len(p) is a short read.
	Read(p []byte) (int, error)

	// Close releases the handle and unblocks pending reads. Safe to call more
	// than once.
	Close() error
}

// OutputStream is an exclusive mono 16-bit PCM render handle.
type OutputStream interface {
	// Write renders p, blocking at real-time pace once the platform's buffer is full.
	Write(p []byte) (int, error)

	// Close releases the handle. Safe to call more than once.
	Close() error
}

// Hardware opens raw streams on devices.
//
// Implementations must be safe for concurrent use.
type Hardware interface {
	// OpenInput creates an input stream. It returns an error wrapping
	// [ErrUnsupportedRate] when the device cannot capture at cfg.SampleRate.
	OpenInput(ctx context.Context, cfg InputConfig) (InputStream, error)

	// OpenOutput creates an output stream.
	OpenOutput(ctx context.Context, cfg OutputConfig) (OutputStream, error)
}
