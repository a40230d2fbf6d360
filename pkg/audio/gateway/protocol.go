package gateway

import (
	"github.com/MrWong99/parley/pkg/audio"
)

// Message types sent by the edge agent.
const (
	msgHello   = "hello"
	msgDevices = "devices"
	msgActive  = "active"
	msgResult  = "result"
)

// Message types sent by the gateway. Every request except clear carries an
// id and is answered by a result message with the same id.
const (
	msgRoute       = "route"
	msgClear       = "clear"
	msgOpenInput   = "open_input"
	msgStartInput  = "start_input"
	msgCloseInput  = "close_input"
	msgOpenOutput  = "open_output"
	msgCloseOutput = "close_output"
)

// errUnsupportedRate is the result error code an agent uses when the device
// cannot run at the requested rate.
const errUnsupportedRate = "unsupported_rate"

// message is the JSON envelope of every text frame on the link. Binary frames
// carry audio for the single open input (agent to gateway) or output (gateway
// to agent) stream.
type message struct {
	Type     string       `json:"type"`
	ID       string       `json:"id,omitempty"`
	Agent    string       `json:"agent,omitempty"`
	Devices  []wireDevice `json:"devices,omitempty"`
	Active   string       `json:"active,omitempty"`
	Device   string       `json:"device,omitempty"`
	Rate     int          `json:"rate,omitempty"`
	Channels int          `json:"channels,omitempty"`
	Codec    Codec        `json:"codec,omitempty"`
	Effects  []string     `json:"effects,omitempty"`
	OK       bool         `json:"ok,omitempty"`
	Accepted bool         `json:"accepted,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// wireDevice is the JSON form of [audio.Device].
type wireDevice struct {
	ID     string `json:"id"`
	Label  string `json:"label,omitempty"`
	Source bool   `json:"source"`
	Sink   bool   `json:"sink"`
	Class  string `json:"class"`
}

func toDevices(ws []wireDevice) []audio.Device {
	out := make([]audio.Device, 0, len(ws))
	for _, w := range ws {
		out = append(out, audio.Device{
			ID:        w.ID,
			Label:     w.Label,
			CanSource: w.Source,
			CanSink:   w.Sink,
			Class:     audio.ParseClass(w.Class),
		})
	}
	return out
}

func parseEffect(s string) (audio.Effect, bool) {
	for _, e := range []audio.Effect{audio.EffectEchoCancellation, audio.EffectNoiseSuppression, audio.EffectAutoGain} {
		if e.String() == s {
			return e, true
		}
	}
	return 0, false
}
