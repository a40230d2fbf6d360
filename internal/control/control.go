// Package control exposes the session and device operations over HTTP.
//
// Routes:
//
//	GET  /api/session          current session snapshot
//	POST /api/session/start    start a session; the JSON body overlays the configured defaults
//	POST /api/session/stop     stop the running session
//	GET  /api/session/events   WebSocket stream of session snapshots, latest wins
//	GET  /api/devices          routing snapshot with per-device selection
//	POST /api/devices/refresh  re-query the device manager
//	GET  /api/providers        circuit breaker state per stage and backend
//
// Errors are JSON objects of the form {"error": "..."}.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/routing"
)

const (
	maxBodyBytes      = 64 << 10
	eventWriteTimeout = 5 * time.Second
)

// Session is the subset of [pipeline.Coordinator] the API drives.
type Session interface {
	State() pipeline.SessionState
	Subscribe() (<-chan pipeline.SessionState, func())
	StartSession(ctx context.Context, cfg pipeline.SessionConfig) error
	StopSession(ctx context.Context) error
}

// Devices is the subset of [routing.Router] the API reads.
type Devices interface {
	Snapshot() routing.Snapshot
	Refresh(ctx context.Context) error
}

var (
	_ Session = (*pipeline.Coordinator)(nil)
	_ Devices = (*routing.Router)(nil)
)

// Option configures a [Server].
type Option func(*Server)

// WithOriginPatterns allows cross-origin WebSocket clients whose Origin host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithProviderStatus serves /api/providers from fn. Without it the route
// is not registered.
func WithProviderStatus(fn func() map[string]map[string]string) Option {
	return func(s *Server) { s.providers = fn }
}

// Server implements the control API.
type Server struct {
	session   Session
	devices   Devices
	defaults  func() pipeline.SessionConfig
	origins   []string
	providers func() map[string]map[string]string
}

// New creates a [Server]. defaults is called for every start request so that
// reloaded configuration applies to the next session.
func New(session Session, devices Devices, defaults func() pipeline.SessionConfig, opts ...Option) *Server {
	s := &Server{
		session:  session,
		devices:  devices,
		defaults: defaults,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/session", s.getSession)
	mux.HandleFunc("POST /api/session/start", s.startSession)
	mux.HandleFunc("POST /api/session/stop", s.stopSession)
	mux.HandleFunc("GET /api/session/events", s.sessionEvents)
	mux.HandleFunc("GET /api/devices", s.getDevices)
	mux.HandleFunc("POST /api/devices/refresh", s.refreshDevices)
	if s.providers != nil {
		mux.HandleFunc("GET /api/providers", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.providers())
		})
	}
}

// ─── session ────────────────────────────────────────────────────────────────

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.session.State())
}

// StartRequest overlays the configured session defaults. Nil fields keep
// the default.
type StartRequest struct {
	FrameDurationMs *int                   `json:"frame_duration_ms,omitempty"`
	SourceLanguage  *string                `json:"source_language,omitempty"`
	AutoDetect      *bool                  `json:"auto_detect,omitempty"`
	TargetLanguage  *string                `json:"target_language,omitempty"`
	PreferredVoice  *string                `json:"preferred_voice,omitempty"`
	Segmentation    *pipeline.Segmentation `json:"segmentation,omitempty"`
	UseHeadsetMic   *bool                  `json:"use_headset_mic,omitempty"`
	SwitchTimeout   *string                `json:"switch_timeout,omitempty"`
	Conditioning    *capture.Conditioning  `json:"conditioning,omitempty"`
}

// Apply returns base with every set field of r replaced.
func (r StartRequest) Apply(base pipeline.SessionConfig) (pipeline.SessionConfig, error) {
	cfg := base
	if r.FrameDurationMs != nil {
		cfg.FrameDuration = time.Duration(*r.FrameDurationMs) * time.Millisecond
	}
	if r.SourceLanguage != nil {
		cfg.SourceLanguage = *r.SourceLanguage
	}
	if r.AutoDetect != nil {
		cfg.AutoDetect = *r.AutoDetect
	}
	if r.TargetLanguage != nil {
		cfg.TargetLanguage = *r.TargetLanguage
	}
	if r.PreferredVoice != nil {
		cfg.PreferredVoice = *r.PreferredVoice
	}
	if r.Segmentation != nil {
		cfg.Segmentation = *r.Segmentation
	}
	if r.UseHeadsetMic != nil {
		cfg.UseHeadsetMic = *r.UseHeadsetMic
	}
	if r.SwitchTimeout != nil {
		d, err := time.ParseDuration(*r.SwitchTimeout)
		if err != nil {
			return cfg, fmt.Errorf("switch_timeout: %w", err)
		}
		cfg.SwitchTimeout = d
	}
	if r.Conditioning != nil {
		cfg.Conditioning = *r.Conditioning
	}
	return cfg, nil
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := observe.StartSpan(r.Context(), "control.start_session")
	defer span.End()
	log := observe.Logger(ctx)

	var req StartRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("control: decode request: %w", err))
		return
	}
	cfg, err := req.Apply(s.defaults())
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("control: %w", err))
		return
	}

	if err := s.session.StartSession(ctx, cfg); err != nil {
		span.RecordError(err)
		status := startStatus(err)
		if status >= http.StatusInternalServerError {
			log.Warn("control: start session failed", "err", err)
		}
		writeError(w, status, err)
		return
	}
	log.Info("control: session started", "target", cfg.TargetLanguage, "segmentation", string(cfg.Segmentation))
	writeJSON(w, http.StatusOK, s.session.State())
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, routing.ErrRoutingFailure), errors.Is(err, capture.ErrHardwareUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.session.StopSession(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.State())
}

// sessionEvents streams snapshots until the client goes away. A slow client
// only ever sees the latest snapshot.
func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		observe.Logger(r.Context()).Warn("control: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	states, cancel := s.session.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, conn, st)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}

// ─── devices ────────────────────────────────────────────────────────────────

// DeviceView is one entry of the device list.
type DeviceView struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Class     string `json:"class"`
	CanSource bool   `json:"can_source"`
	CanSink   bool   `json:"can_sink"`
	Selected  bool   `json:"selected"`
}

// DevicesView is the body of GET /api/devices.
type DevicesView struct {
	Devices   []DeviceView `json:"devices"`
	Current   string       `json:"current,omitempty"`
	Route     string       `json:"route"`
	SplitPath bool         `json:"split_path"`
}

func newDevicesView(snap routing.Snapshot, rate int) DevicesView {
	v := DevicesView{
		Devices:   make([]DeviceView, 0, len(snap.Devices)),
		Route:     routing.Describe(snap.Current, rate),
		SplitPath: snap.SplitPath,
	}
	if snap.Current != nil {
		v.Current = snap.Current.ID
	}
	for _, d := range snap.Devices {
		v.Devices = append(v.Devices, DeviceView{
			ID:        d.ID,
			Label:     d.Label,
			Class:     d.Class.String(),
			CanSource: d.CanSource,
			CanSink:   d.CanSink,
			Selected:  snap.Selected(d.ID),
		})
	}
	return v
}

func (s *Server) getDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newDevicesView(s.devices.Snapshot(), s.session.State().SampleRate))
}

func (s *Server) refreshDevices(w http.ResponseWriter, r *http.Request) {
	if err := s.devices.Refresh(r.Context()); err != nil {
		observe.Logger(r.Context()).Warn("control: device refresh failed", "err", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, newDevicesView(s.devices.Snapshot(), s.session.State().SampleRate))
}

// ─── helpers ────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
