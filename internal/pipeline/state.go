package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// Phase is the coordinator's lifecycle stage.
type Phase int

const (
	// PhaseIdle means no session is running.
	PhaseIdle Phase = iota

	// PhaseRouting means a session is selecting devices and opening streams.
	PhaseRouting

	// PhaseActive means audio is flowing.
	PhaseActive

	// PhaseStopping means the session is being torn down.
	PhaseStopping
)

// String returns the lower-case phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRouting:
		return "routing"
	case PhaseActive:
		return "active"
	case PhaseStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// DefaultSampleRate is the session rate before capture negotiates one.
const DefaultSampleRate = 16000

// SessionState is an immutable snapshot of everything a presentation layer
// shows. Values are replaced wholesale through [StateStore.Update].
type SessionState struct {
	SessionID        string        `json:"session_id"`
	Phase            Phase         `json:"phase"`
	SampleRate       int           `json:"sample_rate"`
	RouteDescription string        `json:"route_description"`
	Interim          string        `json:"interim"`
	Final            string        `json:"final"`
	Translation      string        `json:"translation"`
	DetectedLanguage string        `json:"detected_language"`
	CaptureActive    bool          `json:"capture_active"`
	PlaybackActive   bool          `json:"playback_active"`
	Segmentation     Segmentation  `json:"segmentation"`
	LatestLatency    time.Duration `json:"latest_latency_ns"`
	Status           string        `json:"status"`

	TranscriptionConnected bool `json:"transcription_connected"`
	SynthesisConnected     bool `json:"synthesis_connected"`

	// SpeechStart marks the onset of the utterance being measured. The zero
	// time means unset.
	SpeechStart time.Time `json:"-"`
}

// DefaultSessionState returns the idle state.
func DefaultSessionState() SessionState {
	return SessionState{
		Phase:            PhaseIdle,
		SampleRate:       DefaultSampleRate,
		RouteDescription: "not connected",
		Segmentation:     SegmentPunctuation,
	}
}

// StateStore publishes [SessionState] snapshots. Writes are serialized;
// reads never block writers.
type StateStore struct {
	mu      sync.Mutex // serializes Update and subscriber bookkeeping
	cur     atomic.Pointer[SessionState]
	subs    map[int]chan SessionState
	nextSub int
}

// NewStateStore returns a store holding initial.
func NewStateStore(initial SessionState) *StateStore {
	s := &StateStore{subs: make(map[int]chan SessionState)}
	s.cur.Store(&initial)
	return s
}

// Snapshot returns the current state.
func (s *StateStore) Snapshot() SessionState {
	return *s.cur.Load()
}

// Update applies fn to the current state, stores the result and notifies
// subscribers. fn must not call back into the store.
func (s *StateStore) Update(fn func(SessionState) SessionState) SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := fn(*s.cur.Load())
	s.cur.Store(&next)
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	return next
}

// Subscribe returns a channel that always holds the latest snapshot, starting
// with the current one. The cancel function unregisters and closes it.
func (s *StateStore) Subscribe() (<-chan SessionState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan SessionState, 1)
	ch <- *s.cur.Load()
	s.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}
