// Package pipeline coordinates one translation session: device routing,
// capture, transcription, translation, synthesis and playback.
//
// A [Coordinator] owns the session lifecycle and publishes an immutable
// [SessionState] through a [StateStore]. Finalized utterances are processed
// one at a time by a single worker, so playback order always follows the
// order in which utterances were finalized.
//
// The coordinator never touches audio streams itself: [capture.Capture] and
// [playback.Playback] own them and are stopped explicitly during teardown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/routing"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/translate"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

const (
	defaultQueueCapacity = 16
	sendErrorInterval    = time.Second
	clearTimeout         = 5 * time.Second

	statusAwaitingFinal = "silence detected, awaiting final transcript"
)

// DeviceRouter is the subset of [routing.Router] the coordinator uses.
type DeviceRouter interface {
	FindFirstMatching(c audio.Class) (audio.Device, bool)
	SupportsSplitPath() bool
	SelectDevice(ctx context.Context, target audio.Device, timeout time.Duration) error
	ClearSelection(ctx context.Context)
}

var _ DeviceRouter = (*routing.Router)(nil)

// JournalEntry is one processed utterance.
type JournalEntry struct {
	SessionID        string
	Original         string
	SourceLanguage   string
	TargetLanguage   string
	Translation      string
	Latency          time.Duration
	CreatedAt        time.Time
	SynthesisSkipped bool
}

// Journal records processed utterances. Errors are logged and never affect
// the session.
type Journal interface {
	Append(ctx context.Context, e JournalEntry) error
}

// Deps are the collaborators of a [Coordinator]. VAD may be nil.
type Deps struct {
	Router     DeviceRouter
	Hardware   audio.Hardware
	STT        stt.Provider
	Translator translate.Provider
	TTS        tts.Provider
	VAD        vad.Engine
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithJournal records every processed utterance in j.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithClock replaces time.Now for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithQueueCapacity bounds the finalized-utterance queue. Defaults to 16.
func WithQueueCapacity(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.queueCap = n
		}
	}
}

// WithPlaybackCapacity bounds the playback queue of each session.
func WithPlaybackCapacity(n int) Option {
	return func(c *Coordinator) { c.playbackCap = n }
}

// WithReconnect configures the transcription reconnect backoff.
func WithReconnect(cfg ReconnectConfig) Option {
	return func(c *Coordinator) { c.reconnect = cfg }
}

// Coordinator runs at most one session at a time. All exported methods are
// safe for concurrent use.
type Coordinator struct {
	deps        Deps
	log         *slog.Logger
	metrics     *observe.Metrics
	journal     Journal
	now         func() time.Time
	queueCap    int
	playbackCap int
	reconnect   ReconnectConfig

	store *StateStore

	mu   sync.Mutex
	sess *session
}

// New creates an idle Coordinator.
func New(deps Deps, opts ...Option) *Coordinator {
	c := &Coordinator{
		deps:     deps,
		log:      slog.Default(),
		now:      time.Now,
		queueCap: defaultQueueCapacity,
		store:    NewStateStore(DefaultSessionState()),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// State returns the current session state.
func (c *Coordinator) State() SessionState { return c.store.Snapshot() }

// Subscribe returns a latest-wins channel of state snapshots.
func (c *Coordinator) Subscribe() (<-chan SessionState, func()) { return c.store.Subscribe() }

// Phase returns the current lifecycle phase.
func (c *Coordinator) Phase() Phase { return c.store.Snapshot().Phase }

// SetPlaybackCapacity changes the playback queue bound for sessions started
// afterwards.
func (c *Coordinator) SetPlaybackCapacity(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playbackCap = n
}

// Close stops any running session.
func (c *Coordinator) Close() error {
	return c.StopSession(context.Background())
}

// ─── session ─────────────────────────────────────────────────────────────────

// session is the per-session resource set. Resources are attached under mu
// and only while closed is false; teardown sets closed first, so nothing is
// attached after it has collected them.
type session struct {
	id     string
	cfg    SessionConfig
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	log    *slog.Logger

	output audio.Device
	input  audio.Device
	voice  string

	utterances  chan stt.Transcript
	playbackCap int
	stopped     chan struct{}
	stopOnce    sync.Once

	// lastSendErr is owned by the capture loop.
	lastSendErr time.Time

	mu       sync.Mutex
	closed   bool
	active   bool
	rate     int
	capture  *capture.Capture
	playback *playback.Playback
	stt      stt.SessionHandle
	vad      vad.SessionHandle
	store    *StateStore
}

// update applies fn unless the session has been torn down.
func (s *session) update(fn func(SessionState) SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.store.Update(fn)
}

func (s *session) status(msg string) {
	s.update(func(st SessionState) SessionState {
		st.Status = msg
		return st
	})
}

// goGroup starts fn in the session group unless the session is closed.
func (s *session) goGroup(fn func() error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.group.Go(fn)
	return true
}

func (s *session) transcription() stt.SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stt
}

func (s *session) currentPlayback() *playback.Playback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playback
}

func (s *session) sampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rate == 0 {
		return DefaultSampleRate
	}
	return s.rate
}

// ─── start ───────────────────────────────────────────────────────────────────

// StartSession starts a session with cfg. It returns [ErrSessionActive] when
// one is already running. Routing and hardware failures are fatal: resources
// are released, the phase returns to idle, and the status records the cause.
// Remote service failures are reported as status only.
func (c *Coordinator) StartSession(ctx context.Context, cfg SessionConfig) error {
	if cfg.Segmentation == "" {
		cfg.Segmentation = SegmentPunctuation
	}
	if cfg.SwitchTimeout <= 0 {
		cfg.SwitchTimeout = routing.DefaultSwitchTimeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return ErrSessionActive
	}
	id := uuid.NewString()
	sctx, cancel := context.WithCancel(observe.WithSessionID(context.WithoutCancel(ctx), id))
	g, gctx := errgroup.WithContext(sctx)
	s := &session{
		id:          id,
		cfg:         cfg,
		ctx:         gctx,
		cancel:      cancel,
		group:       g,
		log:         c.log.With("session_id", id),
		utterances:  make(chan stt.Transcript, c.queueCap),
		playbackCap: c.playbackCap,
		stopped:     make(chan struct{}),
		store:       c.store,
	}
	c.sess = s
	c.mu.Unlock()

	s.update(func(st SessionState) SessionState {
		st = DefaultSessionState()
		st.SessionID = id
		st.Phase = PhaseRouting
		st.Segmentation = cfg.Segmentation
		st.Status = "routing audio to headset"
		return st
	})

	if err := c.start(s); err != nil {
		c.teardown(s, "session start failed: "+err.Error())
		s.log.Warn("pipeline: session start failed", "err", err)
		return fmt.Errorf("pipeline: start session: %w", err)
	}
	return nil
}

func (c *Coordinator) start(s *session) error {
	cfg := s.cfg

	headset, ok := c.deps.Router.FindFirstMatching(audio.ClassHeadsetLink)
	if !ok {
		return routing.ErrNoDevice
	}
	if err := c.deps.Router.SelectDevice(s.ctx, headset, cfg.SwitchTimeout); err != nil {
		return err
	}
	s.output = headset

	s.input = headset
	var notice string
	if !cfg.UseHeadsetMic {
		if c.deps.Router.SupportsSplitPath() {
			if mic, ok := c.deps.Router.FindFirstMatching(audio.ClassBuiltinMic); ok {
				s.input = mic
			}
		} else {
			notice = "builtin microphone unavailable with this headset, using headset microphone"
		}
	}

	cp := capture.New(c.deps.Hardware, capture.Config{
		DeviceID:      s.input.ID,
		FrameDuration: cfg.FrameDuration,
		Conditioning:  cfg.Conditioning,
	},
		capture.WithRateChanged(func(rate int) { c.onRate(s, rate) }),
		capture.WithFrameHandler(func(f audio.AudioFrame) { c.onFrame(s, f) }),
		capture.WithLogger(s.log),
		capture.WithMetrics(c.metrics),
	)
	if err := cp.Start(s.ctx); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cp.Stop()
		return context.Canceled
	}
	s.capture = cp
	s.mu.Unlock()
	rate := s.sampleRate()

	if err := c.openTranscription(s.ctx, s); err != nil {
		s.status(err.Error())
		s.log.Warn("pipeline: transcription unavailable, retrying in background", "err", err)
	}

	s.voice = c.resolveVoice(s.ctx, cfg)

	started := s.goGroup(func() error { return c.superviseTranscription(s) }) &&
		s.goGroup(func() error { return c.utteranceWorker(s) }) &&
		s.goGroup(func() error { return c.watchCapture(s, cp) })
	if !started {
		return context.Canceled
	}

	status := fmt.Sprintf("session started (segmentation: %s)", cfg.Segmentation.Describe())
	if notice != "" {
		status += "; " + notice
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return context.Canceled
	}
	s.active = true
	c.metrics.ActiveSessions.Add(s.ctx, 1)
	s.store.Update(func(st SessionState) SessionState {
		st.Phase = PhaseActive
		st.CaptureActive = true
		st.RouteDescription = routing.Describe(&s.input, rate)
		st.Status = status
		return st
	})
	s.log.Info("pipeline: session started", "input", s.input.ID, "output", s.output.ID, "rate", rate, "voice", s.voice)
	return nil
}

// onRate runs inside capture.Start with the negotiated rate. Playback is
// rebuilt at that rate on the headset link, releasing the old stream first.
func (c *Coordinator) onRate(s *session, rate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.rate = rate

	if c.deps.VAD != nil && s.vad == nil {
		h, err := c.deps.VAD.NewSession(vad.Config{
			SampleRate:  rate,
			FrameSizeMs: int(s.cfg.FrameDuration.Milliseconds()),
		})
		if err != nil {
			s.log.Warn("pipeline: vad unavailable", "err", err)
		} else {
			s.vad = h
		}
	}

	if s.playback != nil {
		s.playback.Stop()
		s.playback = nil
	}
	pb := playback.New(c.deps.Hardware, playback.Config{
		DeviceID:   s.output.ID,
		SampleRate: rate,
		Capacity:   s.playbackCap,
	},
		playback.WithLogger(s.log),
		playback.WithMetrics(c.metrics),
		playback.WithErrorHandler(func(err error) {
			s.log.Warn("pipeline: playback write failed", "err", err)
		}),
	)
	playing := true
	if err := pb.Start(s.ctx); err != nil {
		s.log.Warn("pipeline: playback unavailable", "err", err)
		playing = false
	} else {
		s.playback = pb
	}
	s.store.Update(func(st SessionState) SessionState {
		st.SampleRate = rate
		st.PlaybackActive = playing
		st.RouteDescription = routing.Describe(&s.input, rate)
		return st
	})
}

// onFrame runs on the capture loop for every frame.
func (c *Coordinator) onFrame(s *session, f audio.AudioFrame) {
	s.mu.Lock()
	det, h := s.vad, s.stt
	s.mu.Unlock()

	if det != nil {
		if ev, err := det.ProcessFrame(f.Data); err == nil {
			c.applyVAD(s, ev)
		}
	}

	if h == nil {
		return
	}
	if err := h.SendAudio(f.Data); err != nil {
		if now := c.now(); now.Sub(s.lastSendErr) >= sendErrorInterval {
			s.lastSendErr = now
			s.status(remoteErr("transcribe", err).Error())
		}
	}
}

func (c *Coordinator) applyVAD(s *session, ev vad.VADEvent) {
	switch ev.Type {
	case vad.VADSpeech:
		if !s.store.Snapshot().SpeechStart.IsZero() {
			return
		}
		now := c.now()
		s.update(func(st SessionState) SessionState {
			if st.SpeechStart.IsZero() {
				st.SpeechStart = now
			}
			return st
		})
	case vad.VADSilence:
		if s.cfg.Segmentation != SegmentSilence {
			return
		}
		cur := s.store.Snapshot()
		if strings.TrimSpace(cur.Interim) == "" || cur.Status == statusAwaitingFinal {
			return
		}
		s.status(statusAwaitingFinal)
	}
}

// resolveVoice maps the preferred voice onto the provider's catalogue. A
// catalogue failure keeps the raw hint; no match lets the provider choose.
func (c *Coordinator) resolveVoice(ctx context.Context, cfg SessionConfig) string {
	hint := strings.TrimSpace(cfg.PreferredVoice)
	if hint == "" {
		return ""
	}
	voices, err := c.deps.TTS.ListVoices(ctx)
	if err != nil {
		c.log.Debug("pipeline: list voices failed, using raw hint", "hint", hint, "err", err)
		return hint
	}
	if v, ok := tts.ResolveVoice(hint, cfg.TargetLanguage, voices); ok {
		return v.ID
	}
	c.log.Info("pipeline: voice hint matched nothing, using provider default", "hint", hint)
	return ""
}

// ─── transcription ───────────────────────────────────────────────────────────

func (c *Coordinator) openTranscription(ctx context.Context, s *session) error {
	h, err := c.deps.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: s.sampleRate(),
		Channels:   1,
		Language:   s.cfg.sourceLanguage(),
	})
	if err != nil {
		c.metrics.RecordProviderRequest(ctx, "stt", "stream", "error")
		c.metrics.RecordProviderError(ctx, "stt", "stream")
		return remoteErr("transcribe", err)
	}
	c.metrics.RecordProviderRequest(ctx, "stt", "stream", "ok")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = h.Close()
		return context.Canceled
	}
	s.stt = h
	s.store.Update(func(st SessionState) SessionState {
		st.TranscriptionConnected = true
		return st
	})
	s.mu.Unlock()
	return nil
}

// superviseTranscription reads the current transcription stream and reopens
// it with backoff whenever it drops, until the session ends.
func (c *Coordinator) superviseTranscription(s *session) error {
	ctx := s.ctx
	rc := NewReconnector(c.reconnect, s.log)
	for {
		h := s.transcription()
		if h == nil {
			if err := rc.Run(ctx, "transcription", func(ctx context.Context) error {
				return c.openTranscription(ctx, s)
			}); err != nil {
				return nil
			}
			s.status("transcription reconnected")
			continue
		}

		c.readTranscripts(ctx, s, h)
		if ctx.Err() != nil {
			return nil
		}

		s.mu.Lock()
		if s.stt == h {
			s.stt = nil
		}
		s.mu.Unlock()
		s.log.Warn("pipeline: transcription stream ended, reconnecting")
		s.update(func(st SessionState) SessionState {
			st.TranscriptionConnected = false
			st.Status = "transcription disconnected, reconnecting"
			return st
		})
	}
}

// readTranscripts consumes h until its finals channel closes or ctx ends.
// Partials update the interim text; finals are queued for the worker.
func (c *Coordinator) readTranscripts(ctx context.Context, s *session, h stt.SessionHandle) {
	partialsDone := make(chan struct{})
	go func() {
		defer close(partialsDone)
		partials := h.Partials()
		for {
			select {
			case <-ctx.Done():
				return
			case tr, ok := <-partials:
				if !ok {
					return
				}
				s.update(func(st SessionState) SessionState {
					st.Interim = tr.Text
					return st
				})
			}
		}
	}()
	defer func() {
		if ctx.Err() == nil {
			_ = h.Close()
		}
		<-partialsDone
	}()

	finals := h.Finals()
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-finals:
			if !ok {
				return
			}
			if strings.TrimSpace(tr.Text) == "" {
				continue
			}
			select {
			case s.utterances <- tr:
			case <-ctx.Done():
				return
			}
		}
	}
}

// ─── utterances ──────────────────────────────────────────────────────────────

func (c *Coordinator) utteranceWorker(s *session) error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case tr := <-s.utterances:
			c.processUtterance(s.ctx, s, tr)
		}
	}
}

func (c *Coordinator) processUtterance(ctx context.Context, s *session, tr stt.Transcript) {
	ctx, span := observe.StartSpan(ctx, "pipeline.utterance")
	defer span.End()
	log := observe.LoggerFrom(ctx, c.log)
	defer c.releaseOnset(s, s.store.Snapshot().SpeechStart)

	text := strings.TrimSpace(tr.Text)
	s.update(func(st SessionState) SessionState {
		st.Final = text
		st.Interim = ""
		st.TranscriptionConnected = true
		return st
	})

	source := s.cfg.sourceLanguage()
	if s.cfg.AutoDetect {
		start := time.Now()
		lang, err := c.deps.Translator.DetectLanguage(ctx, text)
		c.metrics.RecordStage(ctx, observe.StageDetect, time.Since(start))
		if err != nil {
			c.metrics.RecordProviderError(ctx, "translate", "detect")
			log.Warn("pipeline: language detection failed", "err", err)
			s.status(remoteErr("detect", err).Error())
			lang = ""
		}
		if lang == "" {
			lang = tr.Language
		}
		source = lang
	}

	start := time.Now()
	translation, err := c.deps.Translator.Translate(ctx, text, source, s.cfg.TargetLanguage)
	c.metrics.RecordStage(ctx, observe.StageTranslate, time.Since(start))
	if err != nil {
		if ctx.Err() == nil {
			c.metrics.RecordProviderError(ctx, "translate", "translate")
			log.Warn("pipeline: translation failed", "err", err)
			s.status(remoteErr("translate", err).Error())
		}
		return
	}
	s.update(func(st SessionState) SessionState {
		st.Translation = translation
		st.DetectedLanguage = source
		return st
	})

	entry := JournalEntry{
		SessionID:      s.id,
		Original:       text,
		SourceLanguage: source,
		TargetLanguage: s.cfg.TargetLanguage,
		Translation:    translation,
	}
	if strings.TrimSpace(translation) == "" {
		entry.SynthesisSkipped = true
		c.record(ctx, entry)
		return
	}

	entry.Latency = c.synthesize(ctx, s, translation)
	c.record(ctx, entry)
}

// synthesize streams translation to playback and returns the published
// round-trip latency, or zero when none was measured.
func (c *Coordinator) synthesize(ctx context.Context, s *session, translation string) time.Duration {
	log := observe.LoggerFrom(ctx, c.log)
	rate := s.sampleRate()

	start := time.Now()
	stream, err := c.deps.TTS.Synthesize(ctx, tts.SynthesisRequest{
		Text:       translation,
		Language:   s.cfg.TargetLanguage,
		Voice:      s.voice,
		SampleRate: rate,
	})
	if err != nil {
		if ctx.Err() == nil {
			c.metrics.RecordProviderError(ctx, "tts", "synthesize")
			log.Warn("pipeline: synthesis failed", "err", err)
			s.update(func(st SessionState) SessionState {
				st.SynthesisConnected = false
				st.Status = remoteErr("synthesize", err).Error()
				return st
			})
		}
		return 0
	}

	var latency time.Duration
	first := true
	for chunk := range stream.Chunks() {
		if first {
			first = false
			latency = c.publishLatency(ctx, s)
		}
		if pb := s.currentPlayback(); pb != nil {
			pb.Enqueue(audio.AudioFrame{Data: chunk, SampleRate: pb.SampleRate(), Channels: 1})
		}
	}
	c.metrics.RecordStage(ctx, observe.StageSynthesize, time.Since(start))

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		c.metrics.RecordProviderError(ctx, "tts", "synthesize")
		log.Warn("pipeline: synthesis stream failed", "err", err)
		s.update(func(st SessionState) SessionState {
			st.SynthesisConnected = false
			st.Status = remoteErr("synthesize", err).Error()
			return st
		})
		return latency
	}
	s.update(func(st SessionState) SessionState {
		st.SynthesisConnected = true
		return st
	})
	return latency
}

// publishLatency measures from the speech-onset marker to now, publishes the
// result and unsets the marker. Without a marker nothing is published.
func (c *Coordinator) publishLatency(ctx context.Context, s *session) time.Duration {
	now := c.now()
	var latency time.Duration
	s.update(func(st SessionState) SessionState {
		if st.SpeechStart.IsZero() {
			return st
		}
		latency = now.Sub(st.SpeechStart)
		st.LatestLatency = latency
		st.SpeechStart = time.Time{}
		return st
	})
	if latency > 0 {
		c.metrics.RecordRoundTrip(ctx, latency)
	}
	return latency
}

// releaseOnset unsets the speech-onset marker if it still holds onset, so an
// utterance that ended without a synthesized chunk does not leave its onset
// behind for the next one.
func (c *Coordinator) releaseOnset(s *session, onset time.Time) {
	if onset.IsZero() {
		return
	}
	s.update(func(st SessionState) SessionState {
		if st.SpeechStart.Equal(onset) {
			st.SpeechStart = time.Time{}
		}
		return st
	})
}

func (c *Coordinator) record(ctx context.Context, e JournalEntry) {
	if c.journal == nil {
		return
	}
	e.CreatedAt = c.now()
	if err := c.journal.Append(ctx, e); err != nil {
		observe.LoggerFrom(ctx, c.log).Warn("pipeline: journal append failed", "err", err)
	}
}

// watchCapture stops the session when the capture loop dies on its own.
func (c *Coordinator) watchCapture(s *session, cp *capture.Capture) error {
	select {
	case <-s.ctx.Done():
		return nil
	case <-cp.Done():
	}
	err := cp.Err()
	if err == nil || s.ctx.Err() != nil {
		return nil
	}
	s.log.Error("pipeline: capture lost, stopping session", "err", err)
	go c.teardown(s, "headset audio lost: "+err.Error())
	return nil
}

// ─── stop ────────────────────────────────────────────────────────────────────

// StopSession stops the running session and waits for all of its goroutines.
// Calling it without a session is a no-op.
func (c *Coordinator) StopSession(_ context.Context) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		c.teardown(s, "")
	}
	return nil
}

// teardown releases everything s holds and resets the published state,
// carrying reason as its status. Concurrent callers block until the first
// one has finished.
func (c *Coordinator) teardown(s *session, reason string) {
	s.stopOnce.Do(func() {
		defer close(s.stopped)

		s.update(func(st SessionState) SessionState {
			st.Phase = PhaseStopping
			return st
		})

		s.mu.Lock()
		s.closed = true
		cp, pb, h, det, wasActive := s.capture, s.playback, s.stt, s.vad, s.active
		s.mu.Unlock()

		s.cancel()
		if cp != nil {
			cp.Stop()
		}
		if pb != nil {
			pb.Stop()
		}
		if h != nil {
			if err := h.Close(); err != nil {
				s.log.Debug("pipeline: close transcription", "err", err)
			}
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), clearTimeout)
		c.deps.Router.ClearSelection(cctx)
		cancel()
		if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("pipeline: session goroutine failed", "err", err)
		}
		if det != nil {
			_ = det.Close()
		}
		audio.DrainBuffered[stt.Transcript](s.utterances)

		if wasActive {
			c.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		c.store.Update(func(SessionState) SessionState {
			st := DefaultSessionState()
			st.Status = reason
			return st
		})

		c.mu.Lock()
		if c.sess == s {
			c.sess = nil
		}
		c.mu.Unlock()
		s.log.Info("pipeline: session stopped")
	})
	<-s.stopped
}
