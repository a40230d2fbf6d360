// Package deepgram streams headset audio to Deepgram's live transcription
// WebSocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	liveEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel = "nova-3"

	// autoLanguage selects Deepgram's multilingual model when the stream
	// asks for detection.
	autoLanguage = "multi"

	// Deepgram drops a stream after about ten seconds without data.
	defaultKeepAlive = 4 * time.Second

	// flushTimeout bounds how long Close waits for results of audio that was
	// already sent.
	flushTimeout = 2 * time.Second
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the recognition model. Default "nova-3".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language sent when a stream requests detection.
// Default "multi".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.autoLang = lang }
}

// WithEndpointing sets the trailing silence after which Deepgram commits a
// final. Zero keeps the service default.
func WithEndpointing(d time.Duration) Option {
	return func(p *Provider) { p.endpointing = d }
}

// WithEndpoint points the provider at another live endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithKeepAlive sets how long the connection may go without audio before a
// KeepAlive message is sent.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.keepAlive = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Provider opens Deepgram live transcription streams.
type Provider struct {
	apiKey      string
	model       string
	autoLang    string
	endpointing time.Duration
	endpoint    string
	keepAlive   time.Duration
	log         *slog.Logger
}

var _ stt.Provider = (*Provider)(nil)

// New returns a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		autoLang:  autoLanguage,
		endpoint:  liveEndpoint,
		keepAlive: defaultKeepAlive,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials the live endpoint. The stream is not bound to ctx after
// the dial; it runs until Close or until Deepgram hangs up.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	u, err := p.listenURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: endpoint: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(sctx)
	s := &stream{
		conn:      conn,
		log:       p.log.With("provider", "deepgram", "model", p.model),
		keepAlive: p.keepAlive,
		partials:  make(chan stt.Transcript, 64),
		finals:    make(chan stt.Transcript, 64),
		audio:     make(chan []byte, 256),
		stop:      make(chan struct{}),
		readDone:  make(chan struct{}),
		ctx:       gctx,
		cancel:    cancel,
		g:         g,
	}
	g.Go(func() error { return s.read(gctx) })
	g.Go(func() error { return s.write(gctx) })
	return s, nil
}

func (p *Provider) listenURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.autoLang
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = 16000
	}

	q := url.Values{
		"model":           {p.model},
		"language":        {lang},
		"encoding":        {"linear16"},
		"sample_rate":     {strconv.Itoa(rate)},
		"punctuate":       {"true"},
		"interim_results": {"true"},
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if p.endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(p.endpointing.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ── stream ───────────────────────────────────────────────────────────────────

type control struct {
	Type string `json:"type"`
}

type stream struct {
	conn      *websocket.Conn
	log       *slog.Logger
	keepAlive time.Duration

	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	stop     chan struct{}
	stopOnce sync.Once
	readDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
}

func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.stop:
		return stt.ErrSessionClosed
	case <-s.ctx.Done():
		return stt.ErrSessionClosed
	case s.audio <- chunk:
		return nil
	}
}

func (s *stream) Partials() <-chan stt.Transcript { return s.partials }
func (s *stream) Finals() <-chan stt.Transcript   { return s.finals }

// Close sends CloseStream and waits up to flushTimeout for the results of
// audio already sent before tearing the connection down.
func (s *stream) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		select {
		case <-s.readDone:
		case <-time.After(flushTimeout):
		}
		s.cancel()
		if err := s.g.Wait(); err != nil {
			s.log.Debug("deepgram: stream ended with error", "err", err)
		}
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (s *stream) write(ctx context.Context) error {
	tick := time.NewTicker(s.keepAlive)
	defer tick.Stop()

	sent := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return wsjson.Write(ctx, s.conn, control{Type: "CloseStream"})
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return fmt.Errorf("deepgram: send audio: %w", err)
			}
			sent = true
		case <-tick.C:
			if !sent {
				if err := wsjson.Write(ctx, s.conn, control{Type: "KeepAlive"}); err != nil {
					return fmt.Errorf("deepgram: keepalive: %w", err)
				}
			}
			sent = false
		}
	}
}

// read delivers results until the connection ends. Both transcript channels
// are closed on return.
func (s *stream) read(ctx context.Context) error {
	defer close(s.readDone)
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			s.log.Warn("deepgram: connection lost", "err", err)
			return fmt.Errorf("deepgram: read: %w", err)
		}
		tr, ok := parseResult(msg)
		if !ok {
			continue
		}
		out := s.partials
		if tr.IsFinal {
			out = s.finals
		}
		select {
		case out <- tr:
		case <-ctx.Done():
			return nil
		}
	}
}

// result is the subset of a Deepgram "Results" message parley reads.
type result struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string   `json:"transcript"`
			Confidence float64  `json:"confidence"`
			Languages  []string `json:"languages"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseResult turns a Results message into a transcript. Other message types,
// results without alternatives and empty transcripts are skipped.
func parseResult(data []byte) (stt.Transcript, bool) {
	var r result
	if err := json.Unmarshal(data, &r); err != nil || r.Type != "Results" {
		return stt.Transcript{}, false
	}
	if len(r.Channel.Alternatives) == 0 || r.Channel.Alternatives[0].Transcript == "" {
		return stt.Transcript{}, false
	}
	alt := r.Channel.Alternatives[0]
	tr := stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    r.IsFinal,
		Confidence: alt.Confidence,
		Timestamp:  time.Duration(r.Start * float64(time.Second)),
		Duration:   time.Duration(r.Duration * float64(time.Second)),
	}
	if len(alt.Languages) > 0 {
		tr.Language = alt.Languages[0]
	}
	return tr, true
}
