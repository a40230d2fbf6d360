// Package coqui synthesizes speech on a self-hosted Coqui server, either the
// stock TTS server ([APIModeStandard]) or the XTTS v2 API server
// ([APIModeXTTS]).
//
// Coqui renders one WAV file per request. Synthesize therefore splits the
// text into sentences and keeps a few requests in flight, emitting audio in
// sentence order at the requested rate.
package coqui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/audio/resample"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	// Synthesis requests in flight per stream.
	sentenceLookahead = 3

	pcmChunkSize = 4096
)

// APIMode names a Coqui server flavour.
type APIMode string

const (
	APIModeStandard APIMode = "standard" // GET /api/tts, voices from /details
	APIModeXTTS     APIMode = "xtts"     // POST /tts_to_audio/, voices from /studio_speakers
)

type Option func(*Provider)

// WithLanguage sets the language for requests that carry none. Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.lang = lang }
}

func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode selects the server flavour. Default [APIModeStandard].
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// Provider talks to one Coqui server.
type Provider struct {
	base   string
	lang   string
	mode   APIMode
	api    flavour
	client *http.Client
}

var _ tts.Provider = (*Provider)(nil)

func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: server url is required")
	}
	p := &Provider{
		base:   strings.TrimRight(serverURL, "/"),
		lang:   defaultLanguage,
		mode:   APIModeStandard,
		client: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.mode {
	case APIModeStandard:
		p.api = standardAPI{}
	case APIModeXTTS:
		p.api = xttsAPI{}
	default:
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.mode)
	}
	return p, nil
}

// line is one sentence to render.
type line struct {
	text, voice, lang string
}

func (p *Provider) Synthesize(ctx context.Context, req tts.SynthesisRequest) (*tts.Stream, error) {
	sentences := splitSentences(req.Text)
	if len(sentences) == 0 {
		return tts.FinishedStream(nil), nil
	}
	if p.mode == APIModeXTTS && req.Voice == "" {
		return nil, errors.New("coqui: xtts needs a voice")
	}
	lang := p.lang
	if req.Language != "" {
		lang = primarySubtag(req.Language)
	}
	lines := make([]line, len(sentences))
	for i, s := range sentences {
		lines[i] = line{text: s, voice: req.Voice, lang: lang}
	}

	stream := tts.NewStream(32)
	go func() { stream.Finish(p.render(ctx, lines, req.SampleRate, stream)) }()
	return stream, nil
}

type clip struct {
	pcm  []byte
	rate int
	err  error
}

// render requests up to sentenceLookahead lines ahead of the one being
// emitted and emits them in order.
func (p *Provider) render(ctx context.Context, lines []line, rate int, stream *tts.Stream) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pending := make(chan chan clip, sentenceLookahead)
	go func() {
		defer close(pending)
		for _, l := range lines {
			out := make(chan clip, 1)
			select {
			case pending <- out:
			case <-ctx.Done():
				return
			}
			go func() {
				pcm, r, err := p.fetch(ctx, l)
				out <- clip{pcm: pcm, rate: r, err: err}
			}()
		}
	}()

	var conv *resample.Converter
	for out := range pending {
		var c clip
		select {
		case c = <-out:
		case <-ctx.Done():
			return ctx.Err()
		}
		if c.err != nil {
			return c.err
		}
		pcm := c.pcm
		if rate > 0 {
			if conv == nil || conv.SourceRate() != c.rate {
				if err := sendTail(ctx, conv, stream); err != nil {
					return err
				}
				var err error
				if conv, err = resample.New(c.rate, rate); err != nil {
					return fmt.Errorf("coqui: %w", err)
				}
			}
			var err error
			if pcm, err = conv.Process(pcm); err != nil {
				return fmt.Errorf("coqui: %w", err)
			}
		}
		for chunk := range chunks(pcm, pcmChunkSize) {
			if !stream.Send(ctx, chunk) {
				return ctx.Err()
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sendTail(ctx, conv, stream)
}

// sendTail emits what conv still holds once the clips it converted have all
// been sent.
func sendTail(ctx context.Context, conv *resample.Converter, stream *tts.Stream) error {
	if conv == nil {
		return nil
	}
	tail, err := conv.Flush()
	if err != nil {
		return fmt.Errorf("coqui: %w", err)
	}
	for chunk := range chunks(tail, pcmChunkSize) {
		if !stream.Send(ctx, chunk) {
			return ctx.Err()
		}
	}
	return nil
}

// fetch renders one line and returns its PCM and native rate.
func (p *Provider) fetch(ctx context.Context, l line) ([]byte, int, error) {
	req, err := p.api.synthesis(ctx, p.base, l)
	if err != nil {
		return nil, 0, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")
	body, err := p.do(req)
	if err != nil {
		return nil, 0, err
	}
	return decodeWAV(body)
}

func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return p.api.voices(ctx, p)
}

// do sends req and returns the body of a 200 response.
func (p *Provider) do(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read %s: %w", req.URL.Path, err)
	}
	return body, nil
}

// chunks yields b in pieces of at most n bytes.
func chunks(b []byte, n int) func(yield func([]byte) bool) {
	return func(yield func([]byte) bool) {
		for len(b) > 0 {
			k := min(n, len(b))
			if !yield(b[:k]) {
				return
			}
			b = b[k:]
		}
	}
}

func primarySubtag(tag string) string {
	tag = strings.ToLower(tag)
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		return tag[:i]
	}
	return tag
}
