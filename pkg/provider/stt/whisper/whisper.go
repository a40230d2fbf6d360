// Package whisper provides an STT provider backed by a remote whisper.cpp
// server (the whisper-server binary and its POST /inference endpoint).
//
// whisper.cpp is a batch engine, so the session segments the incoming PCM on
// energy: speech is buffered until a run of silence (or the buffer limit)
// closes the utterance, which is then uploaded as a WAV file. Every committed
// utterance is emitted once on Partials and once on Finals with the same text.
//
//	p, err := whisper.New("http://whisper.lan:8080", whisper.WithSilenceThresholdMs(600))
//	handle, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/resample"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	// silenceLevel is the mean absolute sample value below which a chunk
	// counts as silence.
	silenceLevel = 250.0

	// autoLanguage asks whisper-server to detect the spoken language.
	autoLanguage = "auto"

	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 15_000
	flushTimeout               = 30 * time.Second

	// modelRate is the rate whisper models consume. Mono uploads at other
	// rates are resampled so the server needs no --convert flag.
	modelRate = 16000
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model name forwarded to the server. Empty (the default)
// uses whatever model the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithSampleRate sets the default sample rate for streams that leave
// StreamConfig.SampleRate zero.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithSilenceThresholdMs sets how much trailing silence closes an utterance.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) {
		p.silenceThresholdMs = ms
	}
}

// WithMaxBufferDurationMs caps how much continuous speech is buffered before
// an upload is forced.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) {
		p.maxBufferDurationMs = ms
	}
}

// WithHTTPClient replaces the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider against a whisper.cpp server.
type Provider struct {
	serverURL           string
	model               string
	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int
	httpClient          *http.Client
}

// New returns a Provider for the server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:           strings.TrimRight(serverURL, "/"),
		sampleRate:          defaultSampleRate,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		httpClient:          &http.Client{Timeout: flushTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a session. No connection is made until the first
// utterance is committed. An empty cfg.Language selects auto-detection.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}

	s := &session{
		p:          p,
		language:   cfg.Language,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		audioCh:    make(chan []byte, 256),
		partials:   make(chan stt.Transcript, 64),
		finals:     make(chan stt.Transcript, 64),
		done:       make(chan struct{}),
	}
	if s.language == "" {
		s.language = autoLanguage
	}
	if s.sampleRate <= 0 {
		s.sampleRate = p.sampleRate
	}
	if s.channels <= 0 {
		s.channels = 1
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(sctx)
	return s, nil
}

// session implements stt.SessionHandle. Buffer state is owned by run.
type session struct {
	p          *Provider
	language   string
	sampleRate int
	channels   int

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// SendAudio queues a PCM chunk for segmentation.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// Close uploads any buffered speech, then closes both channels.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.cancel()
	})
	return nil
}

// utterance accumulates one segment of speech.
type utterance struct {
	pcm       []byte
	speech    bool
	silenceMs int
	offset    time.Duration
}

func (s *session) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	bytesPerMs := s.sampleRate * s.channels * audio.BytesPerSample / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = defaultSampleRate * audio.BytesPerSample / 1000
	}
	maxBytes := s.p.maxBufferDurationMs * bytesPerMs

	var (
		cur     utterance
		elapsed time.Duration
	)
	commit := func(ctx context.Context) {
		u := cur
		cur = utterance{offset: elapsed}
		if !u.speech || len(u.pcm) == 0 {
			return
		}
		text, lang, err := s.infer(ctx, u.pcm)
		if err != nil || strings.TrimSpace(text) == "" {
			return
		}
		t := stt.Transcript{
			Text:      strings.TrimSpace(text),
			Language:  lang,
			Timestamp: u.offset,
			Duration:  time.Duration(len(u.pcm)/bytesPerMs) * time.Millisecond,
		}
		select {
		case s.partials <- t:
		default:
		}
		t.IsFinal = true
		select {
		case s.finals <- t:
		default:
		}
	}
	final := func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
		commit(fctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			final()
			return
		case chunk := <-s.audioCh:
			chunkMs := len(chunk) / bytesPerMs
			elapsed += time.Duration(chunkMs) * time.Millisecond

			if audio.MeanAbs(chunk) < silenceLevel {
				if !cur.speech {
					// Leading silence is dropped.
					cur.offset = elapsed
					continue
				}
				cur.pcm = append(cur.pcm, chunk...)
				cur.silenceMs += chunkMs
				if cur.silenceMs >= s.p.silenceThresholdMs {
					commit(ctx)
				}
				continue
			}
			cur.speech = true
			cur.silenceMs = 0
			cur.pcm = append(cur.pcm, chunk...)
			if maxBytes > 0 && len(cur.pcm) >= maxBytes {
				commit(ctx)
			}
		}
	}
}

// inferResponse is the subset of the whisper-server JSON reply parley uses.
type inferResponse struct {
	Text             string `json:"text"`
	Language         string `json:"language"`
	DetectedLanguage string `json:"detected_language"`
}

// infer uploads pcm as a WAV file and returns the text and, when the server
// reports it, the detected language.
func (s *session) infer(ctx context.Context, pcm []byte) (string, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", "", fmt.Errorf("whisper: create form file: %w", err)
	}
	rate := s.sampleRate
	if rate != modelRate && s.channels == 1 {
		if pcm, err = resample.Mono16(pcm, rate, modelRate); err != nil {
			return "", "", fmt.Errorf("whisper: %w", err)
		}
		rate = modelRate
	}
	if _, err := fw.Write(encodeWAV(pcm, rate, s.channels)); err != nil {
		return "", "", fmt.Errorf("whisper: write wav: %w", err)
	}
	fields := [][2]string{
		{"language", s.language},
		{"response_format", "verbose_json"},
	}
	if s.p.model != "" {
		fields = append(fields, [2]string{"model", s.p.model})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return "", "", fmt.Errorf("whisper: write field %s: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.serverURL+"/inference", &body)
	if err != nil {
		return "", "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.p.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("whisper: inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("whisper: decode response: %w", err)
	}
	lang := out.DetectedLanguage
	if lang == "" {
		lang = out.Language
	}
	if lang == autoLanguage {
		lang = ""
	}
	return out.Text, lang, nil
}

// encodeWAV wraps 16-bit little-endian PCM in a canonical 44-byte RIFF header.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	blockAlign := channels * audio.BytesPerSample
	buf := make([]byte, 44+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}
