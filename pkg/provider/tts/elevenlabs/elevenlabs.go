// Package elevenlabs streams speech from the ElevenLabs stream-input
// WebSocket API.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/pkg/audio/resample"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	wsBase         = "wss://api.elevenlabs.io"
	apiBase        = "https://api.elevenlabs.io"
	defaultModel   = "eleven_flash_v2_5"
	defaultVoiceID = "21m00Tcm4TlvDq8ikWAM"
	fallbackRate   = 16000

	// Base64 audio frames of a long sentence run to a few hundred KiB.
	readLimit = 4 << 20
)

// Raw PCM rates ElevenLabs can emit. Anything else is resampled from
// fallbackRate.
var pcmRates = []int{8000, 16000, 22050, 24000, 44100}

type Option func(*Provider)

// WithModel sets the model id. Default "eleven_flash_v2_5".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithDefaultVoice sets the voice for requests that carry none.
func WithDefaultVoice(id string) Option {
	return func(p *Provider) { p.defaultVoice = id }
}

// WithVoiceSettings tunes every stream. Both values are 0 to 1; the defaults
// are 0.5 and 0.75.
func WithVoiceSettings(stability, similarity float64) Option {
	return func(p *Provider) { p.settings = voiceSettings{Stability: stability, SimilarityBoost: similarity} }
}

// WithBaseURLs points the provider at other WebSocket and REST hosts.
func WithBaseURLs(wsURL, httpURL string) Option {
	return func(p *Provider) {
		p.wsBase = strings.TrimRight(wsURL, "/")
		p.apiBase = strings.TrimRight(httpURL, "/")
	}
}

type Provider struct {
	apiKey       string
	model        string
	defaultVoice string
	settings     voiceSettings
	wsBase       string
	apiBase      string
	client       *http.Client
}

var _ tts.Provider = (*Provider)(nil)

func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key is required")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		defaultVoice: defaultVoiceID,
		settings:     voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		wsBase:       wsBase,
		apiBase:      apiBase,
		client:       http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ── stream-input protocol ───────────────────────────────────────────────────

// textChunk is a client message. The first carries the voice settings, an
// empty Text ends the input.
type textChunk struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type serverMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func outputRate(want int) int {
	if slices.Contains(pcmRates, want) {
		return want
	}
	return fallbackRate
}

func (p *Provider) streamURL(voice, language string, rate int) string {
	q := url.Values{
		"model_id":      {p.model},
		"output_format": {"pcm_" + strconv.Itoa(rate)},
	}
	if language != "" {
		q.Set("language_code", primarySubtag(language))
	}
	return p.wsBase + "/v1/text-to-speech/" + url.PathEscape(voice) + "/stream-input?" + q.Encode()
}

// Synthesize sends the whole text in one chunk and flushes it. Audio is
// forwarded as it arrives, resampled when ElevenLabs cannot emit
// req.SampleRate itself.
func (p *Provider) Synthesize(ctx context.Context, req tts.SynthesisRequest) (*tts.Stream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return tts.FinishedStream(nil), nil
	}
	voice := cmpOr(req.Voice, p.defaultVoice)
	want := req.SampleRate
	if want <= 0 {
		want = fallbackRate
	}
	native := outputRate(want)
	conv, err := resample.New(native, want)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(voice, req.Language, native), &websocket.DialOptions{
		HTTPHeader: http.Header{"xi-api-key": {p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	settings := p.settings
	for _, m := range []textChunk{
		{Text: " ", VoiceSettings: &settings},
		{Text: req.Text + " ", TryTriggerGeneration: true},
		{Text: ""},
	} {
		if err := wsjson.Write(ctx, conn, m); err != nil {
			conn.Close(websocket.StatusInternalError, "send failed")
			return nil, fmt.Errorf("elevenlabs: send text: %w", err)
		}
	}

	stream := tts.NewStream(64)
	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "")
		stream.Finish(receive(ctx, conn, conv, stream))
	}()
	return stream, nil
}

// receive forwards audio until the server marks the stream final or closes
// it normally.
func receive(ctx context.Context, conn *websocket.Conn, conv *resample.Converter, stream *tts.Stream) error {
	for {
		_, data, err := conn.Read(ctx)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return sendTail(ctx, conv, stream)
		}
		if err != nil {
			return fmt.Errorf("elevenlabs: read: %w", err)
		}
		msg, err := decodeMessage(data)
		if err != nil {
			return err
		}
		if msg.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			if pcm, err = conv.Process(pcm); err != nil {
				return fmt.Errorf("elevenlabs: %w", err)
			}
			if !stream.Send(ctx, pcm) {
				return ctx.Err()
			}
		}
		if msg.IsFinal {
			return sendTail(ctx, conv, stream)
		}
	}
}

// sendTail emits the samples the converter still holds as the last chunk.
func sendTail(ctx context.Context, conv *resample.Converter, stream *tts.Stream) error {
	tail, err := conv.Flush()
	if err != nil {
		return fmt.Errorf("elevenlabs: %w", err)
	}
	if !stream.Send(ctx, tail) {
		return ctx.Err()
	}
	return nil
}

func decodeMessage(data []byte) (serverMessage, error) {
	var m serverMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("elevenlabs: decode message: %w", err)
	}
	if m.Error != "" {
		return m, fmt.Errorf("elevenlabs: server error: %s: %s", m.Error, m.Message)
	}
	return m, nil
}

func cmpOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func primarySubtag(tag string) string {
	tag = strings.ToLower(tag)
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		return tag[:i]
	}
	return tag
}
