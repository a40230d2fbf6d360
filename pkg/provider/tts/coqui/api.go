package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	pathTTS      = "/api/tts"
	pathDetails  = "/details"
	pathXTTS     = "/tts_to_audio/"
	pathSpeakers = "/studio_speakers"
)

// flavour is what differs between the two Coqui servers.
type flavour interface {
	synthesis(ctx context.Context, base string, l line) (*http.Request, error)
	voices(ctx context.Context, p *Provider) ([]tts.VoiceProfile, error)
}

func getJSON(ctx context.Context, p *Provider, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	body, err := p.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", path, err)
	}
	return nil
}

// ── standard server ─────────────────────────────────────────────────────────

type standardAPI struct{}

func (standardAPI) synthesis(ctx context.Context, base string, l line) (*http.Request, error) {
	q := url.Values{"text": {l.text}}
	if l.voice != "" {
		q.Set("speaker_id", l.voice)
	}
	if l.lang != "" {
		q.Set("language_id", l.lang)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, base+pathTTS+"?"+q.Encode(), nil)
}

// voices lists the model's speakers. A single-speaker model yields one voice
// with an empty id, which the server accepts as "no speaker".
func (standardAPI) voices(ctx context.Context, p *Provider) ([]tts.VoiceProfile, error) {
	var d struct {
		ModelName string   `json:"model_name"`
		Language  string   `json:"language"`
		Speakers  []string `json:"speakers"`
	}
	if err := getJSON(ctx, p, pathDetails, &d); err != nil {
		return nil, err
	}
	var langs []string
	if d.Language != "" {
		langs = []string{d.Language}
	}
	if len(d.Speakers) == 0 {
		name := d.ModelName
		if name == "" {
			name = "default"
		}
		return []tts.VoiceProfile{{
			Name: name, Provider: "coqui", Languages: langs,
			Metadata: map[string]string{"type": "single-speaker", "model_name": name},
		}}, nil
	}
	out := make([]tts.VoiceProfile, 0, len(d.Speakers))
	for _, s := range slices.Sorted(slices.Values(d.Speakers)) {
		out = append(out, tts.VoiceProfile{
			ID: s, Name: s, Provider: "coqui", Languages: langs,
			Metadata: map[string]string{"type": "speaker", "model_name": d.ModelName},
		})
	}
	return out, nil
}

// ── XTTS server ─────────────────────────────────────────────────────────────

type xttsAPI struct{}

func (xttsAPI) synthesis(ctx context.Context, base string, l line) (*http.Request, error) {
	body, err := json.Marshal(struct {
		Text       string `json:"text"`
		SpeakerWav string `json:"speaker_wav"`
		Language   string `json:"language"`
	}{l.text, l.voice, l.lang})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+pathXTTS, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// voices lists studio speakers. XTTS speaks every supported language with
// each of them, so no languages are declared.
func (xttsAPI) voices(ctx context.Context, p *Provider) ([]tts.VoiceProfile, error) {
	var speakers map[string]json.RawMessage
	if err := getJSON(ctx, p, pathSpeakers, &speakers); err != nil {
		return nil, err
	}
	out := make([]tts.VoiceProfile, 0, len(speakers))
	for _, name := range slices.Sorted(maps.Keys(speakers)) {
		out = append(out, tts.VoiceProfile{
			ID: name, Name: name, Provider: "coqui",
			Metadata: map[string]string{"type": "studio"},
		})
	}
	return out, nil
}
