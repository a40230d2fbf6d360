package elevenlabs

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

type voice struct {
	VoiceID   string            `json:"voice_id"`
	Name      string            `json:"name"`
	Category  string            `json:"category"`
	Labels    map[string]string `json:"labels"`
	Languages []struct {
		Language string `json:"language"`
	} `json:"verified_languages"`
}

// ListVoices returns the voices the api key can use, including cloned ones.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: status %d", resp.StatusCode)
	}

	var body struct {
		Voices []voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: decode: %w", err)
	}
	out := make([]tts.VoiceProfile, 0, len(body.Voices))
	for _, v := range body.Voices {
		out = append(out, v.profile())
	}
	return out, nil
}

// profile keeps the labels as metadata next to the category. Verified
// languages become the voice's languages, deduplicated.
func (v voice) profile() tts.VoiceProfile {
	meta := maps.Clone(v.Labels)
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	if v.Category != "" {
		meta["category"] = v.Category
	}
	var langs []string
	for _, l := range v.Languages {
		if l.Language != "" && !slices.Contains(langs, l.Language) {
			langs = append(langs, l.Language)
		}
	}
	return tts.VoiceProfile{ID: v.VoiceID, Name: v.Name, Provider: "elevenlabs", Languages: langs, Metadata: meta}
}
