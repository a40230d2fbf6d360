package tts

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// VoiceProfile is one entry of a provider's voice catalogue.
type VoiceProfile struct {
	ID       string // what SynthesisRequest.Voice takes
	Name     string // display name, matched by ResolveVoice
	Provider string

	// Languages the voice speaks as BCP-47 tags. Empty when the provider
	// does not say.
	Languages []string

	// Metadata carries free-form labels such as gender or accent.
	Metadata map[string]string
}

// MinVoiceSimilarity is the Jaro-Winkler score a voice name must reach to
// match a hint that is neither an ID nor an exact name.
const MinVoiceSimilarity = 0.85

// ResolveVoice maps a user's voice hint onto one of voices.
//
// The hint matches, in order: a voice ID exactly, a voice name ignoring
// case, then the voice name with the highest Jaro-Winkler similarity at or
// above [MinVoiceSimilarity]. When language is non-empty, fuzzy candidates
// that declare languages must list one with the same primary subtag.
func ResolveVoice(hint, language string, voices []VoiceProfile) (VoiceProfile, bool) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return VoiceProfile{}, false
	}
	for _, v := range voices {
		if v.ID == hint {
			return v, true
		}
	}
	for _, v := range voices {
		if strings.EqualFold(v.Name, hint) {
			return v, true
		}
	}

	var (
		best      VoiceProfile
		bestScore float64
	)
	needle := strings.ToLower(hint)
	for _, v := range voices {
		if !speaks(v, language) {
			continue
		}
		score := matchr.JaroWinkler(needle, strings.ToLower(v.Name), false)
		if score > bestScore {
			best, bestScore = v, score
		}
	}
	if bestScore >= MinVoiceSimilarity {
		return best, true
	}
	return VoiceProfile{}, false
}

func speaks(v VoiceProfile, language string) bool {
	if language == "" || len(v.Languages) == 0 {
		return true
	}
	want := primarySubtag(language)
	for _, l := range v.Languages {
		if primarySubtag(l) == want {
			return true
		}
	}
	return false
}

func primarySubtag(tag string) string {
	tag = strings.ToLower(tag)
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		return tag[:i]
	}
	return tag
}
