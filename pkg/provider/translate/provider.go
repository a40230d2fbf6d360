// Package translate defines the text translation contract.
//
// A Provider detects the language of a finalized utterance and translates it
// into the session's target language. Language codes are BCP-47 tags such as
// "en", "de" or "zh-TW". Implementations must be safe for concurrent use.
package translate

import "context"

// Provider is the abstraction over any translation backend.
type Provider interface {
	// DetectLanguage returns the most likely language of text. Blank or
	// undetectable text yields "" and a nil error.
	DetectLanguage(ctx context.Context, text string) (string, error)

	// Translate renders text in target. An empty source lets the backend
	// infer it. Blank text yields "" without calling the backend.
	Translate(ctx context.Context, text, source, target string) (string, error)
}
