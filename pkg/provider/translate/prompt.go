package translate

import (
	"fmt"
	"strings"
	"unicode"
)

// DetectInstruction is the system prompt used by model-backed providers for
// language identification.
const DetectInstruction = `Identify the language of the user's text. ` +
	`Reply with the BCP-47 language tag only (for example "en", "de", "zh-TW"). ` +
	`Reply "und" if the language cannot be determined.`

// TranslateInstruction returns the system prompt for translating from source
// (empty means unknown) into target.
func TranslateInstruction(source, target string) string {
	from := "the source language"
	if source != "" {
		from = fmt.Sprintf("%q", source)
	}
	return fmt.Sprintf("You are a simultaneous interpreter. Translate the user's text from %s into %q. "+
		"Reply with the translation only, without quotes, notes or explanations. "+
		"Keep names, numbers and punctuation style.", from, target)
}

// NormalizeLanguage turns a model reply into a language tag. Replies that do
// not look like a tag, and the "und" tag itself, yield "".
func NormalizeLanguage(reply string) string {
	s := strings.TrimSpace(reply)
	s = strings.Trim(s, "\"'`.,;:!")
	if f := strings.Fields(s); len(f) > 0 {
		s = f[0]
	}
	s = strings.ReplaceAll(s, "_", "-")
	if s == "" || len(s) > 16 {
		return ""
	}
	for _, r := range s {
		if r != '-' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return ""
		}
	}
	parts := strings.Split(s, "-")
	if len(parts[0]) < 2 || len(parts[0]) > 3 {
		return ""
	}
	parts[0] = strings.ToLower(parts[0])
	if parts[0] == "und" {
		return ""
	}
	for i := 1; i < len(parts); i++ {
		switch len(parts[i]) {
		case 2:
			parts[i] = strings.ToUpper(parts[i])
		case 4:
			parts[i] = strings.ToUpper(parts[i][:1]) + strings.ToLower(parts[i][1:])
		}
	}
	return strings.Join(parts, "-")
}

// CleanTranslation strips whitespace and a single pair of wrapping quotes
// that models tend to add.
func CleanTranslation(reply string) string {
	s := strings.TrimSpace(reply)
	for _, q := range [][2]string{{`"`, `"`}, {"“", "”"}, {"「", "」"}, {"'", "'"}} {
		if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
			s = strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
			break
		}
	}
	return s
}

// IsBlank reports whether text contains nothing but whitespace.
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}
