// Package language classifies text by script family. It is used to
// validate that provider output matches a session's configured
// language; mismatches are observability-only and never block a turn.
package language

import "strings"

// Scripts reports which script families appear in text.
type Scripts struct {
	HasDevanagari bool
	HasLatin      bool
}

// DetectScripts scans text for Devanagari (U+0900..U+097F) and basic
// Latin letters.
func DetectScripts(text string) Scripts {
	t := strings.TrimSpace(text)
	if t == "" {
		return Scripts{}
	}

	var s Scripts
	for _, r := range t {
		switch {
		case r >= 0x0900 && r <= 0x097F:
			s.HasDevanagari = true
		case (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z'):
			s.HasLatin = true
		}
		if s.HasDevanagari && s.HasLatin {
			break
		}
	}
	return s
}

// ExpectedLanguageMismatch reports whether text is written in a script
// that contradicts the declared language. For "hi" a purely Latin text
// is a mismatch; for "en" any Devanagari is.
func ExpectedLanguageMismatch(language, text string) bool {
	s := DetectScripts(text)
	if language == "hi" {
		return !s.HasDevanagari && s.HasLatin
	}
	return s.HasDevanagari
}
