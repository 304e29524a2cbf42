package call

import (
	"strings"
	"unicode/utf8"
)

// DefaultHallucinations are transcripts the speech recogniser emits for
// silence or noise: the product name on its own.
var DefaultHallucinations = []string{"sumnex", "sumnex platform", "platform"}

// minTranscriptRunes is the shortest transcript treated as real speech.
const minTranscriptRunes = 3

// transcriptFilter drops recogniser artefacts. Matching is exact after
// trimming, case-insensitive, and ignores trailing punctuation.
type transcriptFilter struct {
	phrases map[string]struct{}
}

func newTranscriptFilter(phrases []string) transcriptFilter {
	f := transcriptFilter{phrases: make(map[string]struct{}, len(phrases))}
	for _, p := range phrases {
		if p = normalise(p); p != "" {
			f.phrases[p] = struct{}{}
		}
	}
	return f
}

// keep reports whether text should be added to the transcript, and the
// reason when it should not.
func (f transcriptFilter) keep(text string) (bool, string) {
	n := normalise(text)
	if utf8.RuneCountInString(n) < minTranscriptRunes {
		return false, "too short"
	}
	if _, ok := f.phrases[n]; ok {
		return false, "hallucination"
	}
	return true, ""
}

func normalise(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, ".!?, ")
}
