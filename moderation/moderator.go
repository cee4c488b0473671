// Package moderation masks censored vocabulary in outbound message
// content before it is persisted or delivered.
package moderation

import (
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// Moderator holds an Aho-Corasick automaton over the normalized censored
// vocabulary. Matching ignores case, punctuation, and spacing so padded
// spellings ("b.a.d") still hit.
type Moderator struct {
	machine     *goahocorasick.Machine
	replacement rune
}

// NewModerator builds the automaton once; construction cost is paid at
// startup, Censor itself does no allocation beyond the rune buffers.
func NewModerator(words []string, replacement rune) (*Moderator, error) {
	patterns := make([][]rune, 0, len(words))
	for _, word := range words {
		if normalized, _ := normalize([]rune(word)); len(normalized) > 0 {
			patterns = append(patterns, normalized)
		}
	}
	machine := new(goahocorasick.Machine)
	if err := machine.Build(patterns); err != nil {
		return nil, err
	}
	return &Moderator{machine: machine, replacement: replacement}, nil
}

// Censor replaces every censored span with the replacement rune,
// preserving length and the characters skipped during normalization.
func (m *Moderator) Censor(content string) string {
	runes := []rune(content)
	normalized, sourceIdx := normalize(runes)
	if len(normalized) == 0 {
		return content
	}

	matches := m.machine.MultiPatternSearch(normalized, false)
	if len(matches) == 0 {
		return content
	}

	for _, match := range matches {
		start := match.Pos
		end := start + len(match.Word)
		if start < 0 || end > len(sourceIdx) {
			continue
		}
		for i := sourceIdx[start]; i <= sourceIdx[end-1]; i++ {
			runes[i] = m.replacement
		}
	}
	return string(runes)
}

// normalize lowercases and strips everything that is not a letter or a
// digit, returning the normalized runes plus a map back to the source
// index of each kept rune.
func normalize(src []rune) ([]rune, []int) {
	normalized := make([]rune, 0, len(src))
	sourceIdx := make([]int, 0, len(src))
	for i, r := range src {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		normalized = append(normalized, unicode.ToLower(r))
		sourceIdx = append(sourceIdx, i)
	}
	return normalized, sourceIdx
}
