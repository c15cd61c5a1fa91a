package extract

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	minTokenLen              = 4
)

// MatcherOption is a functional option for configuring a [Matcher].
type MatcherOption func(*Matcher)

// WithThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched vocabulary entry to be accepted. Default: 0.70.
func WithThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.threshold = threshold
	}
}

// Matcher maps misheard transcript tokens onto vocabulary symptoms using
// Double Metaphone candidate filtering followed by Jaro-Winkler ranking.
// Speech recognition regularly mangles symptom names ("noseea" for nausea,
// "fatig" for fatigue); a phonetic code overlap recovers them without
// admitting arbitrary fuzzy matches.
//
// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	threshold float64
}

// NewMatcher returns a [Matcher] configured with the supplied options.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{threshold: defaultPhoneticThreshold}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Scan returns the vocabulary entries phonetically present in the transcript.
// Results are lowercase vocabulary spellings; the caller's symptom set
// handles capitalization and deduplication.
func (m *Matcher) Scan(lowerTranscript string, vocabulary []string) []string {
	tokens := wordRe.FindAllString(lowerTranscript, -1)
	var out []string
	for _, entry := range vocabulary {
		if m.matchesEntry(tokens, entry) {
			out = append(out, entry)
		}
	}
	return out
}

// matchesEntry reports whether any transcript token is a phonetic match for
// any word of the vocabulary entry.
func (m *Matcher) matchesEntry(tokens []string, entry string) bool {
	for _, word := range strings.Fields(entry) {
		p1, s1 := matchr.DoubleMetaphone(word)
		for _, tok := range tokens {
			if len(tok) < minTokenLen {
				continue
			}
			p2, s2 := matchr.DoubleMetaphone(tok)
			if !codesOverlap(p1, s1, p2, s2) {
				continue
			}
			if matchr.JaroWinkler(word, tok, true) >= m.threshold {
				return true
			}
		}
	}
	return false
}

// codesOverlap reports whether any non-empty Double Metaphone code of one
// word equals any code of the other.
func codesOverlap(p1, s1, p2, s2 string) bool {
	for _, a := range []string{p1, s1} {
		if a == "" {
			continue
		}
		if a == p2 || (s2 != "" && a == s2) {
			return true
		}
	}
	return false
}
