package search

import (
	"strings"
	"unicode"
)

// shingleSize is the number of words per shingle.
const shingleSize = 3

// fingerprint is the comparable form of a result's text.
type fingerprint struct {
	normalized string
	shingles   map[string]struct{}
}

// newFingerprint lowercases text, drops punctuation and collapses
// whitespace, then collects word 3-shingles. Texts shorter than three
// words yield a single shingle of all their words.
func newFingerprint(text string) fingerprint {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	fp := fingerprint{
		normalized: strings.Join(words, " "),
		shingles:   make(map[string]struct{}),
	}
	if len(words) < shingleSize {
		if len(words) > 0 {
			fp.shingles[fp.normalized] = struct{}{}
		}
		return fp
	}
	for i := 0; i+shingleSize <= len(words); i++ {
		fp.shingles[strings.Join(words[i:i+shingleSize], " ")] = struct{}{}
	}
	return fp
}

// jaccard returns |a∩b| / |a∪b| over the shingle sets.
func jaccard(a, b fingerprint) float64 {
	if len(a.shingles) == 0 && len(b.shingles) == 0 {
		return 1
	}
	small, large := a.shingles, b.shingles
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for s := range small {
		if _, ok := large[s]; ok {
			inter++
		}
	}
	union := len(a.shingles) + len(b.shingles) - inter
	return float64(inter) / float64(union)
}

// nearDuplicate reports whether two texts are the same after normalization
// or their shingle similarity reaches threshold.
func nearDuplicate(a, b fingerprint, threshold float64) bool {
	if a.normalized == b.normalized {
		return true
	}
	return jaccard(a, b) >= threshold
}
