// Package similarity wraps difflib's SequenceMatcher for the fuzzy string
// comparisons used by student detection and assignment matching.
package similarity

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Ratio returns a similarity ratio in [0,1] between two strings, computed
// character by character.
func Ratio(a, b string) float64 {
	if a == "" || b == "" {
		return 0.0
	}
	if a == b {
		return 1.0
	}

	m := difflib.NewMatcher(strings.Split(a, ""), strings.Split(b, ""))
	return m.Ratio()
}

// FoldedRatio compares two strings case-insensitively with surrounding
// whitespace ignored. OCR output is noisy about both.
func FoldedRatio(a, b string) float64 {
	return Ratio(normalize(a), normalize(b))
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
