package ledger

import (
	"strings"
	"unicode/utf8"
)

const (
	// DuplicateThreshold is the similarity above which a question repeats an entry.
	DuplicateThreshold = 0.85
	// maxLengthGap bounds the fuzzy comparison to questions of similar length.
	maxLengthGap = 10
)

// Normalize trims and lower-cases a question for comparison.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Similarity scores two questions in [0,1] by character overlap.
//
// When one string contains the other the score is len(shorter)/len(longer).
// Otherwise it counts the characters of the shorter string that appear
// anywhere in the longer one, divided by len(longer). The count ignores
// position and multiplicity, so this is not an edit distance; callers depend
// on this exact behaviour.
func Similarity(a, b string) float64 {
	longer, shorter := b, a
	if utf8.RuneCountInString(a) > utf8.RuneCountInString(b) {
		longer, shorter = a, b
	}
	longerLen := utf8.RuneCountInString(longer)
	if longerLen == 0 {
		return 1.0
	}

	longer = strings.ToLower(longer)
	shorter = strings.ToLower(shorter)
	shorterLen := utf8.RuneCountInString(shorter)

	if strings.Contains(longer, shorter) || strings.Contains(shorter, longer) {
		return float64(shorterLen) / float64(longerLen)
	}

	matches := 0
	for _, r := range shorter {
		if strings.ContainsRune(longer, r) {
			matches++
		}
	}
	return float64(matches) / float64(longerLen)
}

// lengthGap is the absolute rune-length difference of two normalized strings.
func lengthGap(a, b string) int {
	gap := utf8.RuneCountInString(a) - utf8.RuneCountInString(b)
	if gap < 0 {
		return -gap
	}
	return gap
}
