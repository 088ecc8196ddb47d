package signals

import "strings"

// EditBucket is a coarse measure of how much a draft was changed.
type EditBucket string

// Buckets by normalised edit distance (distance / length of the longer text).
const (
	EditNone     EditBucket = "none"     // 0
	EditMinor    EditBucket = "minor"    // up to 5%
	EditModerate EditBucket = "moderate" // up to 20%
	EditMajor    EditBucket = "major"    // up to 50%
	EditRewrite  EditBucket = "rewrite"  // above 50%
)

// Valid reports whether b is a known bucket.
func (b EditBucket) Valid() bool {
	switch b {
	case EditNone, EditMinor, EditModerate, EditMajor, EditRewrite:
		return true
	}
	return false
}

// maxCells bounds the rune-level dynamic programming table. Larger inputs are
// compared word by word instead.
const maxCells = 16 << 20

// MeasureEdit buckets the Levenshtein distance between draft and final. Only
// the bucket leaves this function.
func MeasureEdit(draft, final string) EditBucket {
	if draft == final {
		return EditNone
	}
	a, b := []rune(draft), []rune(final)
	var dist, longest int
	if len(a)*len(b) <= maxCells {
		dist, longest = levenshtein(a, b), max(len(a), len(b))
	} else {
		wa, wb := strings.Fields(draft), strings.Fields(final)
		dist, longest = levenshtein(wa, wb), max(len(wa), len(wb))
	}
	return bucketFor(dist, longest)
}

func bucketFor(dist, longest int) EditBucket {
	if dist == 0 || longest == 0 {
		return EditNone
	}
	ratio := float64(dist) / float64(longest)
	switch {
	case ratio <= 0.05:
		return EditMinor
	case ratio <= 0.20:
		return EditModerate
	case ratio <= 0.50:
		return EditMajor
	default:
		return EditRewrite
	}
}

// levenshtein computes the edit distance with two rows.
func levenshtein[T comparable](a, b []T) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
