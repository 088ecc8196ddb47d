package pii

import (
	"sort"
	"strings"
)

// ResolvedSet is a non-overlapping set of spans for one document, ordered by
// ascending Start. It is only produced by Resolve and Propagate.
type ResolvedSet struct {
	spans []Span
}

// Len returns the number of spans.
func (r ResolvedSet) Len() int { return len(r.spans) }

// Spans returns the spans in ascending offset order.
func (r ResolvedSet) Spans() []Span {
	out := make([]Span, len(r.spans))
	copy(out, r.spans)
	return out
}

// Descending returns the spans in descending offset order.
func (r ResolvedSet) Descending() []Span {
	out := make([]Span, len(r.spans))
	for i, sp := range r.spans {
		out[len(r.spans)-1-i] = sp
	}
	return out
}

// Clear drops every span, releasing references to the covered text.
func (r *ResolvedSet) Clear() {
	for i := range r.spans {
		r.spans[i] = Span{}
	}
	r.spans = nil
}

// Resolve reconciles candidate spans from any number of detectors into one
// non-overlapping set.
//
// Candidates are sorted by Start ascending, then by length descending. Each
// candidate that overlaps the last accepted span competes with it: the longer
// span wins, then the higher confidence, then statistical provenance over
// pattern provenance; a full tie keeps the span already accepted.
// Spans with empty or negative ranges are dropped.
func Resolve(candidates []Span) ResolvedSet {
	sorted := make([]Span, 0, len(candidates))
	for _, sp := range candidates {
		if sp.Start < 0 || sp.End <= sp.Start {
			continue
		}
		sorted = append(sorted, sp)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].Len() > sorted[j].Len()
	})

	accepted := make([]Span, 0, len(sorted))
	for _, sp := range sorted {
		n := len(accepted)
		if n == 0 || !accepted[n-1].Overlaps(sp) {
			accepted = append(accepted, sp)
			continue
		}
		// The previous accepted span ends at or before accepted[n-1].Start,
		// which is <= sp.Start, so replacing the last entry keeps the set
		// non-overlapping.
		if beats(sp, accepted[n-1]) {
			accepted[n-1] = sp
		}
	}
	return ResolvedSet{spans: accepted}
}

// beats reports whether challenger should replace incumbent.
func beats(challenger, incumbent Span) bool {
	if challenger.Len() != incumbent.Len() {
		return challenger.Len() > incumbent.Len()
	}
	if challenger.Confidence != incumbent.Confidence {
		return challenger.Confidence > incumbent.Confidence
	}
	return challenger.Provenance > incumbent.Provenance
}

// PropagationDetectorID marks spans added by Propagate.
const PropagationDetectorID = "propagation"

// Propagate extends set with every further occurrence in text of a value that
// was already detected, inflected forms included, as long as the value is at least minLen
// bytes and the occurrence does not overlap an existing span. A name a
// detector recognised once is then replaced at every mention.
func Propagate(text string, set ResolvedSet, minLen int) ResolvedSet {
	if set.Len() == 0 {
		return set
	}
	type identity struct {
		typ  Type
		text string
	}
	seen := make(map[identity]bool, set.Len())
	candidates := make([]Span, 0, set.Len())
	for _, sp := range set.spans {
		id := identity{sp.Type, sp.Text}
		if seen[id] || len(sp.Text) < minLen || sp.Text == "" {
			continue
		}
		seen[id] = true
		for _, start := range Occurrences(text, sp.Text) {
			c := Span{
				Type:       sp.Type,
				Start:      start,
				End:        start + len(sp.Text),
				Text:       sp.Text,
				Confidence: sp.Confidence,
				DetectorID: PropagationDetectorID,
				Provenance: sp.Provenance,
			}
			if !overlapsAny(c, set.spans) {
				candidates = append(candidates, c)
			}
		}
	}
	if len(candidates) == 0 {
		return set
	}
	return Resolve(append(set.Spans(), candidates...))
}

func overlapsAny(c Span, spans []Span) bool {
	i := sort.Search(len(spans), func(i int) bool { return spans[i].End > c.Start })
	return i < len(spans) && spans[i].Start < c.End
}

// Occurrences returns the byte offsets of every non-overlapping occurrence of
// value in text, including occurrences inside longer words ("Muellers",
// "Annahme"). A value embedded in a word still identifies the person, so it
// is matched like any other mention. Offsets always fall on rune boundaries
// because text and value are both UTF-8.
func Occurrences(text, value string) []int {
	if value == "" {
		return nil
	}
	var out []int
	for from := 0; from <= len(text)-len(value); {
		i := strings.Index(text[from:], value)
		if i < 0 {
			break
		}
		out = append(out, from+i)
		from += i + len(value)
	}
	return out
}
