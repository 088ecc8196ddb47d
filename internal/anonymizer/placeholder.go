package anonymizer

import (
	"regexp"
	"strconv"
	"strings"

	"legal-pii-handshake/internal/pii"
)

// Placeholder is a typed, sequence-numbered stand-in for one PII identity,
// rendered as "[LABEL_N]", e.g. "[PERSON_NAME_1]". Sequence numbers start at
// 1 and count per type within one document.
type Placeholder struct {
	Type pii.Type
	Seq  int
}

// String renders the canonical token.
func (p Placeholder) String() string {
	return "[" + p.Type.Label() + "_" + strconv.Itoa(p.Seq) + "]"
}

// canonicalRe matches canonical tokens only.
var canonicalRe = regexp.MustCompile(`\[([A-Z]+(?:_[A-Z]+)*)_([1-9]\d*)\]`)

// parsePlaceholder parses a canonical token such as "[EMAIL_2]".
func parsePlaceholder(s string) (Placeholder, bool) {
	m := canonicalRe.FindStringSubmatch(s)
	if m == nil || len(m[0]) != len(s) {
		return Placeholder{}, false
	}
	typ, ok := pii.TypeForLabel(m[1])
	if !ok {
		return Placeholder{}, false
	}
	seq, err := strconv.Atoi(m[2])
	if err != nil {
		return Placeholder{}, false
	}
	return Placeholder{Type: typ, Seq: seq}, true
}

// placeholderRegions returns the byte ranges of canonical tokens with a known
// label in text.
func placeholderRegions(text string) [][2]int {
	var out [][2]int
	for _, loc := range canonicalRe.FindAllStringIndex(text, -1) {
		if _, ok := parsePlaceholder(text[loc[0]:loc[1]]); ok {
			out = append(out, [2]int{loc[0], loc[1]})
		}
	}
	return out
}

// labelAlternation builds a regexp alternation over all known labels, longest
// first, with each underscore replaced by sep.
func labelAlternation(sep string) string {
	labels := pii.Labels()
	// Longest first so BIRTH_DATE is tried before DATE.
	for i := 1; i < len(labels); i++ {
		for j := i; j > 0 && len(labels[j]) > len(labels[j-1]); j-- {
			labels[j], labels[j-1] = labels[j-1], labels[j]
		}
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = strings.ReplaceAll(l, "_", sep)
	}
	return "(?:" + strings.Join(parts, "|") + ")"
}
