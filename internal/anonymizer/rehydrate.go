package anonymizer

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"legal-pii-handshake/internal/pii"
)

// tokenRe recognises placeholder tokens as remote models tend to echo them.
//
// Bracketed forms, ASCII or fullwidth, match in any case with whitespace,
// hyphens or underscores between the words: "[Person Name 1]",
// "［person-name-1］". Unbracketed forms must be written exactly as the label,
// upper case with underscores: "PERSON_NAME_1". Ordinary words such as
// "date_2024" or "Email_1" are not tokens. A canonical token that lost one
// bracket also consumes the remaining one. Only known labels count, so
// "[Anlage 1]" is left alone.
var tokenRe = regexp.MustCompile(
	`(?i:[\[［]\s*(` + labelAlternation(`[\s_-]+`) + `)[\s_-]*(\d+)\s*[\]］])` +
		`|[\[［]?\b(` + labelAlternation(`_`) + `)_(\d+)\b[\]］]?`,
)

var upper = cases.Upper(language.Und)

// Replacement counts how often one placeholder was restored.
type Replacement struct {
	Placeholder string `json:"placeholder"`
	Count       int    `json:"count"`
}

// Report describes a rehydration pass. It names placeholders only, never
// values, and is safe to log and return to callers.
type Report struct {
	Replaced     []Replacement `json:"replaced"`
	Unreferenced []string      `json:"unreferenced,omitempty"` // assigned but absent from the response
	Unresolved   []string      `json:"unresolved,omitempty"`   // token-like but not in the map
}

// OK reports whether every placeholder in the response was resolved.
func (r Report) OK() bool { return len(r.Unresolved) == 0 }

// Restored returns the total number of substitutions.
func (r Report) Restored() int {
	n := 0
	for _, rep := range r.Replaced {
		n += rep.Count
	}
	return n
}

// Rehydrate replaces every placeholder token in text that tm knows with its
// original value. Unknown tokens are left exactly as they appear and listed
// in Report.Unresolved; no value is ever invented for them. Text that holds
// no tokens, including text that was already rehydrated, comes back unchanged.
func Rehydrate(text string, tm *TokenMap) (string, Report, error) {
	return rehydrate(text, tm, tm.Lookup)
}

// rehydrate is Rehydrate with the value lookup passed in. A map destroyed
// while the text is being scanned fails the pass: its lookups report every
// token as unknown, which must not be mistaken for unresolved placeholders.
func rehydrate(text string, tm *TokenMap, lookup func(Placeholder) (string, bool)) (string, Report, error) {
	if tm.Destroyed() {
		return "", Report{}, ErrDestroyed
	}

	var (
		b          strings.Builder
		report     Report
		counts     = make(map[Placeholder]int)
		firstSeen  []Placeholder
		unresolved = make(map[string]bool)
		last       int
	)
	b.Grow(len(text))

	for _, m := range tokenRe.FindAllStringSubmatchIndex(text, -1) {
		labelAt, seqAt := 2, 4
		if m[2] < 0 {
			labelAt, seqAt = 6, 8
		}
		typ, ok := pii.TypeForLabel(canonicalLabel(text[m[labelAt]:m[labelAt+1]]))
		if !ok {
			continue
		}
		seq, err := strconv.Atoi(text[m[seqAt]:m[seqAt+1]])
		if err != nil || seq <= 0 {
			continue
		}
		ph := Placeholder{Type: typ, Seq: seq}
		value, known := lookup(ph)
		if !known {
			if name := ph.String(); !unresolved[name] {
				unresolved[name] = true
				report.Unresolved = append(report.Unresolved, name)
			}
			continue
		}
		b.WriteString(text[last:m[0]])
		b.WriteString(value)
		last = m[1]
		if counts[ph] == 0 {
			firstSeen = append(firstSeen, ph)
		}
		counts[ph]++
	}
	b.WriteString(text[last:])
	if tm.Destroyed() {
		return "", Report{}, ErrDestroyed
	}

	for _, ph := range firstSeen {
		report.Replaced = append(report.Replaced, Replacement{Placeholder: ph.String(), Count: counts[ph]})
	}
	for _, ph := range tm.Placeholders() {
		if counts[ph] == 0 {
			report.Unreferenced = append(report.Unreferenced, ph.String())
		}
	}
	return b.String(), report, nil
}

// canonicalLabel folds a matched label such as "person-name" or
// "Person  Name" to "PERSON_NAME".
func canonicalLabel(s string) string {
	words := strings.FieldsFunc(upper.String(s), func(r rune) bool {
		return r == '_' || r == '-' || unicode.IsSpace(r)
	})
	return strings.Join(words, "_")
}
