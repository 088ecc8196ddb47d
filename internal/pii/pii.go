// Package pii defines the detected-entity model shared by the detection,
// anonymization and rehydration stages.
//
// Offsets are byte offsets into the UTF-8 source text, half-open, and always
// fall on rune boundaries. A Span carries the exact substring it covers, so
// Span values are PII themselves: they format without their text and must
// never outlive the request that produced them.
package pii

import (
	"errors"
	"fmt"
	"strings"
)

// Type classifies the kind of personal data a span holds.
type Type string

// Supported PII types.
const (
	Person       Type = "person"
	Location     Type = "location"
	Organization Type = "organization"
	PhoneNumber  Type = "phone"
	Email        Type = "email"
	Iban         Type = "iban"
	NationalID   Type = "nationalId"
	BirthDate    Type = "birthDate"
	GenericDate  Type = "date"
	Website      Type = "website"
	Other        Type = "other"
)

// Types lists every supported type in a fixed order.
var Types = []Type{
	Person, Location, Organization, PhoneNumber, Email, Iban,
	NationalID, BirthDate, GenericDate, Website, Other,
}

// labels are the placeholder labels rendered into anonymized text.
var labels = map[Type]string{
	Person:       "PERSON_NAME",
	Location:     "LOCATION",
	Organization: "ORGANIZATION",
	PhoneNumber:  "PHONE",
	Email:        "EMAIL",
	Iban:         "IBAN",
	NationalID:   "NATIONAL_ID",
	BirthDate:    "BIRTH_DATE",
	GenericDate:  "DATE",
	Website:      "WEBSITE",
	Other:        "OTHER",
}

var byLabel = func() map[string]Type {
	m := make(map[string]Type, len(labels))
	for t, l := range labels {
		m[l] = t
	}
	return m
}()

// Label returns the placeholder label for t, e.g. "PERSON_NAME".
// Unknown types render as "OTHER".
func (t Type) Label() string {
	if l, ok := labels[t]; ok {
		return l
	}
	return labels[Other]
}

// Valid reports whether t is one of the supported types.
func (t Type) Valid() bool {
	_, ok := labels[t]
	return ok
}

// Labels returns all placeholder labels.
func Labels() []string {
	out := make([]string, 0, len(Types))
	for _, t := range Types {
		out = append(out, labels[t])
	}
	return out
}

// TypeForLabel maps a canonical placeholder label back to its type.
func TypeForLabel(label string) (Type, bool) {
	t, ok := byLabel[label]
	return t, ok
}

// ParseType accepts a type name in any casing ("Person", "PHONE", "nationalId").
func ParseType(s string) (Type, bool) {
	s = strings.TrimSpace(s)
	for _, t := range Types {
		if strings.EqualFold(string(t), s) {
			return t, true
		}
	}
	return "", false
}

// Provenance records which family of detector produced a span.
// The ordering matters: statistical provenance wins resolver ties.
type Provenance int

// Provenance values, lowest priority first.
const (
	ProvenancePattern Provenance = iota
	ProvenanceStatistical
)

func (p Provenance) String() string {
	if p == ProvenanceStatistical {
		return "statistical"
	}
	return "pattern"
}

// Span is one detected occurrence of personal data.
type Span struct {
	Type       Type
	Start      int // byte offset of the first byte
	End        int // byte offset one past the last byte
	Text       string
	Confidence float64
	DetectorID string
	Provenance Provenance
}

// ErrInvalidSpan is returned by Check for spans that do not fit their text.
var ErrInvalidSpan = errors.New("invalid span")

// Len returns the span length in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether s and o share at least one byte offset.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Check verifies the span's offsets against text.
func (s Span) Check(text string) error {
	switch {
	case s.Start < 0 || s.End > len(text) || s.End <= s.Start:
		return fmt.Errorf("%w: offsets [%d,%d) outside text of %d bytes", ErrInvalidSpan, s.Start, s.End, len(text))
	case !isRuneBoundary(text, s.Start) || !isRuneBoundary(text, s.End):
		return fmt.Errorf("%w: offsets [%d,%d) split a rune", ErrInvalidSpan, s.Start, s.End)
	case s.Text != "" && text[s.Start:s.End] != s.Text:
		return fmt.Errorf("%w: text does not match offsets [%d,%d)", ErrInvalidSpan, s.Start, s.End)
	}
	return nil
}

// String describes the span without its text.
func (s Span) String() string {
	return fmt.Sprintf("%s[%d:%d] conf=%.2f by=%s/%s", s.Type, s.Start, s.End, s.Confidence, s.DetectorID, s.Provenance)
}

// GoString keeps %#v from dumping the text field.
func (s Span) GoString() string { return "pii.Span{" + s.String() + "}" }

func isRuneBoundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}
