package anonymizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"legal-pii-handshake/internal/pii"
)

// spanOf returns the span covering the nth (0-based) occurrence of value.
func spanOf(t *testing.T, text, value string, typ pii.Type, nth int) pii.Span {
	t.Helper()
	from := 0
	for i := 0; ; i++ {
		j := strings.Index(text[from:], value)
		if j < 0 {
			t.Fatalf("occurrence %d of %q not found", nth, value)
		}
		start := from + j
		if i == nth {
			return pii.Span{Type: typ, Start: start, End: start + len(value), Text: value, Confidence: 1}
		}
		from = start + len(value)
	}
}

func TestPlaceholder_StringAndParse(t *testing.T) {
	ph := Placeholder{Type: pii.Person, Seq: 3}
	if got := ph.String(); got != "[PERSON_NAME_3]" {
		t.Fatalf("String: %q", got)
	}
	back, ok := parsePlaceholder("[PERSON_NAME_3]")
	if !ok || back != ph {
		t.Errorf("parsePlaceholder round trip: %v %v", back, ok)
	}
	for _, bad := range []string{"[PERSON_NAME_0]", "[ANLAGE_1]", "PERSON_NAME_1", "[person_name_1]", "[EMAIL_1] x"} {
		if _, ok := parsePlaceholder(bad); ok {
			t.Errorf("parsePlaceholder(%q) should fail", bad)
		}
	}
}

func TestAssign_OrderAndReuse(t *testing.T) {
	text := "Anna rief Bernd an, dann rief Anna nochmal an."
	set := pii.Resolve([]pii.Span{
		spanOf(t, text, "Anna", pii.Person, 0),
		spanOf(t, text, "Bernd", pii.Person, 0),
		spanOf(t, text, "Anna", pii.Person, 1),
	})
	tm := Assign(set)
	defer tm.Destroy()

	if tm.Len() != 2 {
		t.Fatalf("expected 2 identities, got %d", tm.Len())
	}
	anna, _ := tm.PlaceholderFor(pii.Person, "Anna")
	bernd, _ := tm.PlaceholderFor(pii.Person, "Bernd")
	if anna.String() != "[PERSON_NAME_1]" || bernd.String() != "[PERSON_NAME_2]" {
		t.Errorf("sequence follows first occurrence: anna=%s bernd=%s", anna, bernd)
	}
	if v, ok := tm.Lookup(bernd); !ok || v != "Bernd" {
		t.Errorf("Lookup(%s) = %q, %v", bernd, v, ok)
	}
}

func TestAssign_SameTextDifferentTypes(t *testing.T) {
	text := "Berlin GmbH sitzt in Berlin"
	set := pii.Resolve([]pii.Span{
		spanOf(t, text, "Berlin", pii.Organization, 0),
		spanOf(t, text, "Berlin", pii.Location, 1),
	})
	tm := Assign(set)
	defer tm.Destroy()

	if tm.Len() != 2 {
		t.Fatalf("expected one identity per type, got %d", tm.Len())
	}
	org, _ := tm.PlaceholderFor(pii.Organization, "Berlin")
	loc, _ := tm.PlaceholderFor(pii.Location, "Berlin")
	if org.String() != "[ORGANIZATION_1]" || loc.String() != "[LOCATION_1]" {
		t.Errorf("org=%s loc=%s", org, loc)
	}
	counts := tm.CountByType()
	if counts[pii.Organization] != 1 || counts[pii.Location] != 1 {
		t.Errorf("CountByType: %v", counts)
	}
}

func TestAssign_PlaceholdersUnique(t *testing.T) {
	text := "a1 a2 a3 b1 b2"
	var spans []pii.Span
	for _, v := range []string{"a1", "a2", "a3"} {
		spans = append(spans, spanOf(t, text, v, pii.NationalID, 0))
	}
	for _, v := range []string{"b1", "b2"} {
		spans = append(spans, spanOf(t, text, v, pii.Other, 0))
	}
	tm := Assign(pii.Resolve(spans))
	defer tm.Destroy()

	seen := make(map[string]bool)
	for _, ph := range tm.Placeholders() {
		if seen[ph.String()] {
			t.Errorf("duplicate placeholder %s", ph)
		}
		seen[ph.String()] = true
	}
	if len(seen) != 5 {
		t.Errorf("expected 5 placeholders, got %d", len(seen))
	}
}

func TestTokenMap_DestroyZeroesValues(t *testing.T) {
	text := "Anna Schmidt"
	tm := Assign(pii.Resolve([]pii.Span{spanOf(t, text, text, pii.Person, 0)}))
	ph := Placeholder{Type: pii.Person, Seq: 1}

	stored := tm.reverse[ph].value
	tm.Destroy()
	tm.Destroy() // idempotent

	for i, b := range stored {
		if b != 0 {
			t.Fatalf("byte %d not zeroed after Destroy", i)
		}
	}
	if _, ok := tm.Lookup(ph); ok {
		t.Error("Lookup should fail after Destroy")
	}
	if _, ok := tm.PlaceholderFor(pii.Person, text); ok {
		t.Error("PlaceholderFor should fail after Destroy")
	}
	if tm.Placeholders() != nil || tm.Len() != 0 || !tm.Destroyed() {
		t.Error("destroyed map should be empty")
	}
}

func TestTokenMap_NeverPrintsValues(t *testing.T) {
	text := "Anna Schmidt"
	tm := Assign(pii.Resolve([]pii.Span{spanOf(t, text, text, pii.Person, 0)}))
	defer tm.Destroy()

	for _, verb := range []string{"%v", "%+v", "%#v", "%s", "%q"} {
		if out := fmt.Sprintf(verb, tm); strings.Contains(out, "Anna") {
			t.Errorf("%s leaked a value: %s", verb, out)
		}
	}
	if got := tm.String(); got != "TokenMap{entries=1 destroyed=false}" {
		t.Errorf("String: %q", got)
	}

	_, err := json.Marshal(struct{ Tokens *TokenMap }{tm})
	if !errors.Is(err, ErrNotSerializable) {
		t.Errorf("json.Marshal should refuse a TokenMap, got %v", err)
	}
}
