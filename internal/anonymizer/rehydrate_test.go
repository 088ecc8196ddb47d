package anonymizer

import (
	"errors"
	"slices"
	"testing"

	"legal-pii-handshake/internal/pii"
)

const letter = "Herr Hans Mueller, Telefon +49 30 12345678, Email hans@example.de"

func letterTokens(t *testing.T) *TokenMap {
	t.Helper()
	return Assign(pii.Resolve([]pii.Span{
		spanOf(t, letter, "Hans Mueller", pii.Person, 0),
		spanOf(t, letter, "+49 30 12345678", pii.PhoneNumber, 0),
		spanOf(t, letter, "hans@example.de", pii.Email, 0),
	}))
}

func TestRehydrate_TolerantTokenForms(t *testing.T) {
	tm := letterTokens(t)
	defer tm.Destroy()

	cases := []struct {
		name, in, want string
	}{
		{"canonical", "Sehr geehrter Herr [PERSON_NAME_1],", "Sehr geehrter Herr Hans Mueller,"},
		{"lower case", "an [person_name_1]", "an Hans Mueller"},
		{"spaces", "an [Person Name 1]", "an Hans Mueller"},
		{"hyphens", "an [person-name-1]", "an Hans Mueller"},
		{"inner padding", "an [ PERSON_NAME_1 ]", "an Hans Mueller"},
		{"fullwidth brackets", "an ［PERSON_NAME_1］", "an Hans Mueller"},
		{"no brackets", "an PERSON_NAME_1 senden", "an Hans Mueller senden"},
		{"lost closing bracket", "Tel. [PHONE_1.", "Tel. +49 30 12345678."},
		{"lost opening bracket", "Tel. PHONE_1].", "Tel. +49 30 12345678."},
		{"unrelated bracket", "siehe [Anlage 1] und [EMAIL_1]", "siehe [Anlage 1] und hans@example.de"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, report, err := Rehydrate(c.in, tm)
			if err != nil {
				t.Fatalf("Rehydrate: %v", err)
			}
			if got != c.want {
				t.Errorf("got %q, want %q", got, c.want)
			}
			if !report.OK() {
				t.Errorf("unexpected unresolved: %v", report.Unresolved)
			}
		})
	}
}

func TestRehydrate_LowerCaseWordsAreNotTokens(t *testing.T) {
	tm := letterTokens(t)
	defer tm.Destroy()

	for _, in := range []string{
		"Tabelle date_2024 im Anhang",
		"Vorlage Email_1 verwenden",
		"Variable person_name_1 setzen",
		"Feld Phone_1 leer",
	} {
		t.Run(in, func(t *testing.T) {
			got, report, err := Rehydrate(in, tm)
			if err != nil {
				t.Fatal(err)
			}
			if got != in {
				t.Errorf("text changed: %q", got)
			}
			if !report.OK() || len(report.Replaced) != 0 {
				t.Errorf("report = %+v", report)
			}
		})
	}
}

func TestRehydrate_UnknownPlaceholderLeftInPlace(t *testing.T) {
	tm := letterTokens(t)
	defer tm.Destroy()

	in := "[PERSON_NAME_1] und [PERSON_NAME_2] sind Parteien."
	got, report, err := Rehydrate(in, tm)
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if want := "Hans Mueller und [PERSON_NAME_2] sind Parteien."; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if report.OK() || !slices.Equal(report.Unresolved, []string{"[PERSON_NAME_2]"}) {
		t.Errorf("Unresolved = %v", report.Unresolved)
	}
}

func TestRehydrate_Report(t *testing.T) {
	tm := letterTokens(t)
	defer tm.Destroy()

	_, report, err := Rehydrate("[EMAIL_1], [PERSON_NAME_1], [EMAIL_1]", tm)
	if err != nil {
		t.Fatal(err)
	}
	want := []Replacement{{"[EMAIL_1]", 2}, {"[PERSON_NAME_1]", 1}}
	if !slices.Equal(report.Replaced, want) {
		t.Errorf("Replaced = %+v, want %+v", report.Replaced, want)
	}
	if !slices.Equal(report.Unreferenced, []string{"[PHONE_1]"}) {
		t.Errorf("Unreferenced = %v", report.Unreferenced)
	}
	if report.Restored() != 3 {
		t.Errorf("Restored = %d", report.Restored())
	}
}

func TestRehydrate_Idempotent(t *testing.T) {
	tm := letterTokens(t)
	defer tm.Destroy()

	once, _, err := Rehydrate("Herr [PERSON_NAME_1], Telefon [PHONE_1], Email [EMAIL_1]", tm)
	if err != nil {
		t.Fatal(err)
	}
	if once != letter {
		t.Fatalf("first pass: %q", once)
	}
	twice, report, err := Rehydrate(once, tm)
	if err != nil {
		t.Fatal(err)
	}
	if twice != once || len(report.Replaced) != 0 {
		t.Errorf("second pass changed the text: %q %+v", twice, report)
	}
}

func TestRehydrate_DestroyedMap(t *testing.T) {
	tm := letterTokens(t)
	tm.Destroy()
	if _, _, err := Rehydrate("[PERSON_NAME_1]", tm); !errors.Is(err, ErrDestroyed) {
		t.Errorf("expected ErrDestroyed, got %v", err)
	}
}

func TestRehydrate_MapDestroyedDuringPass(t *testing.T) {
	tm := letterTokens(t)
	calls := 0
	lookup := func(ph Placeholder) (string, bool) {
		calls++
		if calls == 2 {
			tm.Destroy()
		}
		return tm.Lookup(ph)
	}

	got, report, err := rehydrate("[PERSON_NAME_1], [PHONE_1], [EMAIL_1]", tm, lookup)
	if !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	if got != "" || len(report.Unresolved) != 0 || len(report.Replaced) != 0 {
		t.Errorf("destroyed pass leaked output: %q %+v", got, report)
	}
}

func TestCanonicalLabel(t *testing.T) {
	for in, want := range map[string]string{
		"person name":  "PERSON_NAME",
		"Person-Name":  "PERSON_NAME",
		"PERSON__NAME": "PERSON_NAME",
		"birth date":   "BIRTH_DATE",
		"email":        "EMAIL",
	} {
		if got := canonicalLabel(in); got != want {
			t.Errorf("canonicalLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
