package signals

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var interaction = Interaction{CorrelationID: "c-42", FirmID: "kanzlei-berg", TaskType: "draft"}

func fixedAbstractor(t *testing.T, key []byte) *Abstractor {
	t.Helper()
	a, err := NewAbstractor(key)
	if err != nil {
		t.Fatal(err)
	}
	a.now = func() time.Time { return time.Date(2026, 3, 4, 10, 17, 42, 5, time.FixedZone("CET", 3600)) }
	return a
}

func TestAbstractFields(t *testing.T) {
	a := fixedAbstractor(t, nil)
	sig, err := a.Abstract(interaction, UserAction{Kind: AcceptedWithEdits, Edit: EditMinor})
	if err != nil {
		t.Fatal(err)
	}
	if sig.CorrelationID != "c-42" || sig.FirmID != "kanzlei-berg" || sig.TaskType != "draft" {
		t.Errorf("identifiers not carried: %+v", sig)
	}
	if sig.EditBucket != EditMinor {
		t.Errorf("bucket = %q", sig.EditBucket)
	}
	want := time.Date(2026, 3, 4, 9, 17, 0, 0, time.UTC)
	if !sig.Timestamp.Equal(want) || sig.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp = %v, want %v", sig.Timestamp, want)
	}
}

func TestAbstractDropsBucketUnlessEdited(t *testing.T) {
	sig, err := fixedAbstractor(t, nil).Abstract(interaction, UserAction{Kind: Rejected, Edit: EditMajor})
	if err != nil {
		t.Fatal(err)
	}
	if sig.EditBucket != "" {
		t.Errorf("rejected signal carries bucket %q", sig.EditBucket)
	}
	raw, _ := json.Marshal(sig)
	if strings.Contains(string(raw), "editDistanceBucket") {
		t.Errorf("empty bucket should be omitted: %s", raw)
	}
}

func TestAbstractRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		in   Interaction
		act  UserAction
	}{
		{"missing firm", Interaction{CorrelationID: "c", TaskType: "draft"}, UserAction{Kind: Rejected}},
		{"unknown outcome", interaction, UserAction{Kind: "liked"}},
		{"unknown bucket", interaction, UserAction{Kind: AcceptedWithEdits, Edit: "tiny"}},
	}
	a := fixedAbstractor(t, nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := a.Abstract(tc.in, tc.act); !errors.Is(err, ErrInvalidSignal) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestPseudonymousCorrelationID(t *testing.T) {
	a := fixedAbstractor(t, []byte("signal-key"))
	s1, _ := a.Abstract(interaction, UserAction{Kind: AcceptedNoEdits})
	s2, _ := a.Abstract(interaction, UserAction{Kind: Rejected})
	if s1.CorrelationID == "c-42" || len(s1.CorrelationID) != 32 {
		t.Fatalf("id not pseudonymised: %q", s1.CorrelationID)
	}
	if s1.CorrelationID != s2.CorrelationID {
		t.Error("pseudonym must be stable for the same interaction")
	}
	other := interaction
	other.FirmID = "kanzlei-tal"
	s3, _ := a.Abstract(other, UserAction{Kind: AcceptedNoEdits})
	if s3.CorrelationID == s1.CorrelationID {
		t.Error("pseudonym must be firm-scoped")
	}
	if _, err := NewAbstractor(make([]byte, 65)); err == nil {
		t.Error("expected error for oversized key")
	}
}

func TestSignalHasNoTextFields(t *testing.T) {
	sig, _ := fixedAbstractor(t, nil).Abstract(interaction, UserAction{Kind: AcceptedWithEdits, Edit: EditModerate})
	raw, err := json.Marshal(sig)
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}
	allowed := map[string]bool{
		"correlationId": true, "firmId": true, "taskType": true,
		"outcome": true, "editDistanceBucket": true, "timestamp": true,
	}
	for k := range fields {
		if !allowed[k] {
			t.Errorf("unexpected field %q", k)
		}
	}
}

func TestMeasureEdit(t *testing.T) {
	long := strings.Repeat("a", 100)
	cases := []struct {
		name         string
		draft, final string
		want         EditBucket
	}{
		{"identical", "Sehr geehrte Frau Weber", "Sehr geehrte Frau Weber", EditNone},
		{"both empty", "", "", EditNone},
		{"one in a hundred", long, long[:99] + "b", EditMinor},
		{"one in ten", "abcdefghij", "abcdefghiX", EditModerate},
		{"kitten", "kitten", "sitting", EditMajor},
		{"replaced", "abc", "xyz", EditRewrite},
		{"from empty", "", "neu", EditRewrite},
		{"umlauts count as one", "Müller", "Muller", EditModerate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MeasureEdit(tc.draft, tc.final); got != tc.want {
				t.Errorf("MeasureEdit = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLevenshtein(t *testing.T) {
	if d := levenshtein([]rune("kitten"), []rune("sitting")); d != 3 {
		t.Errorf("kitten/sitting = %d", d)
	}
	if d := levenshtein([]string{"a", "b", "c"}, []string{"a", "c"}); d != 1 {
		t.Errorf("word distance = %d", d)
	}
	if d := levenshtein([]rune(""), []rune("abc")); d != 3 {
		t.Errorf("empty/abc = %d", d)
	}
}
