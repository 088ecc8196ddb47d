package anonymizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"legal-pii-handshake/internal/detect"
	"legal-pii-handshake/internal/metrics"
	"legal-pii-handshake/internal/pii"
)

// valueStrategy reports the first occurrence of each configured value.
type valueStrategy struct {
	values []string
	types  []pii.Type
	err    error
}

func (s *valueStrategy) ID() string                 { return "stub" }
func (s *valueStrategy) Provenance() pii.Provenance { return pii.ProvenanceStatistical }
func (s *valueStrategy) Detect(_ context.Context, text string) ([]pii.Span, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []pii.Span
	for i, v := range s.values {
		if at := strings.Index(text, v); at >= 0 {
			out = append(out, pii.Span{Type: s.types[i], Start: at, End: at + len(v)})
		}
	}
	return out, nil
}

func personEngine(names []string, opts ...EngineOption) *Engine {
	types := make([]pii.Type, len(names))
	for i := range types {
		types[i] = pii.Person
	}
	d := detect.New([]detect.Strategy{&valueStrategy{values: names, types: types}})
	return NewEngine(d, opts...)
}

func TestApply(t *testing.T) {
	text := "Anna rief Bernd an"
	set := pii.Resolve([]pii.Span{
		spanOf(t, text, "Anna", pii.Person, 0),
		spanOf(t, text, "Bernd", pii.Person, 0),
	})
	tm := Assign(set)
	defer tm.Destroy()

	got, err := Apply(text, set, tm)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if want := "[PERSON_NAME_1] rief [PERSON_NAME_2] an"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestApply_Errors(t *testing.T) {
	text := "Anna rief Bernd an"
	set := pii.Resolve([]pii.Span{spanOf(t, text, "Anna", pii.Person, 0)})

	other := Assign(pii.Resolve([]pii.Span{spanOf(t, text, "Bernd", pii.Person, 0)}))
	defer other.Destroy()
	if _, err := Apply(text, set, other); err == nil {
		t.Error("expected error for a span missing from the map")
	}

	tm := Assign(set)
	tm.Destroy()
	if _, err := Apply(text, set, tm); !errors.Is(err, ErrDestroyed) {
		t.Errorf("expected ErrDestroyed, got %v", err)
	}

	if _, err := Apply("An", set, Assign(set)); err == nil {
		t.Error("expected error for a span past the end of the text")
	}
}

func TestLeakCheck(t *testing.T) {
	text := "Anna traf Anna und Al"
	set := pii.Resolve([]pii.Span{
		spanOf(t, text, "Anna", pii.Person, 0),
		spanOf(t, text, "Al", pii.Other, 0),
	})

	leaked := LeakCheck("[PERSON_NAME_1] traf Anna und Al", set, 3)
	if len(leaked) != 1 || leaked[0] != pii.Person {
		t.Errorf("expected [person], got %v", leaked)
	}
	if leaked := LeakCheck("[PERSON_NAME_1] traf [PERSON_NAME_1] und Al", set, 3); len(leaked) != 0 {
		t.Errorf("values below minLen must be ignored, got %v", leaked)
	}
	// A value inside a longer word still identifies the person.
	if leaked := LeakCheck("[PERSON_NAME_1] traf Annas Bruder", set, 3); len(leaked) != 1 {
		t.Errorf("embedded value not reported: %v", leaked)
	}
}

func TestLeakCheck_IgnoresPlaceholderTokens(t *testing.T) {
	text := "Kontakt: EMAIL"
	set := pii.Resolve([]pii.Span{spanOf(t, text, "EMAIL", pii.Other, 0)})
	if leaked := LeakCheck("Kontakt: [OTHER_1] [EMAIL_1]", set, 3); len(leaked) != 0 {
		t.Errorf("text inside a placeholder token is not a leak: %v", leaked)
	}
}

func TestEngine_GermanLetterRoundTrip(t *testing.T) {
	text := "Sehr geehrter Herr Hans Mueller, Telefon: +49 30 12345678, Email: hans@example.de"
	m := metrics.New()
	e := NewEngine(detect.New(detect.DefaultPatternStrategies()), WithEngineMetrics(m))

	out, err := e.Anonymize(context.Background(), text)
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	defer out.Tokens.Destroy()

	want := "Sehr geehrter Herr [PERSON_NAME_1], Telefon: [PHONE_1], Email: [EMAIL_1]"
	if out.Text != want {
		t.Fatalf("anonymized:\n got %q\nwant %q", out.Text, want)
	}
	if out.Spans != 3 || out.Tokens.Len() != 3 {
		t.Errorf("spans=%d identities=%d", out.Spans, out.Tokens.Len())
	}
	if m.TokensAssigned.Load() != 3 {
		t.Errorf("TokensAssigned = %d", m.TokensAssigned.Load())
	}

	reply := out.Text + "\n\nBitte rufen Sie [PHONE_1] zurück."
	restored, report, err := Rehydrate(reply, out.Tokens)
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if wantBack := text + "\n\nBitte rufen Sie +49 30 12345678 zurück."; restored != wantBack {
		t.Errorf("rehydrated:\n got %q\nwant %q", restored, wantBack)
	}
	if !report.OK() || report.Restored() != 4 {
		t.Errorf("report: %+v", report)
	}
}

func TestEngine_EveryMentionReplaced(t *testing.T) {
	text := "Anna Schmidt schrieb. Später rief Anna Schmidt an."
	e := personEngine([]string{"Anna Schmidt"})

	out, err := e.Anonymize(context.Background(), text)
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	defer out.Tokens.Destroy()
	if want := "[PERSON_NAME_1] schrieb. Später rief [PERSON_NAME_1] an."; out.Text != want {
		t.Errorf("got %q, want %q", out.Text, want)
	}
}

func TestEngine_InflectedMentionReplaced(t *testing.T) {
	text := "Sehr geehrter Herr Hans Mueller, die Akte Hans Muellers liegt vor. Email: hans@example.de"
	e := NewEngine(detect.New(detect.DefaultPatternStrategies()))

	out, err := e.Anonymize(context.Background(), text)
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	defer out.Tokens.Destroy()
	if strings.Contains(out.Text, "Hans Mueller") {
		t.Fatalf("detected name reached the anonymized text: %q", out.Text)
	}
	want := "Sehr geehrter Herr [PERSON_NAME_1], die Akte [PERSON_NAME_1]s liegt vor. Email: [EMAIL_1]"
	if out.Text != want {
		t.Errorf("anonymized:\n got %q\nwant %q", out.Text, want)
	}

	restored, report, err := Rehydrate(out.Text, out.Tokens)
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if restored != text || !report.OK() {
		t.Errorf("round trip: %q %+v", restored, report)
	}
}

func TestEngine_EmbeddedMentionWithoutPropagationBlocked(t *testing.T) {
	e := personEngine([]string{"Hans Mueller"}, WithPropagation(0))
	_, err := e.Anonymize(context.Background(), "Hans Mueller schrieb; die Akte Hans Muellers liegt vor.")
	if !errors.Is(err, ErrLeakDetected) {
		t.Fatalf("expected ErrLeakDetected, got %v", err)
	}
}

func TestEngine_LeakBlocksDocument(t *testing.T) {
	m := metrics.New()
	e := personEngine([]string{"Anna Schmidt"}, WithPropagation(0), WithEngineMetrics(m))

	out, err := e.Anonymize(context.Background(), "Anna Schmidt schrieb. Später rief Anna Schmidt an.")
	if !errors.Is(err, ErrLeakDetected) {
		t.Fatalf("expected ErrLeakDetected, got %v", err)
	}
	if out != nil {
		t.Error("no result may be returned on a leak")
	}
	if strings.Contains(err.Error(), "Anna") {
		t.Errorf("error message leaked a value: %v", err)
	}
	if m.LeaksBlocked.Load() != 1 {
		t.Errorf("LeaksBlocked = %d", m.LeaksBlocked.Load())
	}
}

func TestEngine_DetectionFailure(t *testing.T) {
	d := detect.New([]detect.Strategy{&valueStrategy{err: errors.New("model offline")}})
	_, err := NewEngine(d).Anonymize(context.Background(), "Anna")
	if !errors.Is(err, detect.ErrDetectionFailed) {
		t.Errorf("expected ErrDetectionFailed, got %v", err)
	}
}

func TestEngine_NoPII(t *testing.T) {
	text := "Der Vertrag endet mit Ablauf des Monats."
	e := personEngine([]string{"Anna"})
	out, err := e.Anonymize(context.Background(), text)
	if err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	defer out.Tokens.Destroy()
	if out.Text != text || out.Tokens.Len() != 0 {
		t.Errorf("text without PII must pass through: %q (%d tokens)", out.Text, out.Tokens.Len())
	}
}

// TestEngine_ConcurrentDocumentsIsolated runs many documents through one
// engine and checks that no document sees another's values.
func TestEngine_ConcurrentDocumentsIsolated(t *testing.T) {
	e := NewEngine(detect.New(detect.DefaultPatternStrategies()))

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("Email: user%d@example.de", i)
			out, err := e.Anonymize(context.Background(), text)
			if err != nil {
				errs <- err
				return
			}
			defer out.Tokens.Destroy()
			if out.Text != "Email: [EMAIL_1]" {
				errs <- fmt.Errorf("doc %d: anonymized %q", i, out.Text)
				return
			}
			back, _, err := Rehydrate(out.Text, out.Tokens)
			if err != nil || back != text {
				errs <- fmt.Errorf("doc %d: rehydrated %q (%v)", i, back, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
