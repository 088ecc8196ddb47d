package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"legal-pii-handshake/internal/metrics"
	"legal-pii-handshake/internal/pii"
)

type stubStrategy struct {
	id    string
	prov  pii.Provenance
	spans []pii.Span
	err   error
	block bool // wait for ctx.Done before returning
}

func (s *stubStrategy) ID() string                 { return s.id }
func (s *stubStrategy) Provenance() pii.Provenance { return s.prov }
func (s *stubStrategy) Detect(ctx context.Context, _ string) ([]pii.Span, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.spans, s.err
}

func TestDetect_MergesAndStamps(t *testing.T) {
	text := "Hans Mueller called Berlin"
	d := New([]Strategy{
		&stubStrategy{id: "p", prov: pii.ProvenancePattern, spans: []pii.Span{{Type: pii.Person, Start: 0, End: 12, Confidence: 0.5}}},
		&stubStrategy{id: "s", prov: pii.ProvenanceStatistical, spans: []pii.Span{{Type: pii.Location, Start: 20, End: 26}}},
	})
	res, err := d.Detect(context.Background(), text)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(res.Spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(res.Spans))
	}
	first, second := res.Spans[0], res.Spans[1]
	if first.Text != "Hans Mueller" || first.DetectorID != "p" || first.Provenance != pii.ProvenancePattern {
		t.Errorf("first span not stamped: %v text=%q", first, first.Text)
	}
	if second.Text != "Berlin" || second.DetectorID != "s" || second.Provenance != pii.ProvenanceStatistical {
		t.Errorf("second span not stamped: %v text=%q", second, second.Text)
	}
	if second.Confidence != 1 {
		t.Errorf("missing confidence should default to 1, got %v", second.Confidence)
	}
	if len(res.Succeeded) != 2 || len(res.Degraded) != 0 {
		t.Errorf("succeeded=%v degraded=%v", res.Succeeded, res.Degraded)
	}
}

func TestDetect_DropsSpansThatDoNotFit(t *testing.T) {
	text := "Jörg"
	d := New([]Strategy{&stubStrategy{id: "p", spans: []pii.Span{
		{Type: pii.Person, Start: 0, End: 40}, // past the end
		{Type: pii.Person, Start: 0, End: 2},  // splits ö
		{Type: pii.Person, Start: 3, End: 1},  // inverted
		{Type: pii.Person, Start: 0, End: 5},  // whole name
		{Type: "bogus", Start: 0, End: 1},     // unknown type becomes other
	}}})
	res, err := d.Detect(context.Background(), text)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(res.Spans) != 2 {
		t.Fatalf("expected 2 surviving spans, got %v", res.Spans)
	}
	if res.Spans[0].Text != "Jörg" {
		t.Errorf("got %q, want Jörg", res.Spans[0].Text)
	}
	if res.Spans[1].Type != pii.Other {
		t.Errorf("unknown type should map to other, got %s", res.Spans[1].Type)
	}
}

func TestDetect_FailOpenOnStatisticalFailure(t *testing.T) {
	m := metrics.New()
	d := New([]Strategy{
		&stubStrategy{id: "pattern", spans: []pii.Span{{Type: pii.Email, Start: 0, End: 3}}},
		&stubStrategy{id: "ner", prov: pii.ProvenanceStatistical, err: errors.New("connection refused")},
	}, WithMetrics(m))

	res, err := d.Detect(context.Background(), "a@b rest")
	if err != nil {
		t.Fatalf("statistical failure must not fail detection: %v", err)
	}
	if len(res.Degraded) != 1 || res.Degraded[0] != "ner" {
		t.Errorf("Degraded: got %v", res.Degraded)
	}
	if len(res.Spans) != 1 {
		t.Errorf("pattern spans should survive, got %d", len(res.Spans))
	}
	if got := m.StrategiesDegraded.Load(); got != 1 {
		t.Errorf("StrategiesDegraded: got %d, want 1", got)
	}
}

func TestDetect_FailsWhenAllPatternStrategiesFail(t *testing.T) {
	d := New([]Strategy{
		&stubStrategy{id: "pattern", err: errors.New("boom")},
		&stubStrategy{id: "ner", prov: pii.ProvenanceStatistical},
	})
	_, err := d.Detect(context.Background(), "text")
	if !errors.Is(err, ErrDetectionFailed) {
		t.Fatalf("expected ErrDetectionFailed, got %v", err)
	}
}

func TestDetect_FailsWhenEverythingFails(t *testing.T) {
	d := New([]Strategy{
		&stubStrategy{id: "ner", prov: pii.ProvenanceStatistical, err: errors.New("down")},
		&stubStrategy{id: "llm", prov: pii.ProvenanceStatistical, err: errors.New("down")},
	})
	if _, err := d.Detect(context.Background(), "text"); !errors.Is(err, ErrDetectionFailed) {
		t.Fatalf("expected ErrDetectionFailed, got %v", err)
	}
}

func TestDetect_NoStrategies(t *testing.T) {
	if _, err := New(nil).Detect(context.Background(), "x"); !errors.Is(err, ErrDetectionFailed) {
		t.Fatalf("expected ErrDetectionFailed, got %v", err)
	}
}

func TestDetect_BudgetDegradesSlowStrategy(t *testing.T) {
	d := New([]Strategy{
		&stubStrategy{id: "pattern"},
		&stubStrategy{id: "slow", prov: pii.ProvenanceStatistical, block: true},
	}, WithBudget(20*time.Millisecond))

	start := time.Now()
	res, err := d.Detect(context.Background(), "text")
	if time.Since(start) > 2*time.Second {
		t.Fatal("budget not enforced")
	}
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(res.Degraded) != 1 || res.Degraded[0] != "slow" {
		t.Errorf("Degraded: got %v", res.Degraded)
	}
}

func TestDetect_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := New([]Strategy{&stubStrategy{id: "slow", block: true}})
	if _, err := d.Detect(ctx, "text"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStrategiesOrder(t *testing.T) {
	d := New(DefaultPatternStrategies())
	got := d.Strategies()
	want := []string{"pattern.contact", "pattern.financial", "pattern.identity", "pattern.date", "pattern.salutation"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("strategy %d: got %s, want %s", i, got[i], want[i])
		}
	}
}
