// Package anonymizer replaces detected PII with typed placeholders and
// restores it afterwards.
//
// The flow for one document is:
//
//	detect → pii.Resolve → pii.Propagate → Assign → Apply → LeakCheck
//
// and, once the remote draft comes back, Rehydrate. The TokenMap produced by
// Assign is the only place the original values live; it belongs to one request
// and is destroyed when that request ends.
package anonymizer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"legal-pii-handshake/internal/detect"
	"legal-pii-handshake/internal/logger"
	"legal-pii-handshake/internal/metrics"
	"legal-pii-handshake/internal/pii"
)

// ErrLeakDetected is returned when an anonymized text still contains a
// detected value.
var ErrLeakDetected = errors.New("detected value survived anonymization")

// Apply substitutes every span of set with its placeholder from tm. Spans are
// processed in descending offset order so earlier offsets stay valid; bytes
// outside spans are copied unchanged.
func Apply(text string, set pii.ResolvedSet, tm *TokenMap) (string, error) {
	desc := set.Descending()
	// Segments are collected back to front and joined once.
	segments := make([]string, 0, 2*len(desc)+1)
	tail := len(text)
	for _, sp := range desc {
		if sp.End > tail || sp.Start < 0 {
			return "", fmt.Errorf("apply: span %v does not fit text", sp)
		}
		ph, ok := tm.PlaceholderFor(sp.Type, sp.Text)
		if !ok {
			if tm.Destroyed() {
				return "", ErrDestroyed
			}
			return "", fmt.Errorf("apply: no placeholder for span %v", sp)
		}
		segments = append(segments, text[sp.End:tail], ph.String())
		tail = sp.Start
	}
	segments = append(segments, text[:tail])
	slices.Reverse(segments)
	return strings.Join(segments, ""), nil
}

// LeakCheck reports the types of resolved values (of at least minLen bytes)
// that still occur anywhere in anonymized outside placeholder tokens, inside
// longer words included. The result is sorted and free of duplicates; it
// never contains the values.
func LeakCheck(anonymized string, set pii.ResolvedSet, minLen int) []pii.Type {
	regions := placeholderRegions(anonymized)
	leaked := make(map[pii.Type]bool)
	checked := make(map[string]bool, set.Len())
	for _, sp := range set.Spans() {
		if len(sp.Text) < minLen || checked[sp.Text] || leaked[sp.Type] {
			continue
		}
		checked[sp.Text] = true
		if occursOutside(anonymized, sp.Text, regions) {
			leaked[sp.Type] = true
		}
	}
	out := make([]pii.Type, 0, len(leaked))
	for t := range leaked {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// occursOutside reports whether value occurs in text at any offset that is
// not wholly inside one of regions. Every start offset is tried, so
// overlapping occurrences are seen too.
func occursOutside(text, value string, regions [][2]int) bool {
	for from := 0; from <= len(text)-len(value); {
		i := strings.Index(text[from:], value)
		if i < 0 {
			return false
		}
		start := from + i
		if !insideRegion(regions, start, start+len(value)) {
			return true
		}
		from = start + 1
	}
	return false
}

func insideRegion(regions [][2]int, start, end int) bool {
	for _, r := range regions {
		if start >= r[0] && end <= r[1] {
			return true
		}
	}
	return false
}

// Anonymized is the result of one anonymization pass.
type Anonymized struct {
	Text     string
	Tokens   *TokenMap
	Spans    int
	Degraded []string // detection strategies that failed open
}

// Engine composes detection, resolution, token assignment and substitution.
// It holds no per-document state and is safe for concurrent use.
type Engine struct {
	detector     *detect.Detector
	propagateMin int
	leakMin      int
	log          *logger.Logger
	metrics      *metrics.Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPropagation sets the minimum value length, in bytes, for repeat
// occurrence propagation. Zero or less disables propagation.
func WithPropagation(minLen int) EngineOption {
	return func(e *Engine) { e.propagateMin = minLen }
}

// WithLeakCheck sets the minimum value length, in bytes, considered by the
// post-substitution leak check.
func WithLeakCheck(minLen int) EngineOption {
	return func(e *Engine) { e.leakMin = minLen }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *logger.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithEngineMetrics sets the metrics sink.
func WithEngineMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine returns an Engine over d.
func NewEngine(d *detect.Detector, opts ...EngineOption) *Engine {
	e := &Engine{
		detector:     d,
		propagateMin: 3,
		leakMin:      3,
		log:          logger.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Anonymize detects PII in text and replaces it. On success the caller owns
// the returned TokenMap and must Destroy it. On any error no TokenMap is
// returned; a partially built one has already been destroyed.
func (e *Engine) Anonymize(ctx context.Context, text string) (*Anonymized, error) {
	started := time.Now()

	res, err := e.detector.Detect(ctx, text)
	if err != nil {
		return nil, err
	}
	set := pii.Resolve(res.Spans)
	if e.propagateMin > 0 {
		set = pii.Propagate(text, set, e.propagateMin)
	}
	defer set.Clear()

	tm := Assign(set)
	out, err := Apply(text, set, tm)
	if err != nil {
		tm.Destroy()
		return nil, err
	}
	if leaked := LeakCheck(out, set, e.leakMin); len(leaked) > 0 {
		tm.Destroy()
		if e.metrics != nil {
			e.metrics.LeaksBlocked.Add(1)
		}
		return nil, fmt.Errorf("%w: types %v", ErrLeakDetected, leaked)
	}

	if e.metrics != nil {
		for _, sp := range set.Spans() {
			e.metrics.RecordSpan(string(sp.Type))
		}
		e.metrics.TokensAssigned.Add(int64(tm.Len()))
		e.metrics.RecordAnonLatency(time.Since(started))
	}
	e.log.With("spans", set.Len(), "identities", tm.Len(), "degraded", len(res.Degraded)).
		Debug("anonymized", "document anonymized")

	return &Anonymized{
		Text:     out,
		Tokens:   tm,
		Spans:    set.Len(),
		Degraded: res.Degraded,
	}, nil
}
