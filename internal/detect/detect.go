// Package detect finds candidate PII spans in text.
//
// A Detector owns an ordered, immutable list of strategies registered at
// startup. Each call fans the text out to every strategy concurrently and
// collects their spans; strategies never have to agree, conflicts are settled
// later by pii.Resolve.
//
// Detection fails open: a strategy that errors (model unavailable, timeout)
// contributes nothing and is reported as degraded. Detect only returns an
// error when no strategy succeeded, or when every pattern strategy failed,
// because the structured identifiers they cover have no other safety net.
package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"legal-pii-handshake/internal/logger"
	"legal-pii-handshake/internal/metrics"
	"legal-pii-handshake/internal/pii"
)

// Strategy is one independent way of recognising PII.
// Implementations must be safe for concurrent use.
type Strategy interface {
	// ID names the strategy in logs, metrics and span provenance.
	ID() string
	// Provenance reports whether the strategy is statistical or pattern based.
	Provenance() pii.Provenance
	// Detect returns candidate spans. Offsets are byte offsets into text.
	Detect(ctx context.Context, text string) ([]pii.Span, error)
}

// ErrDetectionFailed is returned when too few strategies succeeded to trust
// the result.
var ErrDetectionFailed = errors.New("detection failed")

// DefaultBudget bounds one Detect call when no budget is configured.
const DefaultBudget = 30 * time.Second

// Result is the merged output of one Detect call.
type Result struct {
	Spans     []pii.Span
	Succeeded []string // strategy IDs that returned without error
	Degraded  []string // strategy IDs that failed and were skipped
}

// Detector fans text out to its strategies.
type Detector struct {
	strategies []Strategy
	budget     time.Duration
	log        *logger.Logger
	metrics    *metrics.Metrics
}

// Option configures a Detector.
type Option func(*Detector)

// WithBudget bounds the wall time of one Detect call. Strategies still running
// when the budget expires are treated as failed.
func WithBudget(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.budget = d
		}
	}
}

// WithLogger sets the logger used for degraded-strategy warnings.
func WithLogger(l *logger.Logger) Option {
	return func(det *Detector) { det.log = l }
}

// WithMetrics counts degraded strategies.
func WithMetrics(m *metrics.Metrics) Option {
	return func(det *Detector) { det.metrics = m }
}

// New creates a Detector over the given strategies, in priority order.
func New(strategies []Strategy, opts ...Option) *Detector {
	d := &Detector{
		strategies: append([]Strategy(nil), strategies...),
		budget:     DefaultBudget,
		log:        logger.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Strategies returns the IDs of the registered strategies in priority order.
func (d *Detector) Strategies() []string {
	ids := make([]string, len(d.strategies))
	for i, s := range d.strategies {
		ids[i] = s.ID()
	}
	return ids
}

type outcome struct {
	spans []pii.Span
	err   error
}

// Detect runs every strategy over text concurrently and merges their spans.
// Spans whose offsets do not fit text are dropped; accepted spans are stamped
// with the strategy's ID and provenance and carry their exact substring.
func (d *Detector) Detect(ctx context.Context, text string) (Result, error) {
	if len(d.strategies) == 0 {
		return Result{}, fmt.Errorf("%w: no strategies registered", ErrDetectionFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, d.budget)
	defer cancel()

	results := make([]outcome, len(d.strategies))
	var g errgroup.Group
	for i, s := range d.strategies {
		g.Go(func() error {
			spans, err := s.Detect(ctx, text)
			if err == nil && ctx.Err() != nil {
				err = ctx.Err()
			}
			results[i] = outcome{spans: spans, err: err}
			// Failures are recorded per strategy; never abort the others.
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines always return nil

	var res Result
	patternTotal, patternOK := 0, 0
	for i, s := range d.strategies {
		out := results[i]
		if s.Provenance() == pii.ProvenancePattern {
			patternTotal++
		}
		if out.err != nil {
			res.Degraded = append(res.Degraded, s.ID())
			d.log.With("strategy", s.ID()).Warnf("strategy_degraded", "strategy skipped: %v", out.err)
			if d.metrics != nil {
				d.metrics.StrategiesDegraded.Add(1)
			}
			continue
		}
		if s.Provenance() == pii.ProvenancePattern {
			patternOK++
		}
		res.Succeeded = append(res.Succeeded, s.ID())
		res.Spans = append(res.Spans, normalize(text, s, out.spans, d.log)...)
	}

	if err := ctx.Err(); err != nil && errors.Is(err, context.Canceled) {
		return res, err
	}
	if len(res.Succeeded) == 0 {
		return res, fmt.Errorf("%w: all %d strategies failed", ErrDetectionFailed, len(d.strategies))
	}
	if patternTotal > 0 && patternOK == 0 {
		return res, fmt.Errorf("%w: all %d pattern strategies failed", ErrDetectionFailed, patternTotal)
	}
	return res, nil
}

// normalize drops spans that do not fit text and stamps provenance.
func normalize(text string, s Strategy, spans []pii.Span, log *logger.Logger) []pii.Span {
	out := make([]pii.Span, 0, len(spans))
	for _, sp := range spans {
		if err := sp.Check(text); err != nil {
			log.With("strategy", s.ID()).Debugf("span_dropped", "%v", err)
			continue
		}
		if !sp.Type.Valid() {
			sp.Type = pii.Other
		}
		sp.Text = text[sp.Start:sp.End]
		sp.DetectorID = s.ID()
		sp.Provenance = s.Provenance()
		if sp.Confidence <= 0 || sp.Confidence > 1 {
			sp.Confidence = 1
		}
		out = append(out, sp)
	}
	return out
}
