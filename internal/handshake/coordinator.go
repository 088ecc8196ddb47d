// Package handshake sequences one document round trip: local anonymization,
// dispatch to the remote text service, and local rehydration of the draft.
//
// Each call to Coordinator.Process owns a RequestContext and with it the
// document's TokenMap. The map never leaves the context and is destroyed on
// every terminal state, including cancellation and timeout. Round trips are
// independent of each other and may run concurrently; the stages of a single
// round trip run strictly in order.
package handshake

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/sha3"

	"legal-pii-handshake/internal/anonymizer"
	"legal-pii-handshake/internal/ledger"
	"legal-pii-handshake/internal/logger"
	"legal-pii-handshake/internal/metrics"
	"legal-pii-handshake/internal/remote"
)

// FirmDirectory answers whether a firm may submit documents.
type FirmDirectory interface {
	Known(firmID string) bool
}

// Limiter paces dispatches per firm.
type Limiter interface {
	Wait(ctx context.Context, firmID string) error
}

// MaxAttemptsLimit caps remote calls per round trip: the first call and at
// most one retry.
const MaxAttemptsLimit = 2

// Config holds the coordinator's timing and size limits.
type Config struct {
	RequestTimeout time.Duration // whole round trip
	AttemptTimeout time.Duration // one remote call
	RetryBackoff   time.Duration // wait before the first retry, doubled per retry
	MaxAttempts    int           // remote calls per round trip, including the first; at most MaxAttemptsLimit
	MaxTextBytes   int
	EvictionGrace  time.Duration // in-flight entries expire at RequestTimeout + EvictionGrace
	CompletedTTL   time.Duration // how long terminal summaries stay queryable
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 2 * time.Minute,
		AttemptTimeout: 45 * time.Second,
		RetryBackoff:   500 * time.Millisecond,
		MaxAttempts:    2,
		MaxTextBytes:   1 << 20,
		EvictionGrace:  30 * time.Second,
		CompletedTTL:   24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	c.MaxAttempts = min(c.MaxAttempts, MaxAttemptsLimit)
	if c.MaxTextBytes <= 0 {
		c.MaxTextBytes = d.MaxTextBytes
	}
	if c.EvictionGrace <= 0 {
		c.EvictionGrace = d.EvictionGrace
	}
	if c.CompletedTTL <= 0 {
		c.CompletedTTL = d.CompletedTTL
	}
	return c
}

// Request is one document submitted for a round trip.
type Request struct {
	FirmID string
	Text   string
	Task   remote.Task
}

// Result is the outcome of a round trip that reached rehydration.
type Result struct {
	CorrelationID         string
	FinalText             string
	Report                anonymizer.Report
	Attempts              int
	Degraded              []string // detection strategies that failed open
	Reprocessed           bool     // the same firm submitted the same text before
	PreviousCorrelationID string
}

// Summary describes a finished round trip without any document content.
type Summary struct {
	CorrelationID string    `json:"correlationId"`
	FirmID        string    `json:"firmId"`
	TaskType      string    `json:"taskType"`
	State         State     `json:"state"`
	Reason        Reason    `json:"reason,omitempty"`
	FinishedAt    time.Time `json:"finishedAt"`
}

// InFlight describes an active round trip.
type InFlight struct {
	CorrelationID string    `json:"correlationId"`
	FirmID        string    `json:"firmId"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"createdAt"`
	Deadline      time.Time `json:"deadline"`
}

// Coordinator runs round trips.
type Coordinator struct {
	engine  *anonymizer.Engine
	remote  remote.Service
	ledger  ledger.Store
	firms   FirmDirectory
	limiter Limiter
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics

	inflight  *registry
	completed *cache.Cache

	onTerminal func(*RequestContext)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig sets timing and size limits. Zero fields keep their defaults.
func WithConfig(cfg Config) Option { return func(c *Coordinator) { c.cfg = cfg } }

// WithLedger sets the processing ledger used for re-processing detection.
func WithLedger(s ledger.Store) Option { return func(c *Coordinator) { c.ledger = s } }

// WithFirms restricts submissions to firms known to d.
func WithFirms(d FirmDirectory) Option { return func(c *Coordinator) { c.firms = d } }

// WithLimiter paces dispatches.
func WithLimiter(l Limiter) Option { return func(c *Coordinator) { c.limiter = l } }

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// New returns a Coordinator that anonymizes with engine and dispatches to svc.
func New(engine *anonymizer.Engine, svc remote.Service, opts ...Option) *Coordinator {
	c := &Coordinator{engine: engine, remote: svc}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg = c.cfg.withDefaults()
	if c.ledger == nil {
		c.ledger = ledger.NewMemory()
	}
	if c.log == nil {
		c.log = logger.Discard()
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	c.inflight = newRegistry(max(c.cfg.EvictionGrace/2, time.Second))
	c.completed = cache.New(c.cfg.CompletedTTL, max(c.cfg.CompletedTTL/4, time.Second))
	return c
}

var firmIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// DocumentHash identifies a document for one firm: hex SHA3-256 over the firm
// id, a zero byte and the text.
func DocumentHash(firmID, text string) string {
	h := sha3.New256()
	h.Write([]byte(firmID)) //nolint:errcheck // hash writes never fail
	h.Write([]byte{0})      //nolint:errcheck
	h.Write([]byte(text))   //nolint:errcheck
	return hex.EncodeToString(h.Sum(nil))
}

// Process runs one round trip. On success it returns the rehydrated document.
// When the draft still holds placeholders the map cannot resolve, it returns
// the Result together with a *Failure of reason UnresolvedPlaceholder; every
// other failure returns a nil Result and a *Failure.
func (c *Coordinator) Process(ctx context.Context, req Request) (*Result, error) {
	id := uuid.NewString()
	created := time.Now()
	c.metrics.RoundTripsStarted.Add(1)

	task, verr := c.validate(req)
	deadline := created.Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	rc := newRequestContext(id, req.FirmID, "", task.Type, created, deadline)
	log := c.log.With("correlation_id", id, "firm", req.FirmID)
	if verr != nil {
		return nil, c.finish(rc, log, &Failure{CorrelationID: id, Reason: ReasonInvalidRequest, Stage: StageValidate, Err: verr}, 0)
	}
	rc.DocumentHash = DocumentHash(req.FirmID, req.Text)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	ctx, cancelDeadline := context.WithDeadline(ctx, deadline)
	defer cancelDeadline()
	rc.cancel = cancel

	c.inflight.add(rc, c.cfg.RequestTimeout+c.cfg.EvictionGrace)
	defer c.inflight.remove(id)
	stop := context.AfterFunc(ctx, rc.release)
	defer stop()

	res := &Result{CorrelationID: id}
	if prev, ok := c.ledger.Get(rc.DocumentHash); ok {
		res.Reprocessed, res.PreviousCorrelationID = true, prev.CorrelationID
		c.metrics.Reprocessed.Add(1)
		log.With("previous", prev.CorrelationID, "previous_state", prev.State).
			Info("reprocess", "document was processed before")
	}

	anon, err := c.engine.Anonymize(ctx, req.Text)
	if err != nil {
		return nil, c.finish(rc, log, c.failure(ctx, id, StageAnonymize, ReasonDetectionFailure, err), 0)
	}
	rc.attach(anon.Tokens)
	res.Degraded = anon.Degraded
	if ctx.Err() != nil {
		return nil, c.finish(rc, log, c.failure(ctx, id, StageAnonymize, ReasonCancelled, ctx.Err()), 0)
	}
	c.advance(rc, log, StateCreated, StateAnonymized)
	log.With("spans", anon.Spans, "identities", identityTypes(anon.Tokens), "degraded", len(anon.Degraded)).
		Debug("anonymized", "document anonymized")

	draft, attempts, err := c.dispatch(ctx, rc, log, remote.Request{
		CorrelationID:  id,
		AnonymizedText: anon.Text,
		Task:           task,
	})
	res.Attempts = attempts
	if err != nil {
		return nil, c.finish(rc, log, c.failure(ctx, id, StageDispatch, remoteReason(err), err), attempts)
	}

	tm := rc.tokenMap()
	if tm == nil {
		return nil, c.finish(rc, log, c.failure(ctx, id, StageRehydrate, ReasonCancelled, ErrCancelled), attempts)
	}
	final, report, err := anonymizer.Rehydrate(draft, tm)
	if err != nil {
		return nil, c.finish(rc, log, c.failure(ctx, id, StageRehydrate, ReasonCancelled, err), attempts)
	}
	c.advance(rc, log, StateAwaitingResponse, StateRehydrated)
	c.metrics.TokensRehydrated.Add(int64(report.Restored()))
	res.FinalText, res.Report = final, report

	if !report.OK() {
		c.metrics.UnresolvedPlaceholders.Add(int64(len(report.Unresolved)))
		err := fmt.Errorf("%d unresolved placeholders: %s", len(report.Unresolved), strings.Join(report.Unresolved, ", "))
		return res, c.finish(rc, log, &Failure{CorrelationID: id, Reason: ReasonUnresolvedPlaceholder, Stage: StageRehydrate, Err: err}, attempts)
	}
	c.advance(rc, log, StateRehydrated, StateCompleted)
	if err := c.finish(rc, log, nil, attempts); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) validate(req Request) (remote.Task, error) {
	if !firmIDRe.MatchString(req.FirmID) {
		return remote.Task{}, errors.New("invalid firm id")
	}
	if c.firms != nil && !c.firms.Known(req.FirmID) {
		return remote.Task{}, errors.New("unknown firm")
	}
	if strings.TrimSpace(req.Text) == "" {
		return remote.Task{}, errors.New("empty document")
	}
	if len(req.Text) > c.cfg.MaxTextBytes {
		return remote.Task{}, fmt.Errorf("document exceeds %d bytes", c.cfg.MaxTextBytes)
	}
	if !utf8.ValidString(req.Text) {
		return remote.Task{}, errors.New("document is not valid UTF-8")
	}
	return req.Task.Normalize()
}

// dispatch calls the remote service, retrying timeouts and unavailability
// with exponential backoff until MaxAttempts is reached. A cancelled or
// expired round-trip context ends it immediately.
func (c *Coordinator) dispatch(ctx context.Context, rc *RequestContext, log *logger.Logger, req remote.Request) (string, int, error) {
	from := StateAnonymized
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.cfg.RetryBackoff << (attempt - 2)
			log.With("attempt", attempt).Warnf("remote_retry", "retrying in %s after: %v", wait, lastErr)
			c.metrics.RemoteRetries.Add(1)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return "", attempt - 1, ctx.Err()
			case <-t.C:
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, rc.FirmID); err != nil {
				if ctx.Err() != nil {
					return "", attempt - 1, ctx.Err()
				}
				return "", attempt - 1, fmt.Errorf("%w: rate limit: %v", remote.ErrUnavailable, err)
			}
		}

		c.advance(rc, log, from, StateDispatched)
		c.advance(rc, log, StateDispatched, StateAwaitingResponse)
		from = StateAwaitingResponse

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		sent := time.Now()
		text, err := c.remote.Complete(attemptCtx, req)
		cancel()
		c.metrics.RecordRemoteLatency(time.Since(sent))
		if err == nil {
			return text, attempt, nil
		}
		if ctx.Err() != nil {
			return "", attempt, ctx.Err()
		}
		lastErr = normalizeRemote(err)
		if !remote.Retryable(lastErr) {
			return "", attempt, lastErr
		}
	}
	return "", c.cfg.MaxAttempts, lastErr
}

// normalizeRemote maps errors from services that do not classify their own
// failures. An expired attempt deadline is a timeout; anything else unknown
// counts as unavailability.
func normalizeRemote(err error) error {
	for _, known := range []error{remote.ErrTimeout, remote.ErrUnavailable, remote.ErrInvalidResponse, remote.ErrRejected, remote.ErrInvalidRequest} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: attempt deadline exceeded", remote.ErrTimeout)
	}
	return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
}

func remoteReason(err error) Reason {
	switch {
	case errors.Is(err, remote.ErrTimeout):
		return ReasonRemoteTimeout
	case errors.Is(err, remote.ErrUnavailable):
		return ReasonRemoteUnavailable
	case errors.Is(err, remote.ErrInvalidRequest):
		return ReasonInvalidRequest
	default:
		return ReasonInvalidResponse
	}
}

// failure builds the Failure for a stage. When the round-trip context has
// ended, the interruption decides the reason: an expired deadline is a
// RemoteTimeout, anything else is Cancelled.
func (c *Coordinator) failure(ctx context.Context, id string, stage Stage, reason Reason, err error) *Failure {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		reason = ReasonCancelled
		if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, errExpired) {
			reason = ReasonRemoteTimeout
		}
		err = cause
	}
	return &Failure{CorrelationID: id, Reason: reason, Stage: stage, Err: err}
}

// identityTypes summarises a TokenMap as "email:1,person:2", sorted by type.
func identityTypes(tm *anonymizer.TokenMap) string {
	counts := tm.CountByType()
	parts := make([]string, 0, len(counts))
	for _, t := range slices.Sorted(maps.Keys(counts)) {
		parts = append(parts, fmt.Sprintf("%s:%d", t, counts[t]))
	}
	return strings.Join(parts, ",")
}

func (c *Coordinator) advance(rc *RequestContext, log *logger.Logger, from, to State) {
	if err := rc.transition(from, to); err != nil {
		log.Errorf("state", "%v", err)
	}
}

// finish moves rc to its terminal state, destroys the TokenMap and records the
// outcome. It returns f as an error, or nil when f is nil.
func (c *Coordinator) finish(rc *RequestContext, log *logger.Logger, f *Failure, attempts int) error {
	if f != nil {
		rc.fail(f.Reason)
	}
	rc.release()
	state := rc.State()

	if f == nil || f.Stage != StageValidate {
		err := c.ledger.Put(rc.DocumentHash, ledger.Record{
			CorrelationID: rc.CorrelationID,
			State:         string(state),
			Reason:        string(rc.Reason()),
			Attempts:      attempts,
			UpdatedAt:     time.Now().UTC(),
		})
		if err != nil {
			log.Warnf("ledger_write", "%v", err)
		}
	}
	c.completed.Set(rc.CorrelationID, Summary{
		CorrelationID: rc.CorrelationID,
		FirmID:        rc.FirmID,
		TaskType:      rc.TaskType,
		State:         state,
		Reason:        rc.Reason(),
		FinishedAt:    time.Now().UTC(),
	}, cache.DefaultExpiration)

	elapsed := time.Since(rc.CreatedAt).Round(time.Millisecond)
	if f != nil {
		c.metrics.RoundTripsFailed.Add(1)
		c.metrics.RecordFailure(string(f.Reason))
		log.With("reason", f.Reason, "stage", f.Stage, "attempts", attempts).
			Warnf("round_trip", "failed after %s: %v", elapsed, f.Err)
	} else {
		c.metrics.RoundTripsCompleted.Add(1)
		log.With("attempts", attempts).Infof("round_trip", "completed in %s", elapsed)
	}
	if c.onTerminal != nil {
		c.onTerminal(rc)
	}
	if f == nil {
		return nil
	}
	return f
}

// Cancel aborts the in-flight round trip id and destroys its TokenMap at
// once. It reports whether such a round trip was found.
func (c *Coordinator) Cancel(id string) bool {
	rc, ok := c.inflight.get(id)
	if !ok {
		return false
	}
	rc.cancel(ErrCancelled)
	rc.release()
	return true
}

// InFlight lists active round trips, oldest first.
func (c *Coordinator) InFlight() []InFlight {
	live := c.inflight.list()
	out := make([]InFlight, 0, len(live))
	for _, rc := range live {
		out = append(out, InFlight{
			CorrelationID: rc.CorrelationID,
			FirmID:        rc.FirmID,
			State:         rc.State(),
			CreatedAt:     rc.CreatedAt,
			Deadline:      rc.Deadline,
		})
	}
	return out
}

// Lookup returns the summary of a finished round trip.
func (c *Coordinator) Lookup(id string) (Summary, bool) {
	v, ok := c.completed.Get(id)
	if !ok {
		return Summary{}, false
	}
	s, ok := v.(Summary)
	return s, ok
}
