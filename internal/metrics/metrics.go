// Package metrics provides lightweight, lock-minimal performance counters
// for the handshake service.
//
// Counters use sync/atomic so hot paths (detection, rehydration) incur no
// mutex contention. Latency statistics use a single mutex per dimension; they
// are updated at most once per round trip.
//
// Nothing here is keyed by document content: counters are per PII type, per
// failure reason or global.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// knownPIITypes mirrors pii.Types. Kept as strings so this package has no
// dependency on the detection model.
var knownPIITypes = []string{
	"person", "location", "organization", "phone", "email", "iban",
	"nationalId", "birthDate", "date", "website", "other",
}

// knownReasons mirrors handshake.Reason values.
var knownReasons = []string{
	"DetectionFailure", "RemoteTimeout", "RemoteUnavailable", "InvalidResponse",
	"UnresolvedPlaceholder", "Cancelled", "InvalidRequest",
}

// Metrics holds all runtime counters for a running service instance.
// The zero value is usable but drops per-type and per-reason counts; use New().
type Metrics struct {
	// Round-trip counters
	RoundTripsStarted   atomic.Int64
	RoundTripsCompleted atomic.Int64
	RoundTripsFailed    atomic.Int64
	Reprocessed         atomic.Int64

	// Detection
	StrategiesDegraded atomic.Int64
	LeaksBlocked       atomic.Int64

	// Remote
	RemoteRetries atomic.Int64

	// Placeholder volume
	TokensAssigned         atomic.Int64
	TokensRehydrated       atomic.Int64
	UnresolvedPlaceholders atomic.Int64

	// Learning signals
	SignalsRecorded  atomic.Int64
	SignalsDelivered atomic.Int64

	// Maps are written only in New(); concurrent reads are safe without a lock.
	spansByType      map[string]*atomic.Int64
	failuresByReason map[string]*atomic.Int64

	anonMu   sync.Mutex
	anonStat latencyStats

	remoteMu   sync.Mutex
	remoteStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded and per-type and
// per-reason counter maps pre-populated.
func New() *Metrics {
	m := &Metrics{
		startTime:        time.Now(),
		spansByType:      make(map[string]*atomic.Int64, len(knownPIITypes)),
		failuresByReason: make(map[string]*atomic.Int64, len(knownReasons)),
	}
	for _, t := range knownPIITypes {
		m.spansByType[t] = new(atomic.Int64)
	}
	for _, r := range knownReasons {
		m.failuresByReason[r] = new(atomic.Int64)
	}
	return m
}

// RecordSpan increments the resolved-span counter for the given PII type.
// Unknown types are silently ignored.
func (m *Metrics) RecordSpan(piiType string) {
	if c, ok := m.spansByType[piiType]; ok {
		c.Add(1)
	}
}

// RecordFailure counts one failed round trip under reason.
func (m *Metrics) RecordFailure(reason string) {
	m.RoundTripsFailed.Add(1)
	if c, ok := m.failuresByReason[reason]; ok {
		c.Add(1)
	}
}

// RecordAnonLatency records the duration of one anonymization pass.
func (m *Metrics) RecordAnonLatency(d time.Duration) {
	m.anonMu.Lock()
	m.anonStat.record(float64(d.Microseconds()) / 1000.0)
	m.anonMu.Unlock()
}

// RecordRemoteLatency records the wall time spent waiting on the remote service.
func (m *Metrics) RecordRemoteLatency(d time.Duration) {
	m.remoteMu.Lock()
	m.remoteStat.record(float64(d.Microseconds()) / 1000.0)
	m.remoteMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.anonMu.Lock()
	anon := m.anonStat.snapshot()
	m.anonMu.Unlock()

	m.remoteMu.Lock()
	remote := m.remoteStat.snapshot()
	m.remoteMu.Unlock()

	uptime := 0.0
	if !m.startTime.IsZero() {
		uptime = time.Since(m.startTime).Seconds()
	}

	return Snapshot{
		RoundTrips: RoundTripSnapshot{
			Started:     m.RoundTripsStarted.Load(),
			Completed:   m.RoundTripsCompleted.Load(),
			Failed:      m.RoundTripsFailed.Load(),
			Reprocessed: m.Reprocessed.Load(),
			ByReason:    nonZero(m.failuresByReason),
			Retries:     m.RemoteRetries.Load(),
		},
		Detection: DetectionSnapshot{
			SpansByType:        nonZero(m.spansByType),
			StrategiesDegraded: m.StrategiesDegraded.Load(),
			LeaksBlocked:       m.LeaksBlocked.Load(),
		},
		Placeholders: PlaceholderSnapshot{
			Assigned:   m.TokensAssigned.Load(),
			Rehydrated: m.TokensRehydrated.Load(),
			Unresolved: m.UnresolvedPlaceholders.Load(),
		},
		Signals: SignalSnapshot{
			Recorded:  m.SignalsRecorded.Load(),
			Delivered: m.SignalsDelivered.Load(),
		},
		Latency: LatencyGroup{
			AnonymizationMs: anon,
			RemoteMs:        remote,
		},
		UptimeSecs: uptime,
	}
}

func nonZero(counters map[string]*atomic.Int64) map[string]int64 {
	out := make(map[string]int64, len(counters))
	for k, c := range counters {
		if n := c.Load(); n > 0 {
			out[k] = n
		}
	}
	return out
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	RoundTrips   RoundTripSnapshot   `json:"roundTrips"`
	Detection    DetectionSnapshot   `json:"detection"`
	Placeholders PlaceholderSnapshot `json:"placeholders"`
	Signals      SignalSnapshot      `json:"signals"`
	Latency      LatencyGroup        `json:"latency"`
	UptimeSecs   float64             `json:"uptimeSecs"`
}

// RoundTripSnapshot holds handshake-level counters.
type RoundTripSnapshot struct {
	Started     int64            `json:"started"`
	Completed   int64            `json:"completed"`
	Failed      int64            `json:"failed"`
	Reprocessed int64            `json:"reprocessed"`
	ByReason    map[string]int64 `json:"byReason,omitempty"`
	Retries     int64            `json:"retries"`
}

// DetectionSnapshot holds detector counters.
type DetectionSnapshot struct {
	SpansByType        map[string]int64 `json:"spansByType,omitempty"`
	StrategiesDegraded int64            `json:"strategiesDegraded"`
	LeaksBlocked       int64            `json:"leaksBlocked"`
}

// PlaceholderSnapshot holds placeholder volume counters.
type PlaceholderSnapshot struct {
	Assigned   int64 `json:"assigned"`
	Rehydrated int64 `json:"rehydrated"`
	Unresolved int64 `json:"unresolved"`
}

// SignalSnapshot holds learning-signal counters.
type SignalSnapshot struct {
	Recorded  int64 `json:"recorded"`
	Delivered int64 `json:"delivered"`
}

// LatencyGroup groups the two latency dimensions.
type LatencyGroup struct {
	AnonymizationMs LatencySnapshot `json:"anonymizationMs"`
	RemoteMs        LatencySnapshot `json:"remoteMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
