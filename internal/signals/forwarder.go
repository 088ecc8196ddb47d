package signals

import (
	"context"
	"time"

	"legal-pii-handshake/internal/logger"
	"legal-pii-handshake/internal/metrics"
)

// Forwarder drains the outbox into an Emitter on a fixed interval.
type Forwarder struct {
	store    *Store
	emitter  Emitter
	interval time.Duration
	batch    int
	retain   time.Duration
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// NewForwarder builds a forwarder. Zero interval and batch fall back to 30s
// and 100. Delivered rows older than retain are pruned; zero keeps them.
func NewForwarder(store *Store, emitter Emitter, interval time.Duration, batch int, retain time.Duration, log *logger.Logger, m *metrics.Metrics) *Forwarder {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if log == nil {
		log = logger.Discard()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Forwarder{store: store, emitter: emitter, interval: interval, batch: batch, retain: retain, log: log, metrics: m}
}

// Run forwards until ctx is done.
func (f *Forwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		if _, err := f.Flush(ctx); err != nil && ctx.Err() == nil {
			f.log.Warnf("signals_flush", "delivery failed, will retry: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush delivers pending signals batch by batch until the outbox is empty or
// an emit fails. It returns the number delivered.
func (f *Forwarder) Flush(ctx context.Context) (int, error) {
	sent := 0
	for {
		pending, err := f.store.Pending(ctx, f.batch)
		if err != nil {
			return sent, err
		}
		if len(pending) == 0 {
			break
		}
		batch := make([]LearningSignal, len(pending))
		ids := make([]int64, len(pending))
		for i, q := range pending {
			batch[i], ids[i] = q.Signal, q.ID
		}
		if err := f.emitter.Emit(ctx, batch); err != nil {
			return sent, err
		}
		if err := f.store.MarkDelivered(ctx, ids); err != nil {
			return sent, err
		}
		sent += len(batch)
		f.metrics.SignalsDelivered.Add(int64(len(batch)))
		if len(pending) < f.batch {
			break
		}
	}
	if sent > 0 {
		f.log.With("count", sent).Debug("signals_flush", "signals delivered")
	}
	if f.retain > 0 {
		if _, err := f.store.Prune(ctx, time.Now().Add(-f.retain)); err != nil {
			return sent, err
		}
	}
	return sent, nil
}
