package firms

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter throttles remote dispatches per firm.
type Limiter struct {
	limiters     map[string]*rate.Limiter
	mu           sync.RWMutex
	defaultRate  rate.Limit
	defaultBurst int
}

// NewLimiter creates a limiter allowing requestsPerSecond per firm. A rate of
// zero or less means unlimited.
func NewLimiter(requestsPerSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 5
	}
	lim := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		lim = rate.Inf
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  lim,
		defaultBurst: burst,
	}
}

// Wait blocks until firmID may dispatch or ctx is done.
func (l *Limiter) Wait(ctx context.Context, firmID string) error {
	return l.getLimiter(firmID).Wait(ctx)
}

// Allow reports whether firmID may dispatch now without waiting.
func (l *Limiter) Allow(firmID string) bool {
	return l.getLimiter(firmID).Allow()
}

func (l *Limiter) getLimiter(firmID string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[firmID]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[firmID]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
	l.limiters[firmID] = limiter
	return limiter
}

// SetFirmRate sets a custom rate for firmID. A rate of zero restores the
// default.
func (l *Limiter) SetFirmRate(firmID string, requestsPerSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if requestsPerSecond <= 0 {
		delete(l.limiters, firmID)
		return
	}
	if burst <= 0 {
		burst = l.defaultBurst
	}
	l.limiters[firmID] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Forget drops the limiter state for firmID.
func (l *Limiter) Forget(firmID string) {
	l.mu.Lock()
	delete(l.limiters, firmID)
	l.mu.Unlock()
}

// Follow applies every firm's custom rate and keeps the limiter in step with
// later registry changes.
func (l *Limiter) Follow(r *Registry) {
	for _, f := range r.All() {
		l.SetFirmRate(f.ID, f.RatePerSecond, f.Burst)
	}
	r.OnChange(func(f Firm, present bool) {
		if !present {
			l.Forget(f.ID)
			return
		}
		l.SetFirmRate(f.ID, f.RatePerSecond, f.Burst)
	})
}
