// Package firms holds the set of law firms (tenants) allowed to use the
// handshake, and throttles each firm's calls to the remote service.
package firms

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"legal-pii-handshake/internal/logger"
)

// Firm is one tenant. A zero RatePerSecond uses the limiter default.
type Firm struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	RatePerSecond float64   `json:"ratePerSecond,omitempty"`
	Burst         int       `json:"burst,omitempty"`
	AddedAt       time.Time `json:"addedAt"`
}

// ErrInvalidID is returned for firm ids that are empty or contain characters
// outside [A-Za-z0-9._-].
var ErrInvalidID = errors.New("invalid firm id")

var idRegexp = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidID reports whether id is a syntactically valid firm id.
func ValidID(id string) bool { return idRegexp.MatchString(id) }

// Registry is the mutable firm set shared by the coordinator and the
// management API. Changes are persisted with atomic file writes so they
// survive restarts.
type Registry struct {
	mu          sync.RWMutex
	firms       map[string]Firm
	persistPath string // empty = no persistence
	log         *logger.Logger
	onChange    func(Firm, bool)
}

// NewRegistry creates a registry seeded with seed. If persistPath exists its
// contents take precedence over seed.
func NewRegistry(seed []string, persistPath string, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	r := &Registry{
		firms:       make(map[string]Firm, len(seed)),
		persistPath: persistPath,
		log:         log,
	}

	if persistPath != "" {
		firms, err := r.loadFromDisk()
		switch {
		case err == nil:
			for _, f := range firms {
				if ValidID(f.ID) {
					r.firms[f.ID] = f
				}
			}
			log.Infof("firms_load", "loaded %d firms from %s", len(r.firms), persistPath)
			return r
		case !os.IsNotExist(err):
			log.Warnf("firms_load", "failed to load %s: %v (using configured firms)", persistPath, err)
		}
	}

	now := time.Now().UTC()
	for _, id := range seed {
		if ValidID(id) {
			r.firms[id] = Firm{ID: id, AddedAt: now}
		} else {
			log.Warnf("firms_load", "skipping invalid firm id %q", id)
		}
	}
	return r
}

// Known reports whether firmID is registered.
func (r *Registry) Known(firmID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.firms[firmID]
	return ok
}

// Get returns the firm record.
func (r *Registry) Get(firmID string) (Firm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.firms[firmID]
	return f, ok
}

// Put adds or replaces f and persists the registry.
func (r *Registry) Put(f Firm) error {
	if !ValidID(f.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, f.ID)
	}
	if f.RatePerSecond < 0 || f.Burst < 0 {
		return fmt.Errorf("firm %s: negative rate or burst", f.ID)
	}
	r.mu.Lock()
	if old, ok := r.firms[f.ID]; ok && f.AddedAt.IsZero() {
		f.AddedAt = old.AddedAt
	}
	if f.AddedAt.IsZero() {
		f.AddedAt = time.Now().UTC()
	}
	r.firms[f.ID] = f
	snapshot := r.snapshotLocked()
	hook := r.onChange
	r.mu.Unlock()
	if hook != nil {
		hook(f, true)
	}
	return r.persist(snapshot)
}

// Remove deletes firmID. It reports whether the firm existed.
func (r *Registry) Remove(firmID string) (bool, error) {
	r.mu.Lock()
	f, ok := r.firms[firmID]
	delete(r.firms, firmID)
	snapshot := r.snapshotLocked()
	hook := r.onChange
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	if hook != nil {
		hook(f, false)
	}
	return true, r.persist(snapshot)
}

// All returns every firm sorted by id.
func (r *Registry) All() []Firm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Len returns the number of registered firms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.firms)
}

// OnChange registers fn to be called after a firm is put (true) or removed
// (false). Only one hook is kept.
func (r *Registry) OnChange(fn func(f Firm, present bool)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Registry) loadFromDisk() ([]Firm, error) {
	data, err := os.ReadFile(r.persistPath)
	if err != nil {
		return nil, err
	}
	var firms []Firm
	if err := json.Unmarshal(data, &firms); err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.persistPath, err)
	}
	return firms, nil
}

// snapshotLocked returns the firms sorted by id. Caller must hold r.mu.
func (r *Registry) snapshotLocked() []Firm {
	out := make([]Firm, 0, len(r.firms))
	for _, f := range r.firms {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// persist writes firms to disk atomically (temp file, then rename). It does
// not hold r.mu.
func (r *Registry) persist(firms []Firm) error {
	if r.persistPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(firms, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal firms: %w", err)
	}

	dir := filepath.Dir(r.persistPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("persist firms: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".firms-*.tmp")
	if err != nil {
		return fmt.Errorf("persist firms (create temp): %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()        //nolint:errcheck // best-effort cleanup
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("persist firms (write): %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("persist firms (close): %w", err)
	}
	if err := os.Rename(tmpName, r.persistPath); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("persist firms (rename): %w", err)
	}
	return nil
}
