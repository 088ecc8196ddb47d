package anonymizer

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/blake2b"

	"legal-pii-handshake/internal/pii"
)

// ErrDestroyed is returned by operations on a TokenMap after Destroy.
var ErrDestroyed = errors.New("token map destroyed")

// ErrNotSerializable is returned by MarshalJSON. A TokenMap never leaves the
// process.
var ErrNotSerializable = errors.New("token map is not serializable")

// identity is the forward-lookup key. Values are keyed by digest so the map
// keys never hold a copy of the PII that Destroy could not overwrite.
type identity struct {
	typ    pii.Type
	digest [blake2b.Size256]byte
}

type entry struct {
	ph    Placeholder
	value []byte
}

// TokenMap is the per-document bijection between placeholders and the PII
// values they replace. It is owned by exactly one request and destroyed when
// that request ends; after Destroy every lookup fails and the stored values
// have been overwritten with zeros.
//
// A TokenMap formats as a redacted summary and refuses JSON encoding.
type TokenMap struct {
	mu        sync.RWMutex
	forward   map[identity]Placeholder
	reverse   map[Placeholder]*entry
	order     []Placeholder
	next      map[pii.Type]int
	destroyed bool
}

func newTokenMap(capacity int) *TokenMap {
	return &TokenMap{
		forward: make(map[identity]Placeholder, capacity),
		reverse: make(map[Placeholder]*entry, capacity),
		next:    make(map[pii.Type]int),
	}
}

// Assign builds the TokenMap for a resolved span set. Spans are visited in
// ascending offset order; the first occurrence of a (type, exact text) pair
// gets the next sequence number for its type and later occurrences reuse it.
// The same text under two different types yields two identities.
func Assign(set pii.ResolvedSet) *TokenMap {
	tm := newTokenMap(set.Len())
	for _, sp := range set.Spans() {
		tm.assign(sp.Type, sp.Text)
	}
	return tm
}

func (tm *TokenMap) assign(typ pii.Type, value string) Placeholder {
	id := identity{typ: typ, digest: blake2b.Sum256([]byte(value))}
	if ph, ok := tm.forward[id]; ok {
		return ph
	}
	tm.next[typ]++
	ph := Placeholder{Type: typ, Seq: tm.next[typ]}
	tm.forward[id] = ph
	tm.reverse[ph] = &entry{ph: ph, value: []byte(value)}
	tm.order = append(tm.order, ph)
	return ph
}

// PlaceholderFor returns the placeholder assigned to value under typ.
func (tm *TokenMap) PlaceholderFor(typ pii.Type, value string) (Placeholder, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.destroyed {
		return Placeholder{}, false
	}
	ph, ok := tm.forward[identity{typ: typ, digest: blake2b.Sum256([]byte(value))}]
	return ph, ok
}

// Lookup returns the original value for ph.
func (tm *TokenMap) Lookup(ph Placeholder) (string, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.destroyed {
		return "", false
	}
	e, ok := tm.reverse[ph]
	if !ok {
		return "", false
	}
	return string(e.value), true
}

// Len returns the number of distinct identities.
func (tm *TokenMap) Len() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.order)
}

// Placeholders returns every placeholder in assignment order.
func (tm *TokenMap) Placeholders() []Placeholder {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.destroyed {
		return nil
	}
	return append([]Placeholder(nil), tm.order...)
}

// CountByType returns the number of identities per type. It carries no values
// and is safe to log.
func (tm *TokenMap) CountByType() map[pii.Type]int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make(map[pii.Type]int, len(tm.next))
	for t, n := range tm.next {
		out[t] = n
	}
	return out
}

// Destroy overwrites every stored value with zeros and drops all references.
// It is idempotent.
func (tm *TokenMap) Destroy() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.destroyed {
		return
	}
	for _, e := range tm.reverse {
		clear(e.value)
		e.value = nil
	}
	clear(tm.reverse)
	clear(tm.forward)
	tm.order = nil
	tm.destroyed = true
}

// Destroyed reports whether Destroy has run.
func (tm *TokenMap) Destroyed() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.destroyed
}

// String describes the map without its contents.
func (tm *TokenMap) String() string {
	if tm == nil {
		return "TokenMap<nil>"
	}
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return fmt.Sprintf("TokenMap{entries=%d destroyed=%t}", len(tm.order), tm.destroyed)
}

// GoString keeps %#v redacted.
func (tm *TokenMap) GoString() string { return tm.String() }

// Format makes every fmt verb use String.
func (tm *TokenMap) Format(f fmt.State, _ rune) { io.WriteString(f, tm.String()) } //nolint:errcheck

// MarshalJSON always fails.
func (tm *TokenMap) MarshalJSON() ([]byte, error) { return nil, ErrNotSerializable }
