package ledger

import (
	"container/list"
	"sync"
)

// s3fifo bounds a backing Store with S3-FIFO eviction (Yang et al., 2023).
//
// New hashes enter the small probationary queue. When the small queue is
// evicted, records read at least once since insertion move to the main
// queue; the rest are dropped and their hash is remembered in a bounded ghost
// ring. A hash found in the ghost ring on insert goes straight to main. Main
// evicts in plain FIFO order.
//
// Every eviction also deletes the record from the backing store, so the
// retained history never exceeds capacity. Those deletes run after c.mu is
// released and before the caller's own write reaches the backing store.
//
//	small   = max(1, capacity/10)
//	main    = capacity - small
//	ghost   = max(4, 2*small)
type s3fifo struct {
	mu sync.Mutex

	capacity int
	small    int

	resident map[string]*slot
	smallQ   *list.List
	mainQ    *list.List
	ghost    ghostRing

	backing Store
}

type slot struct {
	rec    Record
	hits   uint8 // saturates at 3
	elem   *list.Element
	inMain bool
}

// NewS3FIFO fronts backing with an S3-FIFO layer holding at most capacity
// records. Capacities below 2 are raised to 2.
func NewS3FIFO(backing Store, capacity int) Store {
	capacity = max(capacity, 2)
	small := max(capacity/10, 1)
	return &s3fifo{
		capacity: capacity,
		small:    small,
		resident: make(map[string]*slot, capacity),
		smallQ:   list.New(),
		mainQ:    list.New(),
		ghost:    newGhostRing(max(2*small, 4)),
		backing:  backing,
	}
}

// Get returns the record for hash. A resident hit bumps its hit counter; a
// miss falls through to the backing store and re-admits what it finds.
func (c *s3fifo) Get(hash string) (Record, bool) {
	c.mu.Lock()
	if s, ok := c.resident[hash]; ok {
		if s.hits < 3 {
			s.hits++
		}
		r := s.rec
		c.mu.Unlock()
		return r, true
	}
	c.mu.Unlock()

	r, ok := c.backing.Get(hash)
	if !ok {
		return Record{}, false
	}
	c.dropFromBacking(c.admit(hash, r))
	return r, true
}

// Put stores r in memory and in the backing store.
func (c *s3fifo) Put(hash string, r Record) error {
	if hash == "" {
		return ErrEmptyHash
	}
	c.dropFromBacking(c.admit(hash, r))
	return c.backing.Put(hash, r)
}

// Delete drops hash from memory and from the backing store.
func (c *s3fifo) Delete(hash string) error {
	c.mu.Lock()
	if s, ok := c.resident[hash]; ok {
		c.queueOf(s).Remove(s.elem)
		delete(c.resident, hash)
	}
	c.mu.Unlock()
	return c.backing.Delete(hash)
}

// Close closes the backing store. In-memory state is discarded.
func (c *s3fifo) Close() error {
	return c.backing.Close()
}

// Len returns the number of resident records.
func (c *s3fifo) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resident)
}

func (c *s3fifo) queueOf(s *slot) *list.List {
	if s.inMain {
		return c.mainQ
	}
	return c.smallQ
}

// admit inserts or updates hash and returns the hashes it evicted. An update
// keeps the queue position.
func (c *s3fifo) admit(hash string, r Record) (evicted []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.resident[hash]; ok {
		s.rec = r
		return nil
	}
	s := &slot{rec: r, inMain: c.ghost.contains(hash)}
	s.elem = c.queueOf(s).PushBack(hash)
	c.resident[hash] = s

	for c.smallQ.Len()+c.mainQ.Len() > c.capacity {
		if c.smallQ.Len() > 0 {
			evicted = c.evictSmall(evicted)
		} else {
			evicted = c.evictMain(evicted)
		}
	}
	return evicted
}

// evictSmall pops the oldest probationary record. Called with c.mu held.
func (c *s3fifo) evictSmall(evicted []string) []string {
	hash := c.smallQ.Remove(c.smallQ.Front()).(string)
	s, ok := c.resident[hash]
	if !ok {
		return evicted
	}
	if s.hits == 0 {
		delete(c.resident, hash)
		c.ghost.add(hash)
		return append(evicted, hash)
	}
	s.hits = 0
	s.inMain = true
	s.elem = c.mainQ.PushBack(hash)
	if c.mainQ.Len() > c.capacity-c.small {
		return c.evictMain(evicted)
	}
	return evicted
}

// evictMain pops the oldest main record. Called with c.mu held.
func (c *s3fifo) evictMain(evicted []string) []string {
	front := c.mainQ.Front()
	if front == nil {
		return evicted
	}
	hash := c.mainQ.Remove(front).(string)
	delete(c.resident, hash)
	return append(evicted, hash)
}

func (c *s3fifo) dropFromBacking(hashes []string) {
	for _, h := range hashes {
		_ = c.backing.Delete(h) //nolint:errcheck // eviction is best effort
	}
}

// ghostRing is a fixed-size FIFO set of recently evicted hashes.
type ghostRing struct {
	buf   []string
	set   map[string]struct{}
	head  int
	count int
}

func newGhostRing(size int) ghostRing {
	return ghostRing{buf: make([]string, size), set: make(map[string]struct{}, size)}
}

func (g *ghostRing) contains(hash string) bool {
	_, ok := g.set[hash]
	return ok
}

func (g *ghostRing) add(hash string) {
	if g.contains(hash) {
		return
	}
	if g.count == len(g.buf) {
		delete(g.set, g.buf[g.head])
		g.head = (g.head + 1) % len(g.buf)
		g.count--
	}
	g.buf[(g.head+g.count)%len(g.buf)] = hash
	g.set[hash] = struct{}{}
	g.count++
}
