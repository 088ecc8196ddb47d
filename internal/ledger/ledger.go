// Package ledger remembers the last outcome for each processed document.
//
// Entries are keyed by the document hash (SHA3-256 over firm and text, hex
// encoded), never by content, and hold only the correlation id, terminal
// state, failure reason and timestamp. The coordinator consults the ledger to
// flag idempotent re-processing of a document it has already handled.
//
// Two backing stores are provided:
//   - memoryStore: in-process only, used in tests and when no path is set.
//   - boltStore: embedded bbolt database that survives restarts.
//
// Either can be fronted by an S3-FIFO layer that bounds both the in-memory
// hot set and the on-disk size.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"legal-pii-handshake/internal/logger"
)

// Record is the last known outcome for one document.
type Record struct {
	CorrelationID string    `json:"correlationId"`
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store is a document-hash keyed record store.
// All implementations must be safe for concurrent use.
type Store interface {
	Get(hash string) (Record, bool)
	Put(hash string, r Record) error
	Delete(hash string) error
	Close() error
}

// ErrEmptyHash is returned when a record is stored without a key.
var ErrEmptyHash = errors.New("ledger: empty document hash")

// --- memoryStore ---------------------------------------------------------

type memoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory returns an in-process Store.
func NewMemory() Store {
	return &memoryStore{records: make(map[string]Record)}
}

func (s *memoryStore) Get(hash string) (Record, bool) {
	s.mu.RLock()
	r, ok := s.records[hash]
	s.mu.RUnlock()
	return r, ok
}

func (s *memoryStore) Put(hash string, r Record) error {
	if hash == "" {
		return ErrEmptyHash
	}
	s.mu.Lock()
	s.records[hash] = r
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Delete(hash string) error {
	s.mu.Lock()
	delete(s.records, hash)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error { return nil }

// --- boltStore -----------------------------------------------------------

const bucketName = "documents"

type boltStore struct {
	db  *bolt.DB
	log *logger.Logger
}

// OpenBolt opens (or creates) the bbolt database at path.
func OpenBolt(path string, log *logger.Logger) (Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create ledger bucket: %w", err)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &boltStore{db: db, log: log}, nil
}

func (s *boltStore) Get(hash string) (Record, bool) {
	var (
		r     Record
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(hash))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &r)
	})
	if err != nil {
		s.log.Warnf("ledger_read", "bbolt get: %v", err)
		return Record{}, false
	}
	return r, found
}

func (s *boltStore) Put(hash string, r Record) error {
	if hash == "" {
		return ErrEmptyHash
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode ledger record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketName)
		}
		return b.Put([]byte(hash), data)
	})
}

func (s *boltStore) Delete(hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(hash))
	})
}

func (s *boltStore) Close() error { return s.db.Close() }

// Open returns the ledger store for path. An empty path yields a memory
// store. When the bbolt file cannot be opened the error is logged and a
// memory store is returned so the service still starts. capacity > 0 adds an
// S3-FIFO front bounding the number of retained records.
func Open(path string, capacity int, log *logger.Logger) Store {
	if log == nil {
		log = logger.Discard()
	}
	var backing Store
	if path == "" {
		backing = NewMemory()
	} else if s, err := OpenBolt(path, log); err != nil {
		log.Errorf("ledger_open", "falling back to in-memory ledger: %v", err)
		backing = NewMemory()
	} else {
		log.Infof("ledger_open", "ledger opened at %s", path)
		backing = s
	}
	if capacity > 0 {
		return NewS3FIFO(backing, capacity)
	}
	return backing
}
