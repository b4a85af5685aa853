// rulestore — cache.go
//
// SnapshotCache is the interface for the cross-restart rule-set snapshot
// cache. It stores the last-known-good RuleSet under a caller-chosen string
// key (cmd/mockpod uses the rule-store file path) so a RuleStore
// collaborator can still serve an active list when the JSON document cannot
// be read.
//
// Two implementations are provided:
//   - memorySnapshotCache — in-memory only, used in tests and as the
//     fallback when the bbolt cache cannot be opened.
//   - bboltSnapshotCache  — embedded key-value store (bbolt), used in production.
package rulestore

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/sinanerdinc/mockpod/internal/logger"
)

var log = logger.New("RULES", "info")

// SnapshotCache is the cross-restart rule-set snapshot cache interface.
// All implementations must be safe for concurrent use.
type SnapshotCache interface {
	// Get returns the cached RuleSet for the given rule-set id, if present.
	Get(id string) (RuleSet, bool)

	// Set stores id → rs. Overwrites any existing entry silently. Recency
	// of access does not evict entries — a frequently reloaded rule set
	// should stay warm indefinitely, unlike the Traffic Bus's live-inspection
	// ring, which is deliberately recency-bounded.
	Set(id string, rs RuleSet)

	// Close releases any resources held by the cache (e.g. file handles).
	Close() error
}

// --- memorySnapshotCache --------------------------------------------------

type memorySnapshotCache struct {
	mu    sync.RWMutex
	store map[string]RuleSet
}

// NewMemorySnapshotCache returns an in-memory SnapshotCache, used in tests
// and as the fallback when the bbolt cache cannot be opened.
func NewMemorySnapshotCache() SnapshotCache {
	return &memorySnapshotCache{store: make(map[string]RuleSet)}
}

func (c *memorySnapshotCache) Get(id string) (RuleSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rs, ok := c.store[id]
	return rs, ok
}

func (c *memorySnapshotCache) Set(id string, rs RuleSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[id] = rs
}

func (c *memorySnapshotCache) Close() error { return nil }

// --- bboltSnapshotCache ----------------------------------------------------

const bboltBucket = "ruleset_cache"

// bboltSnapshotCache is a SnapshotCache backed by an embedded bbolt database.
// Entries survive process restarts. The database file is created at the
// given path if it does not exist.
type bboltSnapshotCache struct {
	db *bolt.DB
}

// NewBboltSnapshotCache opens (or creates) the bbolt database at path and
// ensures the bucket exists.
func NewBboltSnapshotCache(path string) (SnapshotCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("rulestore: open bbolt cache %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bboltBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("rulestore: create bbolt bucket: %w", err)
	}

	log.Infof("cache_open", "snapshot cache opened at %s", path)
	return &bboltSnapshotCache{db: db}, nil
}

func (c *bboltSnapshotCache) Get(id string) (RuleSet, bool) {
	var rs RuleSet
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bboltBucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &rs); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		log.Errorf("cache_get", "bbolt error: %v", err)
		return RuleSet{}, false
	}
	return rs, found
}

func (c *bboltSnapshotCache) Set(id string, rs RuleSet) {
	data, err := json.Marshal(rs)
	if err != nil {
		log.Errorf("cache_set", "marshal error: %v", err)
		return
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bboltBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bboltBucket)
		}
		return b.Put([]byte(id), data)
	}); err != nil {
		log.Errorf("cache_set", "bbolt error: %v", err)
	}
}

func (c *bboltSnapshotCache) Close() error {
	return c.db.Close()
}
