// Package cache provides the durable, content-addressed provider response
// cache. Keys are request fingerprints; values are raw provider responses.
// Entries are immutable once written, so a cache hit never triggers a
// provider call and re-running an interrupted pass after a crash does not
// re-pay for already-answered requests.
package cache

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.etcd.io/bbolt"

	derrors "github.com/docsmith-dev/docsmith/internal/errors"
)

var bucketResponses = []byte("responses")

// DefaultMemoryEntries is the default size of the in-memory LRU front.
const DefaultMemoryEntries = 1000

// ResponseCache is a bbolt-backed response cache with an LRU front for hot
// fingerprints.
type ResponseCache struct {
	mu  sync.Mutex // serializes writers; bbolt handles reader concurrency
	db  *bbolt.DB
	mem *lru.Cache[string, []byte]
}

// Open opens (or creates) a response cache at path.
func Open(path string, memoryEntries int) (*ResponseCache, error) {
	if memoryEntries <= 0 {
		memoryEntries = DefaultMemoryEntries
	}

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, derrors.StorageError("open response cache", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResponses)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, derrors.StorageError("init response cache", err)
	}

	mem, _ := lru.New[string, []byte](memoryEntries)
	return &ResponseCache{db: db, mem: mem}, nil
}

// Get returns the cached response for a fingerprint, or ok=false on miss.
func (c *ResponseCache) Get(fingerprint string) ([]byte, bool, error) {
	if resp, ok := c.mem.Get(fingerprint); ok {
		return resp, true, nil
	}

	var resp []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketResponses).Get([]byte(fingerprint))
		if raw == nil {
			return nil
		}
		var decodeErr error
		resp, _, decodeErr = decodeEntry(raw)
		return decodeErr
	})
	if err != nil {
		return nil, false, derrors.StorageError("read response cache", err)
	}
	if resp == nil {
		return nil, false, nil
	}

	c.mem.Add(fingerprint, resp)
	return resp, true, nil
}

// Put stores a response under its fingerprint. Entries are immutable:
// writing an already-present fingerprint is a no-op, so the first response
// wins and concurrent writers cannot flap an entry.
func (c *ResponseCache) Put(fingerprint string, response []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketResponses)
		if b.Get([]byte(fingerprint)) != nil {
			return nil
		}
		return b.Put([]byte(fingerprint), encodeEntry(response, time.Now()))
	})
	if err != nil {
		return derrors.StorageError("write response cache", err)
	}

	c.mem.Add(fingerprint, response)
	return nil
}

// Len returns the number of durable entries.
func (c *ResponseCache) Len() (int, error) {
	var n int
	err := c.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketResponses).Stats().KeyN
		return nil
	})
	return n, err
}

// Prune removes entries older than maxAge and returns the count removed.
// Correctness never requires eviction; this is maintenance only and must
// not run concurrently with an indexing or generation pass.
func (c *ResponseCache) Prune(maxAge time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var removed int

	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketResponses)
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			_, createdAt, err := decodeEntry(v)
			if err != nil {
				continue
			}
			if createdAt.Before(cutoff) {
				if err := cur.Delete(); err != nil {
					return err
				}
				c.mem.Remove(string(k))
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, derrors.StorageError("prune response cache", err)
	}
	return removed, nil
}

// Close closes the underlying database.
func (c *ResponseCache) Close() error {
	return c.db.Close()
}

// encodeEntry frames a response with its creation timestamp:
// 8 bytes big-endian unix nanos followed by the raw response.
func encodeEntry(response []byte, createdAt time.Time) []byte {
	buf := make([]byte, 8+len(response))
	binary.BigEndian.PutUint64(buf, uint64(createdAt.UnixNano()))
	copy(buf[8:], response)
	return buf
}

func decodeEntry(raw []byte) ([]byte, time.Time, error) {
	if len(raw) < 8 {
		return nil, time.Time{}, fmt.Errorf("cache entry too short: %d bytes", len(raw))
	}
	nanos := int64(binary.BigEndian.Uint64(raw))
	resp := make([]byte, len(raw)-8)
	copy(resp, raw[8:])
	return resp, time.Unix(0, nanos), nil
}
