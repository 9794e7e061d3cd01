// Package snapshot implements the bbolt-backed full-store persistence the
// main dispatcher's store-save/store-load admin commands drive. One bucket per domain, keyed by record key, value a JSON blob —
// the same bucket-per-entity-kind layout and db.Update/db.View transaction
// style, narrowed to one bucket per payload domain.
package snapshot

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/cybercache/corecache/pkg/compress"
	"github.com/cybercache/corecache/pkg/types"
)

var bucketNames = map[types.Domain][]byte{
	types.Session: []byte("session"),
	types.FPC:     []byte("fpc"),
}

// Entry is one persisted record: enough to reconstruct it on store-load
// without re-deriving anything from the live hash table.
type Entry struct {
	Key              []byte
	Payload          []byte
	Compressor       compress.ID
	UncompressedSize int
	UserAgentClass   types.UserAgentClass
	ExpirationUnix   int64 // 0 means no finite expiration: unset, or types.MaxTimestamp
	Tags             [][]byte
}

// Store wraps a bbolt database file holding one bucket per domain.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the snapshot file at path and ensures
// every domain's bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range bucketNames {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("snapshot: creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// Save replaces domain's bucket contents wholesale with entries.
func (s *Store) Save(domain types.Domain, entries []Entry) error {
	name, ok := bucketNames[domain]
	if !ok {
		return fmt.Errorf("snapshot: unknown domain %v", domain)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
			return fmt.Errorf("snapshot: clearing bucket %s: %w", name, err)
		}
		b, err := tx.CreateBucket(name)
		if err != nil {
			return fmt.Errorf("snapshot: recreating bucket %s: %w", name, err)
		}
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("snapshot: encoding entry %q: %w", e.Key, err)
			}
			if err := b.Put(e.Key, data); err != nil {
				return fmt.Errorf("snapshot: storing entry %q: %w", e.Key, err)
			}
		}
		return nil
	})
}

// Load calls fn once per persisted entry in domain's bucket, in bbolt's key order. A decode error for one entry aborts
// the whole load; a partially-corrupt snapshot is not silently ignored.
func (s *Store) Load(domain types.Domain, fn func(Entry) error) error {
	name, ok := bucketNames[domain]
	if !ok {
		return fmt.Errorf("snapshot: unknown domain %v", domain)
	}
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(name)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("snapshot: decoding entry %q: %w", k, err)
			}
			return fn(e)
		})
	})
}
