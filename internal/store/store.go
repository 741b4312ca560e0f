// Package store implements the key-value substrate every other datafold
// component persists through: an ordered key->bytes store on bbolt with
// atomic multi-key batches, prefix scans, and explicit flush.
package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/shiba4life/datafold/internal/folderr"
)

// bucketData is the single logical partition holding all core records.
// The key-space discipline in keys.go keeps record families disjoint.
var bucketData = []byte("datafold")

// Op is a single operation inside an atomic batch.
type Op struct {
	// Key is the full storage key (see keys.go).
	Key string
	// Value is the serialized record. Nil means delete.
	Value []byte
}

// Put builds a batch op that writes value under key.
func Put(key string, value []byte) Op { return Op{Key: key, Value: value} }

// Delete builds a batch op that removes key.
func Delete(key string) Op { return Op{Key: key} }

// Store is a crash-consistent ordered key->bytes store. All methods are
// safe for concurrent use; batches are atomic (all keys visible together
// or none).
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store at path. The parent directory is
// created if missing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, folderr.Substrate("creating storage directory", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, folderr.Substrate(fmt.Sprintf("opening store %q", path), err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(bucketData)
		return berr
	}); err != nil {
		_ = db.Close()
		return nil, folderr.Substrate("initializing store bucket", err)
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return folderr.Substrate("closing store", err)
	}

	return nil
}

// Get returns the value stored under key. The second return value
// distinguishes absent from present-but-empty.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketData).Get([]byte(key))
		if v != nil {
			found = true
			value = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return nil, false, folderr.Substrate(fmt.Sprintf("get %q", key), err)
	}

	return value, found, nil
}

// PutValue stores value under key.
func (s *Store) PutValue(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketData).Put([]byte(key), value)
	})
	if err != nil {
		return folderr.Substrate(fmt.Sprintf("put %q", key), err)
	}

	return nil
}

// DeleteKey removes key. Deleting an absent key is not an error.
func (s *Store) DeleteKey(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketData).Delete([]byte(key))
	})
	if err != nil {
		return folderr.Substrate(fmt.Sprintf("delete %q", key), err)
	}

	return nil
}

// Entry is one key/value pair returned by ScanPrefix.
type Entry struct {
	Key   string
	Value []byte
}

// ScanPrefix returns all entries whose key starts with prefix, in key
// order.
func (s *Store) ScanPrefix(prefix string) ([]Entry, error) {
	var entries []Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketData).Cursor()
		p := []byte(prefix)

		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			entries = append(entries, Entry{
				Key:   string(k),
				Value: append([]byte(nil), v...),
			})
		}

		return nil
	})
	if err != nil {
		return nil, folderr.Substrate(fmt.Sprintf("scan %q", prefix), err)
	}

	return entries, nil
}

// Batch applies all ops in a single transaction. Either every op is
// visible on the next Get, or none is.
func (s *Store) Batch(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketData)

		for _, op := range ops {
			if op.Value == nil {
				if err := b.Delete([]byte(op.Key)); err != nil {
					return err
				}

				continue
			}

			if err := b.Put([]byte(op.Key), op.Value); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return folderr.Substrate(fmt.Sprintf("batch of %d ops", len(ops)), err)
	}

	return nil
}

// Flush forces the database to sync to disk.
func (s *Store) Flush() error {
	if err := s.db.Sync(); err != nil {
		return folderr.Substrate("flush", err)
	}

	return nil
}
