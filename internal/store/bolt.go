package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const defaultBucket = "freeviewer"

// BoltStore is a Store backed by a single bbolt bucket.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
}

// OpenBolt opens (creating if needed) a bbolt database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	s := &BoltStore{db: db, bucket: []byte(defaultBucket)}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return s, nil
}

// Get returns the value stored under key.
func (s *BoltStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	return out, err
}

// Put stores value under key.
func (s *BoltStore) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), value)
	})
}

// Delete removes key.
func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
