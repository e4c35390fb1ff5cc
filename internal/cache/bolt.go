package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store with one top-level bucket per namespace.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the cache database under dir.
func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrap("mkdir "+dir, err)
	}
	db, err := bolt.Open(filepath.Join(dir, "cache.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, wrap("open bolt db", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Put(ctx context.Context, namespace, key string, e Entry) error {
	return s.PutBatch(ctx, namespace, []KeyedEntry{{Key: key, Entry: e}})
}

// PutBatch writes every entry in a single transaction.
func (s *BoltStore) PutBatch(ctx context.Context, namespace string, entries []KeyedEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if namespace == "" {
		return fmt.Errorf("cache: namespace is required")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		for _, ke := range entries {
			data, err := json.Marshal(ke.Entry)
			if err != nil {
				return fmt.Errorf("encode %q: %w", ke.Key, err)
			}
			if err := b.Put([]byte(ke.Key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrap("put", err)
	}
	return nil
}

func (s *BoltStore) Match(ctx context.Context, namespace, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	var (
		e     Entry
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return Entry{}, false, wrap("match", err)
	}
	return e, found, nil
}

func (s *BoltStore) Namespaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, wrap("list namespaces", err)
	}
	return names, nil
}

func (s *BoltStore) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := true
	err := s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(namespace))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return false, wrap("delete namespace", err)
	}
	return found, nil
}

// Close closes the underlying BoltDB.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
