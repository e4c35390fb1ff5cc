package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SchemaVersion is bumped whenever the bucket layout changes. Opening a
// database written with an older version recreates the missing buckets.
const SchemaVersion = 1

var (
	bucketPending = []byte("pending_requests")
	bucketMeta    = []byte("meta")

	keySchemaVersion = []byte("schema_version")
)

// BoltQueue implements Queue backed by BoltDB.
type BoltQueue struct {
	db *bolt.DB
}

// NewBoltQueue opens (or creates) the queue database under dir.
func NewBoltQueue(dir string) (*BoltQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, unavailable("mkdir "+dir, err)
	}
	dbPath := filepath.Join(dir, "registry.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, unavailable("open bolt db", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, unavailable("create buckets", err)
	}
	return &BoltQueue{db: db}, nil
}

// ensureSchema is idempotent: it only creates what is missing.
func ensureSchema(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if v := meta.Get(keySchemaVersion); v != nil && binary.BigEndian.Uint64(v) == SchemaVersion {
			return nil
		}
		if _, err := tx.CreateBucketIfNotExists(bucketPending); err != nil {
			return err
		}
		return meta.Put(keySchemaVersion, idKey(SchemaVersion))
	})
}

func idKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// Enqueue assigns the next bucket sequence to rec and persists it.
func (q *BoltQueue) Enqueue(ctx context.Context, rec QueuedRequest) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var id uint64
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		if b == nil {
			return fmt.Errorf("bucket %s is missing", bucketPending)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = seq
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(idKey(seq), data); err != nil {
			return err
		}
		id = seq
		return nil
	})
	if err != nil {
		return 0, q.wrap("enqueue", err)
	}
	return id, nil
}

// ListPending returns every record; bolt keys are big-endian ids so cursor
// order is insertion order.
func (q *BoltQueue) ListPending(ctx context.Context) ([]QueuedRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []QueuedRequest
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		if b == nil {
			return fmt.Errorf("bucket %s is missing", bucketPending)
		}
		return b.ForEach(func(k, v []byte) error {
			var rec QueuedRequest
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, q.wrap("list pending", err)
	}
	return out, nil
}

// Remove deletes the record with the given id.
func (q *BoltQueue) Remove(ctx context.Context, id uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		if b == nil {
			return fmt.Errorf("bucket %s is missing", bucketPending)
		}
		key := idKey(id)
		if b.Get(key) == nil {
			return nil
		}
		found = true
		return b.Delete(key)
	})
	if err != nil {
		return false, q.wrap("remove", err)
	}
	return found, nil
}

// Close closes the underlying BoltDB.
func (q *BoltQueue) Close() error {
	return q.db.Close()
}

func (q *BoltQueue) wrap(op string, err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return unavailable(op, err)
}
