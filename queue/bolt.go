package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// BoltFile is the database file name used inside a data directory.
	BoltFile = "queue.db"

	boltMessagesBucket = "messages"
)

// BoltBackend stores queue records in a bbolt database. Every Put runs in its
// own read-write transaction, which bbolt fsyncs on commit.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the bbolt database at path.
func OpenBolt(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt queue %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltMessagesBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt queue: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

// Put implements Backend.
func (b *BoltBackend) Put(id string, rec []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltMessagesBucket)).Put([]byte(id), rec)
	})
}

// Delete implements Backend.
func (b *BoltBackend) Delete(id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltMessagesBucket)).Delete([]byte(id))
	})
}

// ForEach implements Backend. Records are copied out of the transaction before
// fn is called so fn may itself write to the backend.
func (b *BoltBackend) ForEach(fn func(id string, rec []byte) error) error {
	type kv struct {
		id  string
		rec []byte
	}
	var all []kv
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltMessagesBucket)).ForEach(func(k, v []byte) error {
			rec := make([]byte, len(v))
			copy(rec, v)
			all = append(all, kv{id: string(k), rec: rec})
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, e := range all {
		if err := fn(e.id, e.rec); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Backend.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
