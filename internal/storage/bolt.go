package storage

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var snapshotBucket = []byte("snapshots")

// Bolt keeps snapshots in a single bbolt file. The agent uses it for its
// local replica.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the bolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: bolt path is required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bolt bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Load(_ context.Context, notebookID string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotBucket).Get([]byte(notebookID))
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *Bolt) Save(_ context.Context, notebookID string, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(notebookID), data)
	})
}

func (b *Bolt) Close() error { return b.db.Close() }
