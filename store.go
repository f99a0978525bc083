package collab

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var snapshotBucket = []byte("document_snapshots")

// bbolt-backed persistence of per-file document snapshots so a replica
// restores its buffers across restarts. The snapshot is the full saved
// document, not the incremental update stream.
type SnapshotStore struct {
	db *bolt.DB
}

func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SnapshotStore{
		db: db,
	}, nil
}

func (self *SnapshotStore) GetSnapshot(filePath string) ([]byte, error) {
	var snapshot []byte
	err := self.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(snapshotBucket).Get([]byte(filePath))
		if value != nil {
			snapshot = make([]byte, len(value))
			copy(snapshot, value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (self *SnapshotStore) SetSnapshot(filePath string, snapshot []byte) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(filePath), snapshot)
	})
}

func (self *SnapshotStore) RemoveSnapshot(filePath string) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Delete([]byte(filePath))
	})
}

func (self *SnapshotStore) FilePaths() ([]string, error) {
	filePaths := []string{}
	err := self.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).ForEach(func(key []byte, value []byte) error {
			filePaths = append(filePaths, string(key))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return filePaths, nil
}

func (self *SnapshotStore) Close() error {
	return self.db.Close()
}
