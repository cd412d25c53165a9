package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var (
	// Root bucket holding one nested bucket per state
	statesBucket = []byte("states")

	// Nested bucket names
	metadataBucket = []byte("metadata")
	logBucket      = []byte("log")

	// Metadata keys
	hardStateKey = []byte("hardState")
	snapshotKey  = []byte("snapshot")
)

// BoltStore is a BoltDB-based implementation of the Store interface
type BoltStore struct {
	db *bolt.DB
	mu sync.RWMutex
}

// NewBoltStore creates a new BoltDB store
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(statesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// stateBucket returns the nested bucket of a state, creating it when writable
func stateBucket(tx *bolt.Tx, id uint64) (*bolt.Bucket, error) {
	root := tx.Bucket(statesBucket)
	key := uint64ToBytes(id)

	if !tx.Writable() {
		return root.Bucket(key), nil
	}

	b, err := root.CreateBucketIfNotExists(key)
	if err != nil {
		return nil, err
	}
	if _, err := b.CreateBucketIfNotExists(metadataBucket); err != nil {
		return nil, err
	}
	if _, err := b.CreateBucketIfNotExists(logBucket); err != nil {
		return nil, err
	}
	return b, nil
}

// SaveMetadata saves consensus metadata
func (s *BoltStore) SaveMetadata(id uint64, meta *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := stateBucket(tx, id)
		if err != nil {
			return err
		}

		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		return b.Bucket(metadataBucket).Put(hardStateKey, data)
	})
}

// LoadMetadata loads consensus metadata; zero values if none was saved
func (s *BoltStore) LoadMetadata(id uint64) (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta := &Metadata{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b, _ := stateBucket(tx, id)
		if b == nil {
			return nil
		}

		data := b.Bucket(metadataBucket).Get(hardStateKey)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, meta); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		return nil
	})

	return meta, err
}

// SaveEntries saves multiple log entries
func (s *BoltStore) SaveEntries(id uint64, entries []*LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := stateBucket(tx, id)
		if err != nil {
			return err
		}
		log := b.Bucket(logBucket)

		// A rewritten suffix replaces everything after it.
		first := entries[0].Index
		if err := deleteFrom(log, first); err != nil {
			return err
		}

		for _, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to marshal log entry: %w", err)
			}

			if err := log.Put(uint64ToBytes(entry.Index), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// LoadEntriesFrom loads log entries with index >= start, in order
func (s *BoltStore) LoadEntriesFrom(id uint64, start uint64) ([]*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*LogEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		b, _ := stateBucket(tx, id)
		if b == nil {
			return nil
		}

		c := b.Bucket(logBucket).Cursor()
		for k, v := c.Seek(uint64ToBytes(start)); k != nil; k, v = c.Next() {
			entry := &LogEntry{}
			if err := json.Unmarshal(v, entry); err != nil {
				return fmt.Errorf("failed to unmarshal log entry: %w", err)
			}

			entries = append(entries, entry)
		}

		return nil
	})

	return entries, err
}

// LastIndex returns the last log index
func (s *BoltStore) LastIndex(id uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastIndex uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		b, _ := stateBucket(tx, id)
		if b == nil {
			return nil
		}

		if k, _ := b.Bucket(logBucket).Cursor().Last(); k != nil {
			lastIndex = bytesToUint64(k)
			return nil
		}

		snap, err := readSnapshot(b)
		if err != nil {
			return err
		}
		if snap != nil {
			lastIndex = snap.Index
		}
		return nil
	})

	return lastIndex, err
}

// SaveSnapshot saves the latest snapshot of a state
func (s *BoltStore) SaveSnapshot(id uint64, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := stateBucket(tx, id)
		if err != nil {
			return err
		}

		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}

		return b.Bucket(metadataBucket).Put(snapshotKey, data)
	})
}

// LoadSnapshot loads the latest snapshot of a state
func (s *BoltStore) LoadSnapshot(id uint64) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap *Snapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		b, _ := stateBucket(tx, id)
		if b == nil {
			return nil
		}

		var err error
		snap, err = readSnapshot(b)
		return err
	})

	return snap, err
}

func readSnapshot(b *bolt.Bucket) (*Snapshot, error) {
	data := b.Bucket(metadataBucket).Get(snapshotKey)
	if data == nil {
		return nil, nil // No snapshot
	}

	snap := &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if !snap.ValidateChecksum() {
		return nil, fmt.Errorf("%w at index %d", ErrCorruptSnapshot, snap.Index)
	}
	return snap, nil
}

// CompactTo deletes log entries up to and including index
func (s *BoltStore) CompactTo(id uint64, index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := stateBucket(tx, id)
		if err != nil {
			return err
		}
		log := b.Bucket(logBucket)
		c := log.Cursor()

		var keysToDelete [][]byte
		for k, _ := c.First(); k != nil && bytesToUint64(k) <= index; k, _ = c.Next() {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keysToDelete = append(keysToDelete, keyCopy)
		}

		for _, key := range keysToDelete {
			if err := log.Delete(key); err != nil {
				return err
			}
		}

		return nil
	})
}

// deleteFrom deletes log entries from index onwards
func deleteFrom(log *bolt.Bucket, index uint64) error {
	c := log.Cursor()

	var keysToDelete [][]byte
	for k, _ := c.Seek(uint64ToBytes(index)); k != nil; k, _ = c.Next() {
		keyCopy := make([]byte, len(k))
		copy(keyCopy, k)
		keysToDelete = append(keysToDelete, keyCopy)
	}

	for _, key := range keysToDelete {
		if err := log.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// DeleteState removes all data of a state
func (s *BoltStore) DeleteState(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(statesBucket).DeleteBucket(uint64ToBytes(id))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

// States returns the ids of all stored states in ascending order
func (s *BoltStore) States() ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(statesBucket).ForEach(func(k, v []byte) error {
			// Nested buckets have nil values
			if v == nil && len(k) == 8 {
				ids = append(ids, bytesToUint64(k))
			}
			return nil
		})
	})

	return ids, err
}

// Close closes the store
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Close()
}
