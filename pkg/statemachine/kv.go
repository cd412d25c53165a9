package statemachine

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
)

// KVStateMachine is the in-memory map of a prototype state
type KVStateMachine struct {
	mu      sync.RWMutex
	store   map[string]string
	applied uint64

	// applyCh is closed and replaced whenever the applied index advances
	applyCh chan struct{}
}

// NewKVStateMachine creates a new key-value state machine
func NewKVStateMachine() *KVStateMachine {
	return &KVStateMachine{
		store:   make(map[string]string),
		applyCh: make(chan struct{}),
	}
}

// Apply applies the entry at index. Entries at or below the applied index
// are skipped so replays after recovery are harmless.
func (kv *KVStateMachine) Apply(index uint64, entry []byte) error {
	if len(entry) == 0 {
		kv.mu.Lock()
		defer kv.mu.Unlock()
		kv.advance(index)
		return nil
	}

	cmd, err := DecodeCommand(entry)
	if err != nil {
		return err
	}
	return kv.ApplyCommand(index, cmd)
}

// ApplyCommand applies an already decoded command at index
func (kv *KVStateMachine) ApplyCommand(index uint64, cmd Command) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if index != 0 && index <= kv.applied {
		return nil
	}

	switch cmd.Type {
	case CommandInsert:
		for k, v := range cmd.Entries {
			kv.store[k] = v
		}
	case CommandRemove:
		for _, k := range cmd.Keys {
			delete(kv.store, k)
		}
	default:
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}

	kv.advance(index)
	return nil
}

// advance moves the applied index forward and wakes waiters. Caller holds mu.
func (kv *KVStateMachine) advance(index uint64) {
	if index <= kv.applied {
		return
	}
	kv.applied = index
	close(kv.applyCh)
	kv.applyCh = make(chan struct{})
}

// AppliedIndex returns the index of the last applied entry
func (kv *KVStateMachine) AppliedIndex() uint64 {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.applied
}

// WaitForApplied blocks until the applied index reaches index or ctx is done
func (kv *KVStateMachine) WaitForApplied(ctx context.Context, index uint64) error {
	for {
		kv.mu.RLock()
		applied, ch := kv.applied, kv.applyCh
		kv.mu.RUnlock()

		if applied >= index {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Get retrieves a value without going through the log
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	value, ok := kv.store[key]
	return value, ok
}

// GetMany returns the subset of keys that exist
func (kv *KVStateMachine) GetMany(keys []string) map[string]string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	result := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := kv.store[k]; ok {
			result[k] = v
		}
	}
	return result
}

// Copy returns a copy of the whole map and the index it reflects
func (kv *KVStateMachine) Copy() (map[string]string, uint64) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	result := make(map[string]string, len(kv.store))
	for k, v := range kv.store {
		result[k] = v
	}
	return result, kv.applied
}

// Snapshot creates a snapshot of the current state
func (kv *KVStateMachine) Snapshot() ([]byte, uint64, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(kv.store); err != nil {
		return nil, 0, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return buf.Bytes(), kv.applied, nil
}

// Restore restores the state machine from a snapshot taken at index
func (kv *KVStateMachine) Restore(snapshot []byte, index uint64) error {
	newStore := make(map[string]string)
	if err := gob.NewDecoder(bytes.NewReader(snapshot)).Decode(&newStore); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.store = newStore
	if index > kv.applied {
		kv.advance(index)
	} else {
		kv.applied = index
	}
	return nil
}

// Size returns the number of keys in the state machine
func (kv *KVStateMachine) Size() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.store)
}

// Keys returns all keys in the state machine, sorted
func (kv *KVStateMachine) Keys() []string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	keys := make([]string, 0, len(kv.store))
	for k := range kv.store {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
