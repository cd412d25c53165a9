package storage

import (
	"errors"
	"hash/crc32"
	"time"
)

// ErrCorruptSnapshot is returned when a stored snapshot fails its checksum
var ErrCorruptSnapshot = errors.New("snapshot checksum mismatch")

// LogEntry represents a replicated log entry of one prototype state
type LogEntry struct {
	Term  uint64
	Index uint64
	Data  []byte
	Type  int
}

// Metadata represents persistent consensus state of one prototype state
type Metadata struct {
	Term   uint64
	Vote   uint64
	Commit uint64
}

// Snapshot is the encoded map of a prototype state at a log position
type Snapshot struct {
	Index     uint64
	Term      uint64
	Data      []byte
	Checksum  uint32
	Timestamp time.Time
}

// NewSnapshot builds a snapshot record and computes its checksum
func NewSnapshot(index, term uint64, data []byte) *Snapshot {
	s := &Snapshot{
		Index:     index,
		Term:      term,
		Data:      data,
		Timestamp: time.Now(),
	}
	s.Checksum = s.CalculateChecksum()
	return s
}

// CalculateChecksum calculates CRC32 checksum for the snapshot
func (s *Snapshot) CalculateChecksum() uint32 {
	crc := crc32.NewIEEE()
	crc.Write(uint64ToBytes(s.Index))
	crc.Write(uint64ToBytes(s.Term))
	crc.Write(s.Data)
	return crc.Sum32()
}

// ValidateChecksum validates the snapshot's checksum
func (s *Snapshot) ValidateChecksum() bool {
	return s.Checksum == s.CalculateChecksum()
}

// Store defines persistent storage for many prototype states.
// Every operation is scoped to a state id.
type Store interface {
	// SaveMetadata saves consensus metadata (term, vote, commit)
	SaveMetadata(id uint64, meta *Metadata) error

	// LoadMetadata loads consensus metadata
	LoadMetadata(id uint64) (*Metadata, error)

	// SaveEntries appends or overwrites log entries
	SaveEntries(id uint64, entries []*LogEntry) error

	// LoadEntriesFrom loads log entries with index >= start
	LoadEntriesFrom(id uint64, start uint64) ([]*LogEntry, error)

	// LastIndex returns the last log index, or the snapshot index if the log is empty
	LastIndex(id uint64) (uint64, error)

	// SaveSnapshot saves a snapshot
	SaveSnapshot(id uint64, snap *Snapshot) error

	// LoadSnapshot loads the latest snapshot, nil if none
	LoadSnapshot(id uint64) (*Snapshot, error)

	// CompactTo deletes log entries with index <= index
	CompactTo(id uint64, index uint64) error

	// DeleteState removes everything stored for a state
	DeleteState(id uint64) error

	// States lists the ids of all stored states
	States() ([]uint64, error)

	// Close closes the store
	Close() error
}

// Helper functions

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return uint64(b[0])<<56 |
		uint64(b[1])<<48 |
		uint64(b[2])<<40 |
		uint64(b[3])<<32 |
		uint64(b[4])<<24 |
		uint64(b[5])<<16 |
		uint64(b[6])<<8 |
		uint64(b[7])
}
