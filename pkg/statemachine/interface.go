package statemachine

import (
	"encoding/json"
	"fmt"
)

// Command represents a state machine command
type Command struct {
	Type    CommandType       `json:"type"`
	Entries map[string]string `json:"entries,omitempty"`
	Keys    []string          `json:"keys,omitempty"`
}

// CommandType defines the type of command
type CommandType int

const (
	// CommandInsert sets a batch of key-value pairs
	CommandInsert CommandType = iota + 1
	// CommandRemove deletes a batch of keys
	CommandRemove
)

// String returns the string representation of a command type
func (t CommandType) String() string {
	switch t {
	case CommandInsert:
		return "INSERT"
	case CommandRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// EncodeCommand serializes a command for the replicated log
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	return data, nil
}

// DecodeCommand parses a command read from the replicated log
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	return cmd, nil
}

// StateMachine defines the interface for a replicated state machine
// All operations must be deterministic
type StateMachine interface {
	// Apply applies the committed log entry at index.
	// Empty entries only advance the applied index.
	Apply(index uint64, entry []byte) error

	// Snapshot returns the encoded state and the index it reflects
	Snapshot() ([]byte, uint64, error)

	// Restore replaces the state with a snapshot taken at index
	Restore(snapshot []byte, index uint64) error

	// Get retrieves a value from the state machine (read-only)
	// This doesn't go through the replicated log
	Get(key string) (string, bool)

	// AppliedIndex returns the index of the last applied entry
	AppliedIndex() uint64
}
