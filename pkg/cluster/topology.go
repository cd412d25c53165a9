package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
)

// Topology tracks servers and the leader of every prototype state.
// It is the single source of truth a coordinator resolves leaders from.
type Topology struct {
	mu      sync.RWMutex
	config  *Configuration
	leaders map[prototype.StateID]*LeaderRecord
}

var _ prototype.LeaderResolver = (*Topology)(nil)

// NewTopology creates an empty topology
func NewTopology() *Topology {
	return &Topology{
		config:  NewConfiguration(),
		leaders: make(map[prototype.StateID]*LeaderRecord),
	}
}

// GetConfiguration returns a clone of the current server configuration
func (t *Topology) GetConfiguration() *Configuration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.config.Clone()
}

// AddServer registers a server, or updates its address if already known
func (t *Topology) AddServer(id, address string, role prototype.Role) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.Contains(id) {
		return t.config.UpdateAddress(id, address)
	}
	return t.config.AddMember(id, address, role)
}

// RemoveServer unregisters a server. States it led become resigned.
func (t *Topology) RemoveServer(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.config.RemoveMember(id); err != nil {
		return err
	}
	for _, record := range t.leaders {
		if record.ServerID == id && !record.Resigned {
			record.Resigned = true
			record.Term++
			record.UpdatedAt = time.Now()
		}
	}
	return nil
}

// Server returns a copy of a registered server
func (t *Topology) Server(id string) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	member, ok := t.config.Members[id]
	if !ok {
		return Member{}, false
	}
	return *member, true
}

// CreateState registers a state without a known leader
func (t *Topology) CreateState(id prototype.StateID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.leaders[id]; !exists {
		t.leaders[id] = &LeaderRecord{UpdatedAt: time.Now()}
	}
}

// SetLeader records serverID as the leader of state id
func (t *Topology) SetLeader(id prototype.StateID, serverID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.config.Contains(serverID) {
		return fmt.Errorf("server %s not found in configuration", serverID)
	}

	record, exists := t.leaders[id]
	if !exists {
		record = &LeaderRecord{}
		t.leaders[id] = record
	}
	record.ServerID = serverID
	record.Resigned = false
	record.Term++
	record.UpdatedAt = time.Now()
	return nil
}

// MarkResigned records that the leader of state id resigned. It is ignored
// when serverID is set and no longer the recorded leader.
func (t *Topology) MarkResigned(id prototype.StateID, serverID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, exists := t.leaders[id]
	if !exists {
		return prototype.StateNotFoundError(id)
	}
	if serverID != "" && record.ServerID != serverID {
		return nil
	}
	record.Resigned = true
	record.Term++
	record.UpdatedAt = time.Now()
	return nil
}

// RemoveState forgets state id
func (t *Topology) RemoveState(id prototype.StateID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.leaders, id)
}

// Leader returns a copy of the leader record of state id
func (t *Topology) Leader(id prototype.StateID) (LeaderRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	record, ok := t.leaders[id]
	if !ok {
		return LeaderRecord{}, false
	}
	return *record, true
}

// States returns the known state ids in ascending order
func (t *Topology) States() []prototype.StateID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]prototype.StateID, 0, len(t.leaders))
	for id := range t.leaders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ResolveLeader returns the current leader location of state id
func (t *Topology) ResolveLeader(ctx context.Context, id prototype.StateID) (prototype.LeaderLocation, error) {
	if err := ctx.Err(); err != nil {
		return prototype.LeaderLocation{}, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	record, ok := t.leaders[id]
	if !ok {
		return prototype.LeaderLocation{}, prototype.StateNotFoundError(id)
	}
	if record.Resigned {
		return prototype.LeaderLocation{}, prototype.LeaderResignedError(id).
			WithDetail("server_id", record.ServerID)
	}
	// No leader elected yet is reported like a resignation: a new leader is expected.
	if record.ServerID == "" {
		return prototype.LeaderLocation{}, prototype.LeaderResignedError(id).
			WithDetail("reason", "no leader elected")
	}

	member, ok := t.config.Members[record.ServerID]
	if !ok || member.Address == "" {
		return prototype.LeaderLocation{}, prototype.LeaderResignedError(id).
			WithDetail("server_id", record.ServerID).
			WithDetail("reason", "leader address unknown")
	}

	return prototype.LeaderLocation{ServerID: member.ID, Address: member.Address}, nil
}

// topologyState is the serialized form of a Topology
type topologyState struct {
	Members map[string]*Member                  `json:"members"`
	Version uint64                              `json:"version"`
	Leaders map[prototype.StateID]*LeaderRecord `json:"leaders"`
}

// Serialize serializes the topology for persistence
func (t *Topology) Serialize() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return json.Marshal(topologyState{
		Members: t.config.Members,
		Version: t.config.Version,
		Leaders: t.leaders,
	})
}

// Deserialize replaces the topology with a serialized one
func (t *Topology) Deserialize(data []byte) error {
	var state topologyState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to deserialize topology: %w", err)
	}

	config := NewConfiguration()
	for id, member := range state.Members {
		config.Members[id] = member
	}
	config.Version = state.Version

	leaders := make(map[prototype.StateID]*LeaderRecord, len(state.Leaders))
	for id, record := range state.Leaders {
		leaders[id] = record
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.config = config
	t.leaders = leaders
	return nil
}
