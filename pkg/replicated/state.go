package replicated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/statemachine"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/storage"
)

// raftID is the member id of the local replica in every state's raft group
const raftID uint64 = 1

// ErrStopped is returned by operations on a stopped state
var ErrStopped = errors.New("replicated state stopped")

// proposal is the payload of a normal raft entry
type proposal struct {
	ID      uint64               `json:"id"`
	Command statemachine.Command `json:"cmd"`
}

type applyResult struct {
	index prototype.LogIndex
	err   error
}

// State is one replicated prototype state driven by an etcd raft node
type State struct {
	id       prototype.StateID
	config   *Config
	logger   *log.Logger
	observer func(prototype.StateID, bool)

	sm    *statemachine.KVStateMachine
	store storage.Store

	node        raft.Node
	raftStorage *raft.MemoryStorage
	confState   raftpb.ConfState

	// snapshotIndex is the applied index of the last durable snapshot
	snapshotIndex uint64

	// proposal result routing
	reqID   uint64
	pending map[uint64]chan applyResult
	pmu     sync.Mutex

	// leadership
	mu       sync.RWMutex
	leader   bool
	resigned bool
	epoch    uint64
	lost     chan struct{}

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// newState creates the state, recovering anything persisted in store, and
// starts its raft loop. store may be nil for a volatile state.
func newState(id prototype.StateID, config *Config, store storage.Store, logger *log.Logger, observer func(prototype.StateID, bool)) (*State, error) {
	s := &State{
		id:          id,
		config:      config,
		logger:      logger,
		observer:    observer,
		sm:          statemachine.NewKVStateMachine(),
		store:       store,
		raftStorage: raft.NewMemoryStorage(),
		reqID:       uint64(time.Now().UnixNano()),
		pending:     make(map[uint64]chan applyResult),
		lost:        make(chan struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	cfg := &raft.Config{
		ID:              raftID,
		ElectionTick:    config.ElectionTick,
		HeartbeatTick:   config.HeartbeatTick,
		Storage:         s.raftStorage,
		MaxSizePerMsg:   config.MaxSizePerMsg,
		MaxInflightMsgs: config.MaxInflightMsgs,
		CheckQuorum:     true,
		PreVote:         true,
		Logger:          &raft.DefaultLogger{Logger: logger},
	}

	restored, err := s.recover()
	if err != nil {
		return nil, fmt.Errorf("failed to recover prototype state %s: %w", id, err)
	}

	if restored {
		cfg.Applied = s.sm.AppliedIndex()
		s.node = raft.RestartNode(cfg)
		s.logger.Printf("[INFO] Prototype state %s recovered at index %d", id, cfg.Applied)
	} else {
		s.node = raft.StartNode(cfg, []raft.Peer{{ID: raftID}})
	}

	go s.run()
	return s, nil
}

// recover rebuilds the state machine from the durable snapshot and log, then
// seeds the raft storage with a snapshot at the recovered index.
func (s *State) recover() (bool, error) {
	if s.store == nil {
		return false, nil
	}

	id := uint64(s.id)
	snap, err := s.store.LoadSnapshot(id)
	if err != nil {
		return false, err
	}

	var from, lastTerm uint64
	if snap != nil {
		if err := s.sm.Restore(snap.Data, snap.Index); err != nil {
			return false, err
		}
		from, lastTerm = snap.Index+1, snap.Term
	}

	entries, err := s.store.LoadEntriesFrom(id, from)
	if err != nil {
		return false, err
	}
	if snap == nil && len(entries) == 0 {
		return false, nil
	}

	// Every persisted entry was acknowledged by the only voter, so it is committed.
	for _, entry := range entries {
		if err := s.replay(entry); err != nil {
			return false, fmt.Errorf("failed to replay entry %d: %w", entry.Index, err)
		}
		lastTerm = entry.Term
	}

	meta, err := s.store.LoadMetadata(id)
	if err != nil {
		return false, err
	}

	data, index, err := s.sm.Snapshot()
	if err != nil {
		return false, err
	}

	s.confState = raftpb.ConfState{Voters: []uint64{raftID}}
	if err := s.raftStorage.ApplySnapshot(raftpb.Snapshot{
		Data: data,
		Metadata: raftpb.SnapshotMetadata{
			Index:     index,
			Term:      lastTerm,
			ConfState: s.confState,
		},
	}); err != nil {
		return false, err
	}

	term := meta.Term
	if term < lastTerm {
		term = lastTerm
	}
	if err := s.raftStorage.SetHardState(raftpb.HardState{Term: term, Vote: meta.Vote, Commit: index}); err != nil {
		return false, err
	}

	if err := s.saveSnapshot(index, lastTerm, data); err != nil {
		return false, err
	}
	return true, nil
}

func (s *State) replay(entry *storage.LogEntry) error {
	if raftpb.EntryType(entry.Type) != raftpb.EntryNormal || len(entry.Data) == 0 {
		return s.sm.Apply(entry.Index, nil)
	}

	var p proposal
	if err := json.Unmarshal(entry.Data, &p); err != nil {
		return err
	}
	return s.sm.ApplyCommand(entry.Index, p.Command)
}

// ID returns the id of the state
func (s *State) ID() prototype.StateID {
	return s.id
}

// AppliedIndex returns the index of the last applied entry
func (s *State) AppliedIndex() prototype.LogIndex {
	return prototype.LogIndex(s.sm.AppliedIndex())
}

// IsLeader reports whether the local replica currently leads the state
func (s *State) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leader && !s.resigned
}

// Leader returns the leader view of the state if the local replica leads it
func (s *State) Leader() (prototype.LeaderState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.leader || s.resigned {
		return nil, false
	}
	return &Leader{s: s, epoch: s.epoch, lost: s.lost}, true
}

// AwaitLeader blocks until the local replica leads the state
func (s *State) AwaitLeader(ctx context.Context) error {
	t := time.NewTicker(s.config.TickInterval)
	defer t.Stop()
	for {
		if s.IsLeader() {
			return nil
		}
		select {
		case <-t.C:
		case <-s.done:
			return ErrStopped
		case <-ctx.Done():
			return fmt.Errorf("leader not established for prototype state %s: %w", s.id, ctx.Err())
		}
	}
}

// Resign gives up leadership. Calls through leader views obtained earlier,
// including ones still waiting, fail with LeaderUnavailable.
func (s *State) Resign() {
	s.mu.Lock()
	if s.resigned {
		s.mu.Unlock()
		return
	}
	wasLeader := s.leader
	s.resigned = true
	if wasLeader {
		s.loseLeadershipLocked()
	}
	s.mu.Unlock()

	s.logger.Printf("[INFO] Resigned leadership of prototype state %s", s.id)
	if wasLeader && s.observer != nil {
		go s.observer(s.id, false)
	}
}

// Stop stops the raft loop and fails outstanding calls
func (s *State) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done

		s.mu.Lock()
		if s.leader && !s.resigned {
			s.loseLeadershipLocked()
		}
		s.leader = false
		s.mu.Unlock()
	})
}

func (s *State) isLeaderAt(epoch uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leader && !s.resigned && s.epoch == epoch
}

func (s *State) setLeader(leader bool) {
	s.mu.Lock()
	wasLeader := s.leader && !s.resigned
	s.leader = leader
	isLeader := s.leader && !s.resigned
	if wasLeader && !isLeader {
		s.loseLeadershipLocked()
	}
	s.mu.Unlock()

	if wasLeader != isLeader {
		if isLeader {
			s.logger.Printf("[INFO] Became leader of prototype state %s", s.id)
		}
		if s.observer != nil {
			go s.observer(s.id, isLeader)
		}
	}
}

// loseLeadershipLocked invalidates leader views and fails pending proposals.
// Caller holds mu.
func (s *State) loseLeadershipLocked() {
	s.epoch++
	close(s.lost)
	s.lost = make(chan struct{})

	s.pmu.Lock()
	for id, ch := range s.pending {
		ch <- applyResult{err: prototype.LeaderUnavailableError(s.id)}
		delete(s.pending, id)
	}
	s.pmu.Unlock()
}

// propose replicates a command and returns its log index once applied
func (s *State) propose(ctx context.Context, epoch uint64, cmd statemachine.Command) (prototype.LogIndex, error) {
	if !s.isLeaderAt(epoch) {
		return 0, prototype.LeaderUnavailableError(s.id)
	}

	id := atomic.AddUint64(&s.reqID, 1)
	data, err := json.Marshal(proposal{ID: id, Command: cmd})
	if err != nil {
		return 0, fmt.Errorf("failed to encode proposal: %w", err)
	}

	ch := make(chan applyResult, 1)
	s.pmu.Lock()
	s.pending[id] = ch
	s.pmu.Unlock()

	if err := s.node.Propose(ctx, data); err != nil {
		s.forget(id)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, prototype.LeaderUnavailableError(s.id).WithCause(err)
	}

	select {
	case res := <-ch:
		return res.index, res.err
	case <-ctx.Done():
		// The entry may still be applied later.
		s.forget(id)
		return 0, ctx.Err()
	}
}

func (s *State) forget(id uint64) {
	s.pmu.Lock()
	delete(s.pending, id)
	s.pmu.Unlock()
}

func (s *State) finish(id uint64, res applyResult) {
	s.pmu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pmu.Unlock()
	if ok {
		ch <- res
	}
}

func (s *State) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.node.Tick()

		case rd := <-s.node.Ready():
			if err := s.persist(rd); err != nil {
				s.logger.Printf("[ERROR] Failed to persist prototype state %s: %v", s.id, err)
			}

			if !raft.IsEmptySnap(rd.Snapshot) {
				if err := s.raftStorage.ApplySnapshot(rd.Snapshot); err != nil {
					s.logger.Printf("[ERROR] Failed to apply raft snapshot: %v", err)
				}
			}
			if err := s.raftStorage.Append(rd.Entries); err != nil {
				s.logger.Printf("[ERROR] Failed to append raft entries: %v", err)
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				s.raftStorage.SetHardState(rd.HardState)
			}

			for _, entry := range rd.CommittedEntries {
				s.apply(entry)
			}

			if rd.SoftState != nil {
				s.setLeader(rd.SoftState.Lead == raftID && rd.SoftState.RaftState == raft.StateLeader)
			}

			s.maybeSnapshot()
			s.node.Advance()

		case <-s.stop:
			s.node.Stop()
			return
		}
	}
}

// persist writes new entries and hard state to the durable store
func (s *State) persist(rd raft.Ready) error {
	if s.store == nil {
		return nil
	}

	id := uint64(s.id)
	if len(rd.Entries) > 0 {
		entries := make([]*storage.LogEntry, 0, len(rd.Entries))
		for _, e := range rd.Entries {
			entries = append(entries, &storage.LogEntry{
				Term:  e.Term,
				Index: e.Index,
				Data:  e.Data,
				Type:  int(e.Type),
			})
		}
		if err := s.store.SaveEntries(id, entries); err != nil {
			return err
		}
	}

	if !raft.IsEmptyHardState(rd.HardState) {
		meta := &storage.Metadata{
			Term:   rd.HardState.Term,
			Vote:   rd.HardState.Vote,
			Commit: rd.HardState.Commit,
		}
		if err := s.store.SaveMetadata(id, meta); err != nil {
			return err
		}
	}

	return nil
}

func (s *State) apply(entry raftpb.Entry) {
	switch entry.Type {
	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(entry.Data); err == nil {
			s.confState = *s.node.ApplyConfChange(cc)
		}
		s.sm.Apply(entry.Index, nil)

	case raftpb.EntryNormal:
		if len(entry.Data) == 0 {
			s.sm.Apply(entry.Index, nil)
			return
		}

		var p proposal
		if err := json.Unmarshal(entry.Data, &p); err != nil {
			s.logger.Printf("[ERROR] Dropping undecodable entry %d of prototype state %s: %v", entry.Index, s.id, err)
			s.sm.Apply(entry.Index, nil)
			return
		}

		res := applyResult{index: prototype.LogIndex(entry.Index)}
		if err := s.sm.ApplyCommand(entry.Index, p.Command); err != nil {
			res.err = fmt.Errorf("failed to apply entry %d: %w", entry.Index, err)
			s.sm.Apply(entry.Index, nil)
		}
		s.finish(p.ID, res)
	}
}

// maybeSnapshot snapshots and compacts once enough entries were applied
func (s *State) maybeSnapshot() {
	applied := s.sm.AppliedIndex()
	if applied-s.snapshotIndex < s.config.SnapshotThreshold {
		return
	}

	data, index, err := s.sm.Snapshot()
	if err != nil {
		s.logger.Printf("[ERROR] Failed to snapshot prototype state %s: %v", s.id, err)
		return
	}

	term, err := s.raftStorage.Term(index)
	if err != nil {
		s.logger.Printf("[WARN] No term for snapshot index %d: %v", index, err)
		return
	}

	if _, err := s.raftStorage.CreateSnapshot(index, &s.confState, data); err != nil {
		s.logger.Printf("[WARN] Failed to create raft snapshot at %d: %v", index, err)
		return
	}
	if err := s.raftStorage.Compact(index); err != nil {
		s.logger.Printf("[WARN] Failed to compact raft log at %d: %v", index, err)
	}

	if err := s.saveSnapshot(index, term, data); err != nil {
		s.logger.Printf("[ERROR] Failed to save snapshot of prototype state %s: %v", s.id, err)
		return
	}
	s.logger.Printf("[DEBUG] Snapshot of prototype state %s taken at index %d", s.id, index)
}

// saveSnapshot stores a snapshot durably and drops the log it covers
func (s *State) saveSnapshot(index, term uint64, data []byte) error {
	s.snapshotIndex = index
	if s.store == nil {
		return nil
	}

	id := uint64(s.id)
	if err := s.store.SaveSnapshot(id, storage.NewSnapshot(index, term, data)); err != nil {
		return err
	}
	return s.store.CompactTo(id, index)
}
