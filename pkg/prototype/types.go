package prototype

import (
	"context"
	"fmt"
	"strconv"
)

// StateID identifies one replicated prototype state
type StateID uint64

// String returns the decimal form used in paths and messages
func (id StateID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseStateID parses the decimal form of a state id
func ParseStateID(s string) (StateID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid state id %q: %w", s, err)
	}
	return StateID(v), nil
}

// LogIndex is a position in a state's replicated log
type LogIndex uint64

// LeaderLocation identifies the server currently leading a state
type LeaderLocation struct {
	ServerID string
	Address  string
}

// LeaderState is the contract of a state's leader on the hosting node.
// All mutating calls may fail with ErrLeaderUnavailable if leadership is lost.
type LeaderState interface {
	Set(ctx context.Context, entries map[string]string) (LogIndex, error)
	Get(ctx context.Context, key string) (string, bool, error)
	GetMany(ctx context.Context, keys []string) (map[string]string, error)
	GetSnapshot(ctx context.Context, waitForIndex LogIndex) (map[string]string, error)
	Remove(ctx context.Context, key string) (LogIndex, error)
	RemoveMany(ctx context.Context, keys []string) (LogIndex, error)
}

// ReplicatedState is a locally hosted state that may or may not currently lead
type ReplicatedState interface {
	// Leader returns the leader view of the state, false if this node does not lead it
	Leader() (LeaderState, bool)
}

// StateRegistry looks up states hosted by the local node
type StateRegistry interface {
	ReplicatedState(id StateID) (ReplicatedState, bool)
}

// LeaderResolver resolves the current leader of a state.
// It fails with ErrLeaderResigned or ErrStateNotFound.
type LeaderResolver interface {
	ResolveLeader(ctx context.Context, id StateID) (LeaderLocation, error)
}
