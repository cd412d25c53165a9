package prototype

import (
	"context"
	"fmt"
	"log"
)

// localMethods serves calls on a dbserver by delegating to the local leader
type localMethods struct {
	registry StateRegistry
	logger   *log.Logger
}

func newLocalMethods(cfg Config) (*localMethods, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("dbserver access requires a state registry")
	}
	return &localMethods{
		registry: cfg.Registry,
		logger:   cfg.logger(),
	}, nil
}

func (m *localMethods) Insert(ctx context.Context, id StateID, entries map[string]string) (LogIndex, error) {
	leader, err := m.leader(id)
	if err != nil {
		return 0, err
	}
	return leader.Set(ctx, entries)
}

func (m *localMethods) Get(ctx context.Context, id StateID, key string) (string, bool, error) {
	leader, err := m.leader(id)
	if err != nil {
		return "", false, err
	}
	return leader.Get(ctx, key)
}

func (m *localMethods) GetMany(ctx context.Context, id StateID, keys []string) (map[string]string, error) {
	leader, err := m.leader(id)
	if err != nil {
		return nil, err
	}
	return leader.GetMany(ctx, keys)
}

func (m *localMethods) GetSnapshot(ctx context.Context, id StateID, waitForIndex LogIndex) (map[string]string, error) {
	leader, err := m.leader(id)
	if err != nil {
		return nil, err
	}
	return leader.GetSnapshot(ctx, waitForIndex)
}

func (m *localMethods) Remove(ctx context.Context, id StateID, key string) (LogIndex, error) {
	leader, err := m.leader(id)
	if err != nil {
		return 0, err
	}
	return leader.Remove(ctx, key)
}

func (m *localMethods) RemoveMany(ctx context.Context, id StateID, keys []string) (LogIndex, error) {
	leader, err := m.leader(id)
	if err != nil {
		return 0, err
	}
	return leader.RemoveMany(ctx, keys)
}

// leader resolves id to the leader of a locally hosted state
func (m *localMethods) leader(id StateID) (LeaderState, error) {
	state, ok := m.registry.ReplicatedState(id)
	if !ok || state == nil {
		return nil, StateNotFoundError(id)
	}

	leader, ok := state.Leader()
	if !ok || leader == nil {
		m.logger.Printf("[DEBUG] Prototype state %s is hosted here but not led by this node", id)
		return nil, LeaderUnavailableError(id)
	}
	return leader, nil
}
