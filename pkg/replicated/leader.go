package replicated

import (
	"context"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/statemachine"
)

// Leader is the leader view of a State for one leadership epoch.
// Once that leadership is lost every call fails with LeaderUnavailable.
type Leader struct {
	s     *State
	epoch uint64
	lost  <-chan struct{}
}

var _ prototype.LeaderState = (*Leader)(nil)

func (l *Leader) check() error {
	if !l.s.isLeaderAt(l.epoch) {
		return prototype.LeaderUnavailableError(l.s.id)
	}
	return nil
}

// Set inserts or overwrites entries
func (l *Leader) Set(ctx context.Context, entries map[string]string) (prototype.LogIndex, error) {
	return l.s.propose(ctx, l.epoch, statemachine.Command{
		Type:    statemachine.CommandInsert,
		Entries: entries,
	})
}

// Get reads one key from the applied state
func (l *Leader) Get(ctx context.Context, key string) (string, bool, error) {
	if err := l.check(); err != nil {
		return "", false, err
	}
	value, ok := l.s.sm.Get(key)
	return value, ok, nil
}

// GetMany reads the subset of keys that exist
func (l *Leader) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	return l.s.sm.GetMany(keys), nil
}

// GetSnapshot returns the whole map once entries up to waitForIndex are applied
func (l *Leader) GetSnapshot(ctx context.Context, waitForIndex prototype.LogIndex) (map[string]string, error) {
	if err := l.check(); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.lost:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if err := l.s.sm.WaitForApplied(waitCtx, uint64(waitForIndex)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, prototype.LeaderUnavailableError(l.s.id)
	}

	if err := l.check(); err != nil {
		return nil, err
	}
	snapshot, _ := l.s.sm.Copy()
	return snapshot, nil
}

// Remove deletes one key
func (l *Leader) Remove(ctx context.Context, key string) (prototype.LogIndex, error) {
	return l.RemoveMany(ctx, []string{key})
}

// RemoveMany deletes keys, absent keys are ignored
func (l *Leader) RemoveMany(ctx context.Context, keys []string) (prototype.LogIndex, error) {
	return l.s.propose(ctx, l.epoch, statemachine.Command{
		Type: statemachine.CommandRemove,
		Keys: keys,
	})
}
