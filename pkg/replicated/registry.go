package replicated

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/storage"
)

// ErrStateExists is returned when creating a state id that is already hosted
var ErrStateExists = errors.New("prototype state already exists")

// Registry hosts the replicated prototype states of one server
type Registry struct {
	mu     sync.RWMutex
	states map[prototype.StateID]*State

	store    storage.Store
	config   *Config
	logger   *log.Logger
	observer func(prototype.StateID, bool)
}

var _ prototype.StateRegistry = (*Registry)(nil)

// Option configures a Registry
type Option func(*Registry)

// WithConfig sets the replication configuration
func WithConfig(config *Config) Option {
	return func(r *Registry) {
		r.config = config
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *log.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithStore makes hosted states durable in store
func WithStore(store storage.Store) Option {
	return func(r *Registry) {
		r.store = store
	}
}

// WithLeaderObserver registers fn to be called whenever the local replica
// gains or loses leadership of a state. fn runs on its own goroutine.
func WithLeaderObserver(fn func(id prototype.StateID, leader bool)) Option {
	return func(r *Registry) {
		r.observer = fn
	}
}

// NewRegistry creates a registry and recovers every state found in the store
func NewRegistry(opts ...Option) (*Registry, error) {
	r := &Registry{
		states: make(map[prototype.StateID]*State),
		config: DefaultConfig(),
		logger: log.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if err := r.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if r.store == nil {
		return r, nil
	}

	ids, err := r.store.States()
	if err != nil {
		return nil, fmt.Errorf("failed to list stored states: %w", err)
	}
	for _, id := range ids {
		if _, err := r.Create(prototype.StateID(id)); err != nil {
			r.Close()
			return nil, err
		}
	}

	return r, nil
}

// Create starts hosting the state id
func (r *Registry) Create(id prototype.StateID) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.states[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrStateExists, id)
	}

	state, err := newState(id, r.config, r.store, r.logger, r.observer)
	if err != nil {
		return nil, err
	}
	r.states[id] = state

	r.logger.Printf("[INFO] Hosting prototype state %s", id)
	return state, nil
}

// Drop stops hosting the state id and deletes its durable data
func (r *Registry) Drop(id prototype.StateID) error {
	r.mu.Lock()
	state, exists := r.states[id]
	delete(r.states, id)
	r.mu.Unlock()

	if !exists {
		return prototype.StateNotFoundError(id)
	}

	state.Stop()

	if r.store != nil {
		if err := r.store.DeleteState(uint64(id)); err != nil {
			return fmt.Errorf("failed to delete prototype state %s: %w", id, err)
		}
	}

	r.logger.Printf("[INFO] Dropped prototype state %s", id)
	return nil
}

// Get returns the hosted state id
func (r *Registry) Get(id prototype.StateID) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.states[id]
	return state, ok
}

// ReplicatedState looks up a hosted state for the local access strategy
func (r *Registry) ReplicatedState(id prototype.StateID) (prototype.ReplicatedState, bool) {
	state, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return state, true
}

// LeaderState returns the leader view of a hosted state
func (r *Registry) LeaderState(id prototype.StateID) (prototype.LeaderState, error) {
	state, ok := r.Get(id)
	if !ok {
		return nil, prototype.StateNotFoundError(id)
	}

	leader, ok := state.Leader()
	if !ok {
		return nil, prototype.LeaderUnavailableError(id)
	}
	return leader, nil
}

// IDs returns the hosted state ids in ascending order
func (r *Registry) IDs() []prototype.StateID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]prototype.StateID, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close stops every hosted state. Durable data is kept.
func (r *Registry) Close() error {
	r.mu.Lock()
	states := r.states
	r.states = make(map[prototype.StateID]*State)
	r.mu.Unlock()

	for _, state := range states {
		state.Stop()
	}
	return nil
}
