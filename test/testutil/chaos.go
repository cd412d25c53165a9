package testutil

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
)

// ChaosScheduler manages chaos events in tests
type ChaosScheduler struct {
	t        *testing.T
	cluster  *TestCluster
	rng      *rand.Rand
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewChaosScheduler creates a new chaos scheduler
func NewChaosScheduler(t *testing.T, cluster *TestCluster) *ChaosScheduler {
	return &ChaosScheduler{
		t:       t,
		cluster: cluster,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins chaos operations
func (cs *ChaosScheduler) Start(interval time.Duration) {
	go cs.run(interval)
}

// Stop halts chaos operations and waits for the running event
func (cs *ChaosScheduler) Stop() {
	cs.stopOnce.Do(func() {
		close(cs.stopCh)
		<-cs.done
	})
}

// run executes random chaos events at the given interval
func (cs *ChaosScheduler) run(interval time.Duration) {
	defer close(cs.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.stopCh:
			return
		case <-ticker.C:
			cs.randomChaosEvent()
		}
	}
}

// randomChaosEvent triggers a random chaos event
func (cs *ChaosScheduler) randomChaosEvent() {
	events := []func(){
		cs.randomRestart,
		cs.randomResign,
	}
	events[cs.rng.Intn(len(events))]()
}

// randomRestart restarts a random dbserver, which re-elects its states
func (cs *ChaosScheduler) randomRestart() {
	index := cs.rng.Intn(cs.cluster.Size())
	cs.t.Logf("Chaos: Restarting dbserver %d", index)
	cs.cluster.RestartDBServer(index)
}

// randomResign makes the leader of a random state step down. A resigned
// state stays without leader until its dbserver restarts.
func (cs *ChaosScheduler) randomResign() {
	states := cs.cluster.config.States
	id := states[cs.rng.Intn(len(states))]
	cs.t.Logf("Chaos: Resigning leader of state %s", id)
	cs.cluster.Resign(id)
}

// WorkloadStats counts the outcomes of workload operations
type WorkloadStats struct {
	Succeeded  int
	Retryable  int
	Unexpected []error
}

// RandomWorkload generates random operations through the coordinator
type RandomWorkload struct {
	t       *testing.T
	cluster *TestCluster
	rng     *rand.Rand
	stopCh  chan struct{}
	done    chan struct{}

	mu    sync.Mutex
	stats WorkloadStats
}

// NewRandomWorkload creates a new random workload generator
func NewRandomWorkload(t *testing.T, cluster *TestCluster) *RandomWorkload {
	return &RandomWorkload{
		t:       t,
		cluster: cluster,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins generating random operations
func (rw *RandomWorkload) Start(opsPerSecond int) {
	interval := time.Second / time.Duration(opsPerSecond)
	go rw.run(interval)
}

// Stop halts workload generation and returns the collected stats
func (rw *RandomWorkload) Stop() WorkloadStats {
	close(rw.stopCh)
	<-rw.done

	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.stats
}

// run executes random operations at the given interval
func (rw *RandomWorkload) run(interval time.Duration) {
	defer close(rw.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rw.stopCh:
			return
		case <-ticker.C:
			rw.record(rw.randomOperation())
		}
	}
}

// randomOperation performs a random operation
func (rw *RandomWorkload) randomOperation() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	methods := rw.cluster.Coordinator().Methods()
	states := rw.cluster.config.States
	id := states[rw.rng.Intn(len(states))]
	key := randomKey(rw.rng)

	switch rw.rng.Intn(3) {
	case 0:
		_, err := methods.Insert(ctx, id, map[string]string{key: randomValue(rw.rng)})
		return err
	case 1:
		_, _, err := methods.Get(ctx, id, key)
		return err
	default:
		_, err := methods.Remove(ctx, id, key)
		return err
	}
}

// record classifies an outcome. Failures caused by leadership changes are
// expected under chaos; anything else is not.
func (rw *RandomWorkload) record(err error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	var perr *prototype.Error
	switch {
	case err == nil:
		rw.stats.Succeeded++
	case errors.As(err, &perr) && (perr.IsRetryable() || isRetryableRemote(perr)):
		rw.stats.Retryable++
	case errors.Is(err, context.DeadlineExceeded):
		rw.stats.Retryable++
	default:
		rw.stats.Unexpected = append(rw.stats.Unexpected, err)
	}
}

// isRetryableRemote reports whether a remote failure is the leader being
// unreachable or not leading any more
func isRetryableRemote(err *prototype.Error) bool {
	if err.Kind != prototype.KindRemoteOperationFailed {
		return false
	}
	return err.StatusCode == 0 || err.StatusCode == 503 || err.StatusCode == 504
}

// randomKey generates a random key
func randomKey(rng *rand.Rand) string {
	keys := []string{"key1", "key2", "key3", "key4", "key5"}
	return keys[rng.Intn(len(keys))]
}

// randomValue generates a random value
func randomValue(rng *rand.Rand) string {
	values := []string{"value1", "value2", "value3", "value4", "value5"}
	return values[rng.Intn(len(values))]
}
