package integration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/codec"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
	"github.com/therealutkarshpriyadarshi/protostate/test/testutil"
)

func newCluster(t *testing.T, c codec.Codec) *testutil.TestCluster {
	t.Helper()

	config := testutil.DefaultClusterConfig()
	config.Codec = c
	cluster := testutil.NewTestCluster(t, config)
	testutil.AssertLeadersResolved(t, cluster, 5*time.Second)
	return cluster
}

// TestIntegration_DBServerLocalAccess exercises the local strategy against
// real replicated states
func TestIntegration_DBServerLocalAccess(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster(t, codec.JSON)

	host := cluster.HostOf(1)
	methods := cluster.DBServer(host).Methods()

	index, err := methods.Insert(ctx, 1, map[string]string{"a": "1", "b": "2"})
	testutil.AssertNoError(t, err, "Insert")

	value, found, err := methods.Get(ctx, 1, "a")
	testutil.AssertNoError(t, err, "Get")
	testutil.AssertTrue(t, found && value == "1", "a should be 1")

	_, found, err = methods.Get(ctx, 1, "missing")
	testutil.AssertNoError(t, err, "Get missing")
	testutil.AssertTrue(t, !found, "missing should be absent")

	snapshot, err := methods.GetSnapshot(ctx, 1, index)
	testutil.AssertNoError(t, err, "GetSnapshot")
	testutil.AssertEntries(t, map[string]string{"a": "1", "b": "2"}, snapshot, "snapshot")

	// A state hosted elsewhere is unknown to this dbserver.
	other := cluster.HostOf(2)
	if other != host {
		_, err = methods.Insert(ctx, 2, map[string]string{"a": "1"})
		testutil.AssertErrorIs(t, err, prototype.ErrStateNotFound, "state hosted elsewhere")
	}

	_, err = methods.Insert(ctx, 99, map[string]string{"a": "1"})
	testutil.AssertErrorIs(t, err, prototype.ErrStateNotFound, "unknown state")
}

// TestIntegration_CoordinatorForwarding writes through the coordinator and
// reads the result on the leader
func TestIntegration_CoordinatorForwarding(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON, codec.Proto} {
		t.Run(c.ContentType(), func(t *testing.T) {
			ctx := context.Background()
			cluster := newCluster(t, c)
			remote := cluster.Coordinator().Methods()

			for _, id := range []prototype.StateID{1, 2, 3} {
				index, err := remote.Insert(ctx, id, map[string]string{"state": id.String(), "k/with space": "v"})
				testutil.AssertNoError(t, err, "Insert through coordinator")

				local := cluster.DBServer(cluster.HostOf(id)).Methods()
				snapshot, err := local.GetSnapshot(ctx, id, index)
				testutil.AssertNoError(t, err, "GetSnapshot on leader")
				testutil.AssertEntries(t, map[string]string{"state": id.String(), "k/with space": "v"}, snapshot, "leader snapshot")

				value, found, err := remote.Get(ctx, id, "k/with space")
				testutil.AssertNoError(t, err, "Get through coordinator")
				testutil.AssertTrue(t, found && value == "v", "escaped key should round trip")
			}

			entries, err := remote.GetMany(ctx, 1, []string{"state", "missing"})
			testutil.AssertNoError(t, err, "GetMany")
			testutil.AssertEntries(t, map[string]string{"state": "1"}, entries, "GetMany subset")

			_, err = remote.Remove(ctx, 1, "state")
			testutil.AssertNoError(t, err, "Remove")
			index, err := remote.RemoveMany(ctx, 1, []string{"k/with space", "missing"})
			testutil.AssertNoError(t, err, "RemoveMany")

			snapshot, err := remote.GetSnapshot(ctx, 1, index)
			testutil.AssertNoError(t, err, "GetSnapshot")
			testutil.AssertEntries(t, map[string]string{}, snapshot, "empty snapshot")
		})
	}
}

// TestIntegration_IndicesIncrease checks that successive writes through the
// coordinator return strictly increasing log indices
func TestIntegration_IndicesIncrease(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster(t, codec.JSON)
	remote := cluster.Coordinator().Methods()

	var last prototype.LogIndex
	for i := 0; i < 10; i++ {
		index, err := remote.Insert(ctx, 1, map[string]string{"k": fmt.Sprint(i)})
		testutil.AssertNoError(t, err, "Insert")
		testutil.AssertTrue(t, index > last, "index should increase")
		last = index
	}

	index, err := remote.Remove(ctx, 1, "k")
	testutil.AssertNoError(t, err, "Remove")
	testutil.AssertTrue(t, index > last, "remove index should increase")
}

// TestIntegration_IdempotentReads checks that repeated reads with no
// intervening mutation agree on both strategies
func TestIntegration_IdempotentReads(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster(t, codec.JSON)
	remote := cluster.Coordinator().Methods()
	local := cluster.DBServer(cluster.HostOf(1)).Methods()

	_, err := remote.Insert(ctx, 1, map[string]string{"k": "v"})
	testutil.AssertNoError(t, err, "Insert")

	for i := 0; i < 5; i++ {
		for _, methods := range []prototype.Methods{remote, local} {
			value, found, err := methods.Get(ctx, 1, "k")
			testutil.AssertNoError(t, err, "Get")
			testutil.AssertTrue(t, found && value == "v", "repeated read should return the same value")

			_, found, err = methods.Get(ctx, 1, "missing")
			testutil.AssertNoError(t, err, "Get missing")
			testutil.AssertTrue(t, !found, "repeated read of a missing key should stay absent")
		}
	}
}

// TestIntegration_CoordinatorUnknownState checks that resolver failures pass
// through unchanged
func TestIntegration_CoordinatorUnknownState(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster(t, codec.JSON)

	_, err := cluster.Coordinator().Methods().Insert(ctx, 404, map[string]string{"a": "1"})
	testutil.AssertErrorIs(t, err, prototype.ErrStateNotFound, "unknown state")
}

// TestIntegration_LeaderResigned checks both strategies after the leader of a
// state steps down
func TestIntegration_LeaderResigned(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster(t, codec.JSON)

	_, err := cluster.Coordinator().Methods().Insert(ctx, 1, map[string]string{"a": "1"})
	testutil.AssertNoError(t, err, "Insert before resign")

	cluster.Resign(1)

	local := cluster.DBServer(cluster.HostOf(1)).Methods()
	_, err = local.Insert(ctx, 1, map[string]string{"a": "2"})
	testutil.AssertErrorIs(t, err, prototype.ErrLeaderUnavailable, "local insert after resign")

	remote := cluster.Coordinator().Methods()
	testutil.AssertEventually(t, func() bool {
		_, err := remote.Insert(ctx, 1, map[string]string{"a": "2"})
		return errors.Is(err, prototype.ErrLeaderResigned)
	}, 5*time.Second, "coordinator should report the resignation")

	// Other states are unaffected.
	_, err = remote.Insert(ctx, 2, map[string]string{"a": "1"})
	testutil.AssertNoError(t, err, "Insert into other state")
}

// TestIntegration_SnapshotWaitsForIndex checks that a snapshot request for a
// future index blocks until the index is applied or the deadline passes
func TestIntegration_SnapshotWaitsForIndex(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster(t, codec.JSON)
	remote := cluster.Coordinator().Methods()

	index, err := remote.Insert(ctx, 1, map[string]string{"a": "1"})
	testutil.AssertNoError(t, err, "Insert")

	shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = remote.GetSnapshot(shortCtx, 1, index+1000)
	testutil.AssertError(t, err, "snapshot of a future index should not complete")

	var wg sync.WaitGroup
	wg.Add(1)
	var snapshot map[string]string
	var snapErr error
	go func() {
		defer wg.Done()
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		snapshot, snapErr = remote.GetSnapshot(waitCtx, 1, index+1)
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = remote.Insert(ctx, 1, map[string]string{"b": "2"})
	testutil.AssertNoError(t, err, "Insert")

	wg.Wait()
	testutil.AssertNoError(t, snapErr, "waiting snapshot")
	testutil.AssertEntries(t, map[string]string{"a": "1", "b": "2"}, snapshot, "snapshot after wait")
}

// TestIntegration_RecoveryAfterRestart checks that a restarted dbserver
// serves its states again through the coordinator
func TestIntegration_RecoveryAfterRestart(t *testing.T) {
	ctx := context.Background()
	cluster := newCluster(t, codec.JSON)
	remote := cluster.Coordinator().Methods()

	last, err := remote.Insert(ctx, 1, map[string]string{"durable": "yes"})
	testutil.AssertNoError(t, err, "Insert")

	host := cluster.HostOf(1)
	cluster.RestartDBServer(host)
	testutil.AssertLeader(t, cluster, 1, cluster.DBServer(host).ID, 5*time.Second)

	testutil.AssertEventually(t, func() bool {
		value, found, err := remote.Get(ctx, 1, "durable")
		return err == nil && found && value == "yes"
	}, 5*time.Second, "durable entry should be served after restart")

	index, err := remote.Insert(ctx, 1, map[string]string{"after": "restart"})
	testutil.AssertNoError(t, err, "Insert after restart")
	testutil.AssertTrue(t, index > last, "index should continue after restart")
}

// TestIntegration_RESTEnvelope checks the wire format seen by a plain HTTP client
func TestIntegration_RESTEnvelope(t *testing.T) {
	cluster := newCluster(t, codec.JSON)
	base := "http://" + cluster.Coordinator().Address() + "/_api/prototype-state/1"

	req, _ := http.NewRequest(http.MethodPost, base+"/insert", strings.NewReader(`{"x":"y"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	testutil.AssertNoError(t, err, "POST insert")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	testutil.AssertEqual(t, http.StatusOK, resp.StatusCode, "insert status")
	testutil.AssertTrue(t, strings.Contains(string(body), `"index":`), "insert result should carry the index")

	resp, err = http.Get(base + "/entry/absent")
	testutil.AssertNoError(t, err, "GET entry")
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	testutil.AssertEqual(t, http.StatusNotFound, resp.StatusCode, "absent key status")
	testutil.AssertTrue(t, strings.Contains(string(body), `"error":true`), "absent key should be an error envelope")

	resp, err = http.Get(base + "/snapshot?waitForIndex=abc")
	testutil.AssertNoError(t, err, "GET snapshot")
	resp.Body.Close()
	testutil.AssertEqual(t, http.StatusBadRequest, resp.StatusCode, "invalid waitForIndex status")
}

// TestIntegration_RoleSelector checks which roles get an access layer
func TestIntegration_RoleSelector(t *testing.T) {
	for _, role := range []prototype.Role{prototype.RoleAgent, prototype.RoleSingle} {
		_, err := prototype.NewMethods(prototype.Config{Role: role})
		testutil.AssertErrorIs(t, err, prototype.ErrUnsupportedRole, string(role))
	}
}
