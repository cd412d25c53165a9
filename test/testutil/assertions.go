package testutil

import (
	"errors"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
)

// AssertLeadersResolved asserts that every state of the cluster gets a
// resolvable leader within timeout
func AssertLeadersResolved(t *testing.T, cluster *TestCluster, timeout time.Duration) {
	t.Helper()

	if !cluster.WaitForLeaders(timeout) {
		t.Fatal("Expected every prototype state to have a leader")
	}
}

// AssertLeader asserts that state id is led by serverID within timeout
func AssertLeader(t *testing.T, cluster *TestCluster, id prototype.StateID, serverID string, timeout time.Duration) {
	t.Helper()

	AssertEventually(t, func() bool {
		loc, ok := cluster.WaitForLeader(id, 10*time.Millisecond)
		return ok && loc.ServerID == serverID
	}, timeout, "leader of state "+id.String()+" should be "+serverID)
}

// AssertErrorIs asserts that err matches target
func AssertErrorIs(t *testing.T, err, target error, message string) {
	t.Helper()

	if !errors.Is(err, target) {
		t.Fatalf("%s: expected error %v, got %v", message, target, err)
	}
}

// AssertEntries asserts that two entry maps are equal
func AssertEntries(t *testing.T, expected, actual map[string]string, message string) {
	t.Helper()

	if len(expected) != len(actual) {
		t.Fatalf("%s: expected %d entries %v, got %d entries %v", message, len(expected), expected, len(actual), actual)
	}
	for k, v := range expected {
		if got, ok := actual[k]; !ok || got != v {
			t.Fatalf("%s: expected %s=%q, got %q (present=%v)", message, k, v, got, ok)
		}
	}
}

// AssertEventually asserts that a condition becomes true within timeout
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("Condition not met within %v: %s", timeout, message)
}

// AssertEqual asserts that two values are equal
func AssertEqual(t *testing.T, expected, actual interface{}, message string) {
	t.Helper()

	if expected != actual {
		t.Fatalf("%s: expected %v, got %v", message, expected, actual)
	}
}

// AssertTrue asserts that a condition is true
func AssertTrue(t *testing.T, condition bool, message string) {
	t.Helper()

	if !condition {
		t.Fatalf("Expected true: %s", message)
	}
}

// AssertError asserts that an error occurred
func AssertError(t *testing.T, err error, message string) {
	t.Helper()

	if err == nil {
		t.Fatalf("Expected error: %s", message)
	}
}

// AssertNoError asserts that no error occurred
func AssertNoError(t *testing.T, err error, message string) {
	t.Helper()

	if err != nil {
		t.Fatalf("Unexpected error: %s: %v", message, err)
	}
}
