package statemachine

import (
	"context"
	"testing"
	"time"
)

func mustEncode(t *testing.T, cmd Command) []byte {
	t.Helper()
	data, err := EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("Failed to encode command: %v", err)
	}
	return data
}

func TestKVStateMachine_Insert(t *testing.T) {
	kv := NewKVStateMachine()

	data := mustEncode(t, Command{
		Type:    CommandInsert,
		Entries: map[string]string{"key1": "value1", "key2": "value2"},
	})

	if err := kv.Apply(1, data); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	value, exists := kv.Get("key1")
	if !exists {
		t.Errorf("Expected key1 to exist")
	}
	if value != "value1" {
		t.Errorf("Expected value1, got %s", value)
	}

	if kv.AppliedIndex() != 1 {
		t.Errorf("Expected applied index 1, got %d", kv.AppliedIndex())
	}
}

func TestKVStateMachine_Remove(t *testing.T) {
	kv := NewKVStateMachine()

	kv.Apply(1, mustEncode(t, Command{Type: CommandInsert, Entries: map[string]string{"a": "1", "b": "2"}}))
	if err := kv.Apply(2, mustEncode(t, Command{Type: CommandRemove, Keys: []string{"a", "missing"}})); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if _, exists := kv.Get("a"); exists {
		t.Error("Expected a to be removed")
	}
	if _, exists := kv.Get("b"); !exists {
		t.Error("Expected b to remain")
	}
}

func TestKVStateMachine_SkipsReplayedEntries(t *testing.T) {
	kv := NewKVStateMachine()

	kv.Apply(5, mustEncode(t, Command{Type: CommandInsert, Entries: map[string]string{"k": "new"}}))
	kv.Apply(3, mustEncode(t, Command{Type: CommandInsert, Entries: map[string]string{"k": "old"}}))

	if value, _ := kv.Get("k"); value != "new" {
		t.Errorf("Expected replayed entry to be skipped, got %s", value)
	}
	if kv.AppliedIndex() != 5 {
		t.Errorf("Expected applied index 5, got %d", kv.AppliedIndex())
	}
}

func TestKVStateMachine_EmptyEntryAdvancesIndex(t *testing.T) {
	kv := NewKVStateMachine()

	if err := kv.Apply(2, nil); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if kv.AppliedIndex() != 2 {
		t.Errorf("Expected applied index 2, got %d", kv.AppliedIndex())
	}
	if kv.Size() != 0 {
		t.Errorf("Expected empty map, got %d keys", kv.Size())
	}
}

func TestKVStateMachine_InvalidCommand(t *testing.T) {
	kv := NewKVStateMachine()

	if err := kv.Apply(1, []byte("invalid json")); err == nil {
		t.Error("Expected error for invalid JSON")
	}
	if err := kv.Apply(1, mustEncode(t, Command{Type: 99})); err == nil {
		t.Error("Expected error for unknown command type")
	}
	if kv.AppliedIndex() != 0 {
		t.Errorf("Failed commands must not advance the index, got %d", kv.AppliedIndex())
	}
}

func TestKVStateMachine_GetMany(t *testing.T) {
	kv := NewKVStateMachine()
	kv.Apply(1, mustEncode(t, Command{Type: CommandInsert, Entries: map[string]string{"a": "1", "b": "2"}}))

	got := kv.GetMany([]string{"a", "missing"})
	if len(got) != 1 || got["a"] != "1" {
		t.Errorf("Expected {a:1}, got %v", got)
	}
}

func TestKVStateMachine_WaitForApplied(t *testing.T) {
	kv := NewKVStateMachine()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- kv.WaitForApplied(ctx, 3)
	}()

	kv.Apply(1, nil)
	kv.Apply(2, nil)

	select {
	case err := <-done:
		t.Fatalf("WaitForApplied returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	kv.Apply(3, mustEncode(t, Command{Type: CommandInsert, Entries: map[string]string{"k": "v"}}))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForApplied failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForApplied did not return after index was applied")
	}

	// An already reached index returns immediately.
	if err := kv.WaitForApplied(context.Background(), 1); err != nil {
		t.Errorf("WaitForApplied for past index failed: %v", err)
	}
}

func TestKVStateMachine_WaitForAppliedCanceled(t *testing.T) {
	kv := NewKVStateMachine()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := kv.WaitForApplied(ctx, 10); err != context.DeadlineExceeded {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestKVStateMachine_SnapshotRestore(t *testing.T) {
	kv := NewKVStateMachine()
	kv.Apply(1, mustEncode(t, Command{Type: CommandInsert, Entries: map[string]string{"a": "1", "b": "2"}}))
	kv.Apply(2, mustEncode(t, Command{Type: CommandRemove, Keys: []string{"b"}}))

	snapshot, index, err := kv.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if index != 2 {
		t.Errorf("Expected snapshot index 2, got %d", index)
	}

	restored := NewKVStateMachine()
	if err := restored.Restore(snapshot, index); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if value, _ := restored.Get("a"); value != "1" {
		t.Errorf("Expected a=1 after restore, got %s", value)
	}
	if _, exists := restored.Get("b"); exists {
		t.Error("Expected b to be absent after restore")
	}
	if restored.AppliedIndex() != 2 {
		t.Errorf("Expected applied index 2, got %d", restored.AppliedIndex())
	}
}

func TestKVStateMachine_CopyIsIndependent(t *testing.T) {
	kv := NewKVStateMachine()
	kv.Apply(1, mustEncode(t, Command{Type: CommandInsert, Entries: map[string]string{"a": "1"}}))

	copied, index := kv.Copy()
	copied["a"] = "changed"

	if value, _ := kv.Get("a"); value != "1" {
		t.Errorf("Copy must not alias the store, got %s", value)
	}
	if index != 1 {
		t.Errorf("Expected index 1, got %d", index)
	}
}

func TestKVStateMachine_Keys(t *testing.T) {
	kv := NewKVStateMachine()
	kv.Apply(1, mustEncode(t, Command{Type: CommandInsert, Entries: map[string]string{"b": "2", "a": "1"}}))

	keys := kv.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Expected [a b], got %v", keys)
	}
}

func TestCommandType_String(t *testing.T) {
	tests := []struct {
		ct   CommandType
		want string
	}{
		{CommandInsert, "INSERT"},
		{CommandRemove, "REMOVE"},
		{CommandType(0), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.ct.String(); got != tt.want {
			t.Errorf("CommandType(%d).String() = %s, want %s", tt.ct, got, tt.want)
		}
	}
}
