package kv

import (
	"testing"

	"github.com/google/uuid"

	"github.com/claude-module/raftcore/internal/raft"
)

func applyCommand(t *testing.T, s *Store, index uint64, cmdType CommandType, key string, value []byte, clientID uuid.UUID, reqID uint64) raft.ApplyResult {
	t.Helper()
	payload, err := EncodeCommand(cmdType, key, value, clientID, reqID)
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	return s.Apply(raft.LogEntry{Index: index, Type: raft.EntryNormal, Command: payload})
}

func TestSetAndGet(t *testing.T) {
	s := New()
	client := uuid.New()

	res := applyCommand(t, s, 1, CommandSet, "k", []byte("v1"), client, 1)
	if res.Err != nil {
		t.Fatalf("Apply set: %v", res.Err)
	}

	got, ok := s.Get("k")
	if !ok || string(got) != "v1" {
		t.Errorf("Get(k) = %q, %v, want v1, true", got, ok)
	}
}

func TestDelete(t *testing.T) {
	s := New()
	client := uuid.New()

	applyCommand(t, s, 1, CommandSet, "k", []byte("v1"), client, 1)
	applyCommand(t, s, 2, CommandDelete, "k", nil, client, 2)

	if _, ok := s.Get("k"); ok {
		t.Errorf("Get(k) found a value after delete")
	}
}

func TestDuplicateRequestIsDeduplicated(t *testing.T) {
	s := New()
	client := uuid.New()

	applyCommand(t, s, 1, CommandSet, "k", []byte("v1"), client, 5)
	// Same RequestID replayed (e.g. a retried Propose after leader failover).
	applyCommand(t, s, 2, CommandSet, "k", []byte("v2"), client, 5)

	got, ok := s.Get("k")
	if !ok || string(got) != "v1" {
		t.Errorf("Get(k) = %q, %v, want v1 (duplicate request must not re-apply)", got, ok)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := New()
	client := uuid.New()
	applyCommand(t, s, 1, CommandSet, "a", []byte("1"), client, 1)
	applyCommand(t, s, 2, CommandSet, "b", []byte("2"), client, 2)

	data, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	restored := New()
	if err := restored.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if got, ok := restored.Get("a"); !ok || string(got) != "1" {
		t.Errorf("restored Get(a) = %q, %v, want 1, true", got, ok)
	}
	if restored.Size() != 2 {
		t.Errorf("restored Size() = %d, want 2", restored.Size())
	}

	// The restored session state must still dedupe the same client/request.
	res := applyCommand(t, restored, 3, CommandSet, "a", []byte("99"), client, 2)
	if res.Err != nil {
		t.Fatalf("Apply after restore: %v", res.Err)
	}
	if got, _ := restored.Get("a"); string(got) != "1" {
		t.Errorf("Get(a) after replayed request = %q, want 1 (session must survive snapshot restore)", got)
	}
}
