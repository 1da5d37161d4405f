package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func setupCheckpoints(t *testing.T) *CheckpointStore {
	t.Helper()
	store, err := NewCheckpointStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create checkpoint store: %v", err)
	}
	return store
}

func TestCheckpointStore_SaveAndLoad(t *testing.T) {
	store := setupCheckpoints(t)

	cp := &Checkpoint{
		OperationID: "create-vm",
		Status:      StatusCompleted,
		Duration:    12.5,
		Timestamp:   time.Now().UTC(),
		OutputRef:   "/var/log/create-vm.log",
	}
	if err := store.Save(cp); err != nil {
		t.Fatalf("failed to save checkpoint: %v", err)
	}

	loaded, err := store.Load("create-vm")
	if err != nil {
		t.Fatalf("failed to load checkpoint: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a checkpoint")
	}
	if loaded.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", loaded.Status)
	}
	if loaded.OutputRef != cp.OutputRef {
		t.Errorf("expected output ref %q, got %q", cp.OutputRef, loaded.OutputRef)
	}
}

func TestCheckpointStore_LoadMissing(t *testing.T) {
	store := setupCheckpoints(t)

	cp, err := store.Load("never-ran")
	if err != nil {
		t.Fatalf("missing checkpoint must not be an error: %v", err)
	}
	if cp != nil {
		t.Errorf("expected nil checkpoint, got %+v", cp)
	}
}

func TestCheckpointStore_SaveOverwrites(t *testing.T) {
	store := setupCheckpoints(t)

	if err := store.Save(&Checkpoint{OperationID: "op", Status: StatusFailed}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if err := store.Save(&Checkpoint{OperationID: "op", Status: StatusCompleted}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	loaded, err := store.Load("op")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if loaded.Status != StatusCompleted {
		t.Errorf("expected the newer status, got %s", loaded.Status)
	}
}

func TestCheckpointStore_Decide(t *testing.T) {
	store := setupCheckpoints(t)

	// No checkpoint: retry.
	decision, _, err := store.Decide("op", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != ResumeRetry {
		t.Errorf("expected retry for a missing checkpoint, got %s", decision)
	}

	// Failed checkpoint: retry.
	if err := store.Save(&Checkpoint{OperationID: "op", Status: StatusFailed}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	decision, _, _ = store.Decide("op", false)
	if decision != ResumeRetry {
		t.Errorf("expected retry for a failed checkpoint, got %s", decision)
	}

	// Completed checkpoint: skip.
	if err := store.Save(&Checkpoint{OperationID: "op", Status: StatusCompleted}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	decision, cp, _ := store.Decide("op", false)
	if decision != ResumeSkip {
		t.Errorf("expected skip for a completed checkpoint, got %s", decision)
	}
	if cp == nil {
		t.Error("expected the checkpoint to come back with the decision")
	}

	// Force overrides a completed checkpoint.
	decision, _, _ = store.Decide("op", true)
	if decision != ResumeRetry {
		t.Errorf("expected force to retry, got %s", decision)
	}
}

func TestCheckpointStore_Clear(t *testing.T) {
	store := setupCheckpoints(t)

	if err := store.Save(&Checkpoint{OperationID: "op", Status: StatusCompleted}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if err := store.Clear("op"); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}
	cp, err := store.Load("op")
	if err != nil || cp != nil {
		t.Errorf("expected the checkpoint gone, got %+v, %v", cp, err)
	}

	// Clearing again is a no-op.
	if err := store.Clear("op"); err != nil {
		t.Errorf("clearing a missing checkpoint must not fail: %v", err)
	}
}

func TestCheckpointStore_List(t *testing.T) {
	store := setupCheckpoints(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Save(&Checkpoint{OperationID: id, Status: StatusCompleted}); err != nil {
			t.Fatalf("failed to save %s: %v", id, err)
		}
	}

	checkpoints, err := store.List()
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(checkpoints) != 3 {
		t.Errorf("expected 3 checkpoints, got %d", len(checkpoints))
	}
}

func TestCheckpointStore_PathSeparatorInID(t *testing.T) {
	store := setupCheckpoints(t)

	if err := store.Save(&Checkpoint{OperationID: "net/create", Status: StatusCompleted}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	cp, err := store.Load("net/create")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if cp == nil || cp.OperationID != "net/create" {
		t.Errorf("expected the checkpoint back, got %+v", cp)
	}
}
