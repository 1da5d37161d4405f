package stores

import (
	"context"
	"testing"
	"time"
)

// setupTestStore creates a migrated in-memory store.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path:         ":memory:",
		FreshnessTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testResource(externalID string) *Resource {
	now := time.Now().UTC()
	return &Resource{
		ID:            externalID,
		ExternalID:    externalID,
		Type:          "instance",
		Name:          externalID,
		Scope:         "prod",
		Location:      "eu-west-1",
		Properties:    `{"size": "small"}`,
		Managed:       true,
		LastRefreshed: &now,
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreResource_Upsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	r := testResource("vm-1")
	if err := store.StoreResource(ctx, r); err != nil {
		t.Fatalf("failed to store: %v", err)
	}

	// Same external id updates in place.
	r.Name = "renamed"
	if err := store.StoreResource(ctx, r); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}

	got, err := store.GetResource(ctx, "vm-1")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got.Name != "renamed" {
		t.Errorf("expected renamed, got %q", got.Name)
	}

	results, err := store.Query(ctx, ResourceFilter{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("upsert must not duplicate rows, got %d", len(results))
	}
}

func TestStoreResource_ManagedFlagIsSticky(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.StoreResource(ctx, testResource("vm-1")); err != nil {
		t.Fatalf("failed to store: %v", err)
	}

	// A later discovery write carries managed=false; the row stays managed.
	unmanaged := testResource("vm-1")
	unmanaged.Managed = false
	if err := store.StoreResource(ctx, unmanaged); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}

	got, err := store.GetResource(ctx, "vm-1")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if !got.Managed {
		t.Error("an upsert must not demote a managed resource")
	}

	// The other direction promotes: an unmanaged row becomes managed.
	discovered := testResource("net-1")
	discovered.Managed = false
	if err := store.StoreResource(ctx, discovered); err != nil {
		t.Fatalf("failed to store: %v", err)
	}
	managed := testResource("net-1")
	if err := store.StoreResource(ctx, managed); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	got, err = store.GetResource(ctx, "net-1")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if !got.Managed {
		t.Error("expected the managed write to promote the row")
	}
}

func TestStoreResource_UpsertRevivesSoftDeleted(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.StoreResource(ctx, testResource("vm-1")); err != nil {
		t.Fatalf("failed to store: %v", err)
	}
	if err := store.SoftDeleteResource(ctx, "vm-1"); err != nil {
		t.Fatalf("failed to soft delete: %v", err)
	}
	if _, err := store.GetResource(ctx, "vm-1"); err == nil {
		t.Fatal("expected a soft-deleted resource to be invisible")
	}

	// Re-discovering the resource revives the row.
	if err := store.StoreResource(ctx, testResource("vm-1")); err != nil {
		t.Fatalf("failed to revive: %v", err)
	}
	got, err := store.GetResource(ctx, "vm-1")
	if err != nil {
		t.Fatalf("expected the revived resource: %v", err)
	}
	if got.DeletedAt != nil {
		t.Error("expected deleted_at cleared on revival")
	}
}

func TestGetResource_Missing(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.GetResource(context.Background(), "nope"); err == nil {
		t.Fatal("expected an error for a missing resource")
	}
}

func TestQuery_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	vm := testResource("vm-1")
	if err := store.StoreResource(ctx, vm); err != nil {
		t.Fatalf("failed to store: %v", err)
	}
	net := testResource("net-1")
	net.Type = "network"
	net.Managed = false
	if err := store.StoreResource(ctx, net); err != nil {
		t.Fatalf("failed to store: %v", err)
	}

	results, err := store.Query(ctx, ResourceFilter{Type: "network"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 1 || results[0].Resource.ExternalID != "net-1" {
		t.Errorf("type filter: unexpected results %+v", results)
	}

	results, err = store.Query(ctx, ResourceFilter{ManagedOnly: true})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 1 || results[0].Resource.ExternalID != "vm-1" {
		t.Errorf("managed filter: unexpected results %+v", results)
	}

	results, err = store.Query(ctx, ResourceFilter{NamePattern: "vm-*"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 1 || results[0].Resource.ExternalID != "vm-1" {
		t.Errorf("name pattern: unexpected results %+v", results)
	}
}

func TestQuery_StaleFlaggedNotHidden(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.StoreResource(ctx, testResource("fresh-1")); err != nil {
		t.Fatalf("failed to store: %v", err)
	}
	if err := store.StoreResource(ctx, testResource("stale-1")); err != nil {
		t.Fatalf("failed to store: %v", err)
	}
	if _, err := store.Invalidate(ctx, "stale-*"); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}

	results, err := store.Query(ctx, ResourceFilter{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("stale rows must still be returned, got %d", len(results))
	}
	byID := map[string]QueriedResource{}
	for _, r := range results {
		byID[r.Resource.ExternalID] = r
	}
	if byID["fresh-1"].Stale {
		t.Error("fresh row flagged stale")
	}
	if !byID["stale-1"].Stale {
		t.Error("stale row not flagged")
	}
}

func TestQuery_TTLExpiryFlagsStale(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:", FreshnessTTL: time.Nanosecond})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	defer store.Close()

	if err := store.StoreResource(ctx, testResource("vm-1")); err != nil {
		t.Fatalf("failed to store: %v", err)
	}
	time.Sleep(time.Millisecond)

	results, err := store.Query(ctx, ResourceFilter{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 1 || !results[0].Stale {
		t.Errorf("expected the row returned and flagged stale, got %+v", results)
	}
}

func TestInvalidate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.StoreResource(ctx, testResource("vm-1")); err != nil {
		t.Fatalf("failed to store: %v", err)
	}
	if err := store.StoreResource(ctx, testResource("net-1")); err != nil {
		t.Fatalf("failed to store: %v", err)
	}

	n, err := store.Invalidate(ctx, "vm-*")
	if err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 invalidated row, got %d", n)
	}

	results, err := store.Query(ctx, ResourceFilter{NamePattern: "vm-*"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 1 || !results[0].Stale {
		t.Errorf("expected the invalidated row stale, got %+v", results)
	}
	if results[0].Resource.LastRefreshed != nil {
		t.Error("expected last_refreshed cleared")
	}
}

func TestSoftDeleteAndPrune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.StoreResource(ctx, testResource("vm-1")); err != nil {
		t.Fatalf("failed to store: %v", err)
	}
	if err := store.SoftDeleteResource(ctx, "vm-1"); err != nil {
		t.Fatalf("failed to soft delete: %v", err)
	}

	// Deleting a missing resource is an error.
	if err := store.SoftDeleteResource(ctx, "ghost"); err == nil {
		t.Error("expected an error for a missing resource")
	}

	// Hidden from default queries, present with IncludeDeleted.
	results, err := store.Query(ctx, ResourceFilter{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("soft-deleted rows must be hidden, got %d", len(results))
	}
	results, err = store.Query(ctx, ResourceFilter{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected the deleted row with IncludeDeleted, got %d", len(results))
	}

	// A fresh deletion survives a conservative prune window.
	n, err := store.PruneDeleted(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing pruned inside the window, got %d", n)
	}

	// Zero window prunes immediately.
	n, err = store.PruneDeleted(ctx, 0)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned row, got %d", n)
	}
	results, _ = store.Query(ctx, ResourceFilter{IncludeDeleted: true})
	if len(results) != 0 {
		t.Errorf("expected the row hard-removed, got %d", len(results))
	}
}

func TestAddDependency(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.StoreResource(ctx, testResource("vm-1")); err != nil {
		t.Fatalf("failed to store: %v", err)
	}
	net := testResource("net-1")
	net.Type = "network"
	if err := store.StoreResource(ctx, net); err != nil {
		t.Fatalf("failed to store: %v", err)
	}

	edge := &DependencyEdge{FromID: "vm-1", ToID: "net-1", Kind: "network"}
	if err := store.AddDependency(ctx, edge); err != nil {
		t.Fatalf("failed to add edge: %v", err)
	}

	// Duplicate insertion is a no-op.
	if err := store.AddDependency(ctx, edge); err != nil {
		t.Fatalf("duplicate edge must not fail: %v", err)
	}
	edges, err := store.ListDependencies(ctx)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(edges) != 1 {
		t.Errorf("expected 1 edge, got %d", len(edges))
	}

	// Self-loops are rejected.
	if err := store.AddDependency(ctx, &DependencyEdge{FromID: "vm-1", ToID: "vm-1", Kind: "self"}); err == nil {
		t.Error("expected a self-loop to be rejected")
	}

	from, err := store.DependenciesFrom(ctx, "vm-1")
	if err != nil {
		t.Fatalf("failed to list from: %v", err)
	}
	if len(from) != 1 || from[0].ToID != "net-1" {
		t.Errorf("unexpected outgoing edges: %+v", from)
	}
}

func TestOperationRecords(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := &OperationRecord{
		ID:         "op-attempt-1",
		Capability: "compute",
		Name:       "create-vm",
		Status:     OpRunning,
		Params:     `{"vm_name": "web-01"}`,
		StartedAt:  time.Now().UTC(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.CreateOperation(ctx, rec); err != nil {
		t.Fatalf("failed to create: %v", err)
	}

	got, err := store.GetOperation(ctx, "op-attempt-1")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got.Status != OpRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
	if got.CompletedAt != nil {
		t.Error("a running operation has no completion time")
	}

	if err := store.UpdateOperationStatus(ctx, "op-attempt-1", OpCompleted); err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	got, err = store.GetOperation(ctx, "op-attempt-1")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got.Status != OpCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("a terminal status must set the completion time")
	}
}

func TestListOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, capability := range []string{"compute", "compute", "network"} {
		rec := &OperationRecord{
			ID:         "op-" + string(rune('a'+i)),
			Capability: capability,
			Name:       "op",
			Status:     OpCompleted,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			CreatedAt:  base,
		}
		if err := store.CreateOperation(ctx, rec); err != nil {
			t.Fatalf("failed to create: %v", err)
		}
	}

	all, err := store.ListOperations(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(all))
	}
	// Newest first.
	if all[0].ID != "op-c" {
		t.Errorf("expected op-c first, got %s", all[0].ID)
	}

	compute, err := store.ListOperations(ctx, "compute", 10, 0)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(compute) != 2 {
		t.Errorf("expected 2 compute operations, got %d", len(compute))
	}

	paged, err := store.ListOperations(ctx, "", 1, 1)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "op-b" {
		t.Errorf("unexpected page: %+v", paged)
	}
}

func TestOperationLogs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := &OperationRecord{
		ID:        "op-1",
		Name:      "create-vm",
		Status:    OpRunning,
		StartedAt: time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateOperation(ctx, rec); err != nil {
		t.Fatalf("failed to create: %v", err)
	}

	for i, msg := range []string{"[START] go", "[PROGRESS] halfway", "[SUCCESS] done"} {
		entry := &OperationLogEntry{
			OperationID: "op-1",
			Level:       LogInfo,
			Message:     msg,
			Timestamp:   time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendLog(ctx, entry); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
		if entry.ID == 0 {
			t.Error("expected the generated log id set on the entry")
		}
	}

	logs, err := store.GetLogs(ctx, "op-1", 10)
	if err != nil {
		t.Fatalf("failed to get logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(logs))
	}
	if logs[0].Message != "[START] go" {
		t.Errorf("expected entries in append order, got %q first", logs[0].Message)
	}
}

func TestGlobToLike(t *testing.T) {
	cases := map[string]string{
		"vm-*":   "vm-%",
		"web-??": "web-__",
		"plain":  "plain",
	}
	for in, want := range cases {
		if got := globToLike(in); got != want {
			t.Errorf("globToLike(%q) = %q, want %q", in, got, want)
		}
	}
}
