package stores

import (
	"context"
	"fmt"
	"time"
)

// Resource is an external infrastructure object tracked by the state store.
// Rows are never hard-deleted; removal is recorded through DeletedAt.
type Resource struct {
	// ID is the internal row id.
	ID string `json:"id"`

	// ExternalID is the cloud-side identifier. Unique among non-deleted
	// rows.
	ExternalID string `json:"external_id"`

	// Type is the resource type (e.g., "compute.vm", "network.subnet").
	Type string `json:"type"`

	// Name is the human-readable name.
	Name string `json:"name"`

	// Scope is the grouping container (resource group, project, folder).
	Scope string `json:"scope,omitempty"`

	// Location is the cloud region.
	Location string `json:"location,omitempty"`

	// ProvisioningState is the provider-reported lifecycle state.
	ProvisioningState string `json:"provisioning_state,omitempty"`

	// Properties is the semi-structured property bag. JSON blob.
	Properties string `json:"properties"`

	// Tags is a JSON object of key/value tags.
	Tags string `json:"tags,omitempty"`

	// Managed marks resources created by this system, as opposed to
	// discovered ones.
	Managed bool `json:"managed"`

	// LastRefreshed is when the row was last written by discovery or
	// capability execution. Nil means explicitly invalidated.
	LastRefreshed *time.Time `json:"last_refreshed,omitempty"`

	// DeletedAt is the soft-delete timestamp.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueriedResource is a query match with its freshness flag. Stale rows are
// returned and flagged, never silently hidden.
type QueriedResource struct {
	Resource Resource `json:"resource"`

	// Stale reports that LastRefreshed is missing or past the TTL; the
	// caller should treat the row as needing rediscovery, not as absent.
	Stale bool `json:"stale"`
}

// ResourceFilter selects resources in Query. Zero-valued fields match
// everything.
type ResourceFilter struct {
	// Type matches the resource type exactly.
	Type string

	// Scope matches the grouping container exactly.
	Scope string

	// NamePattern is a glob-style pattern ('*' wildcard) matched against
	// the resource name.
	NamePattern string

	// ManagedOnly restricts to resources created by this system.
	ManagedOnly bool

	// IncludeDeleted includes soft-deleted rows.
	IncludeDeleted bool
}

// DependencyEdge records that one resource references another. Duplicates
// are idempotent no-ops; self-loops are rejected.
type DependencyEdge struct {
	// FromID is the referencing resource's external id.
	FromID string `json:"from_id"`

	// ToID is the referenced resource's external id.
	ToID string `json:"to_id"`

	// Kind is the edge kind (e.g., "attached", "contains", "member").
	Kind string `json:"kind"`

	// Relationship is free-form detail ("os_disk", "nic", "subnet_of").
	Relationship string `json:"relationship,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// OperationStatus mirrors the engine operation lifecycle for persisted
// records. Declared here so the store has no dependency on the engine
// package.
type OperationStatus string

const (
	OpPending   OperationStatus = "pending"
	OpRunning   OperationStatus = "running"
	OpCompleted OperationStatus = "completed"
	OpFailed    OperationStatus = "failed"
	OpSkipped   OperationStatus = "skipped"
)

// OperationRecord is one dispatched operation. Created at dispatch,
// finalized at completion.
type OperationRecord struct {
	// ID is the generated operation id.
	ID string `json:"id"`

	// Capability is the capability group the operation belongs to.
	Capability string `json:"capability,omitempty"`

	// Name is the operation definition name.
	Name string `json:"name"`

	// Status is the lifecycle status.
	Status OperationStatus `json:"status"`

	// Params is the resolved-parameter snapshot. JSON blob; secret values
	// are redacted before persisting.
	Params string `json:"params,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// LogLevel is the severity of an operation log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warning"
	LogError LogLevel = "error"
)

// OperationLogEntry is one append-only log line linked to an operation.
type OperationLogEntry struct {
	ID          int64     `json:"id"`
	OperationID string    `json:"operation_id"`
	Level       LogLevel  `json:"level"`
	Message     string    `json:"message"`
	Metadata    *string   `json:"metadata,omitempty"` // JSON blob
	Timestamp   time.Time `json:"timestamp"`
}

// StorageError is a state-store I/O failure, surfaced after the bounded
// per-transaction retry budget is exhausted.
type StorageError struct {
	// Op is the store operation that failed.
	Op string

	// Attempts is how many times the transaction was tried.
	Attempts int

	// Err is the underlying database error.
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Store is the persistence layer for resources, dependency edges, operation
// records, and operation logs. Every mutation is one atomic transaction.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// Resources
	StoreResource(ctx context.Context, r *Resource) error
	GetResource(ctx context.Context, externalID string) (*Resource, error)
	Query(ctx context.Context, filter ResourceFilter) ([]QueriedResource, error)
	Invalidate(ctx context.Context, pattern string) (int64, error)
	SoftDeleteResource(ctx context.Context, externalID string) error
	PruneDeleted(ctx context.Context, olderThan time.Duration) (int64, error)

	// Dependency edges
	AddDependency(ctx context.Context, edge *DependencyEdge) error
	ListDependencies(ctx context.Context) ([]DependencyEdge, error)
	DependenciesFrom(ctx context.Context, fromID string) ([]DependencyEdge, error)

	// Operation records
	CreateOperation(ctx context.Context, op *OperationRecord) error
	GetOperation(ctx context.Context, id string) (*OperationRecord, error)
	UpdateOperationStatus(ctx context.Context, id string, status OperationStatus) error
	ListOperations(ctx context.Context, capability string, limit, offset int) ([]OperationRecord, error)

	// Operation logs
	AppendLog(ctx context.Context, entry *OperationLogEntry) error
	GetLogs(ctx context.Context, operationID string, limit int) ([]OperationLogEntry, error)
}
