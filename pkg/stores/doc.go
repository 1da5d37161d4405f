// Package stores provides persistent storage for the fleet resource cache,
// the dependency edge set, and the operation history.
//
// The SQLite implementation is the only backend. All writes go through
// transactions that are retried a bounded number of times; when the budget
// is exhausted the failure surfaces as a StorageError so callers can tell
// persistence trouble apart from domain errors.
//
// Resource rows carry a freshness timestamp. Queries never hide stale rows;
// they flag them so the caller can decide whether to refresh. Deletion is
// soft: rows are tombstoned with deleted_at and only removed by an explicit
// prune.
package stores
