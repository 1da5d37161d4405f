package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file path, or ":memory:".
	Path string

	// FreshnessTTL is how long a resource row stays fresh after a refresh.
	FreshnessTTL time.Duration

	// MaxTxRetries bounds how often a failed transaction is retried before
	// a StorageError surfaces.
	MaxTxRetries int

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.FreshnessTTL == 0 {
		cfg.FreshnessTTL = time.Hour
	}
	if cfg.MaxTxRetries == 0 {
		cfg.MaxTxRetries = 3
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if s.cfg.Path == ":memory:" {
		// An in-memory database exists per connection; a pool would hand
		// out empty databases.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded filesystem.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// inTx runs fn inside one serializable transaction, retrying the whole
// transaction up to the configured budget. After the budget is exhausted the
// failure surfaces as a StorageError.
func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= s.cfg.MaxTxRetries; attempt++ {
		attempts++
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			lastErr = err
			continue
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if ctx.Err() != nil {
				return &StorageError{Op: op, Attempts: attempts, Err: err}
			}
			lastErr = err
			continue
		}
		if err := tx.Commit(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return &StorageError{Op: op, Attempts: attempts, Err: lastErr}
}

// StoreResource upserts a resource by external id. Reappearance of a
// soft-deleted resource clears deleted_at; every write refreshes
// last_refreshed. The managed flag is sticky: once a row is marked managed,
// a discovery write cannot demote it.
func (s *SQLiteStore) StoreResource(ctx context.Context, r *Resource) error {
	now := time.Now().UTC()
	return s.inTx(ctx, "store_resource", func(tx *sql.Tx) error {
		query := `
			INSERT INTO resources (
				id, external_id, type, name, scope, location, provisioning_state,
				properties, tags, managed, last_refreshed, deleted_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
			ON CONFLICT(external_id) DO UPDATE SET
				type = excluded.type,
				name = excluded.name,
				scope = excluded.scope,
				location = excluded.location,
				provisioning_state = excluded.provisioning_state,
				properties = excluded.properties,
				tags = excluded.tags,
				managed = managed OR excluded.managed,
				last_refreshed = excluded.last_refreshed,
				deleted_at = NULL,
				updated_at = excluded.updated_at
		`
		props := r.Properties
		if props == "" {
			props = "{}"
		}
		tags := r.Tags
		if tags == "" {
			tags = "{}"
		}
		_, err := tx.ExecContext(ctx, query,
			r.ID, r.ExternalID, r.Type, r.Name, r.Scope, r.Location,
			r.ProvisioningState, props, tags, r.Managed, now, now, now,
		)
		return err
	})
}

// GetResource retrieves a non-deleted resource by external id.
func (s *SQLiteStore) GetResource(ctx context.Context, externalID string) (*Resource, error) {
	query := resourceColumns + ` WHERE external_id = ? AND deleted_at IS NULL`

	r, err := scanResource(s.db.QueryRowContext(ctx, query, externalID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("resource not found: %s", externalID)
	}
	if err != nil {
		return nil, &StorageError{Op: "get_resource", Attempts: 1, Err: err}
	}
	return r, nil
}

const resourceColumns = `
	SELECT id, external_id, type, name, scope, location, provisioning_state,
	       properties, tags, managed, last_refreshed, deleted_at, created_at, updated_at
	FROM resources`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (*Resource, error) {
	r := &Resource{}
	err := row.Scan(
		&r.ID, &r.ExternalID, &r.Type, &r.Name, &r.Scope, &r.Location,
		&r.ProvisioningState, &r.Properties, &r.Tags, &r.Managed,
		&r.LastRefreshed, &r.DeletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Query returns resources matching the filter, each flagged with its
// freshness. Stale rows are returned and flagged, never hidden.
func (s *SQLiteStore) Query(ctx context.Context, filter ResourceFilter) ([]QueriedResource, error) {
	query := resourceColumns + ` WHERE 1=1`
	args := []any{}

	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.Scope != "" {
		query += ` AND scope = ?`
		args = append(args, filter.Scope)
	}
	if filter.NamePattern != "" {
		query += ` AND name LIKE ?`
		args = append(args, globToLike(filter.NamePattern))
	}
	if filter.ManagedOnly {
		query += ` AND managed = 1`
	}
	query += ` ORDER BY type, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "query", Attempts: 1, Err: err}
	}
	defer rows.Close()

	cutoff := time.Now().UTC().Add(-s.cfg.FreshnessTTL)
	results := []QueriedResource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, &StorageError{Op: "query", Attempts: 1, Err: err}
		}
		stale := r.LastRefreshed == nil || r.LastRefreshed.Before(cutoff)
		results = append(results, QueriedResource{Resource: *r, Stale: stale})
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "query", Attempts: 1, Err: err}
	}
	return results, nil
}

// Invalidate marks resources matching the glob pattern (against external id
// or name) as stale without deleting them. Returns the number of rows
// affected.
func (s *SQLiteStore) Invalidate(ctx context.Context, pattern string) (int64, error) {
	var affected int64
	like := globToLike(pattern)
	err := s.inTx(ctx, "invalidate", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE resources
			SET last_refreshed = NULL, updated_at = ?
			WHERE deleted_at IS NULL AND (external_id LIKE ? OR name LIKE ?)
		`, time.Now().UTC(), like, like)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

// SoftDeleteResource marks a resource deleted. The row is kept.
func (s *SQLiteStore) SoftDeleteResource(ctx context.Context, externalID string) error {
	return s.inTx(ctx, "soft_delete", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE resources SET deleted_at = ?, updated_at = ?
			WHERE external_id = ? AND deleted_at IS NULL
		`, time.Now().UTC(), time.Now().UTC(), externalID)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("resource not found: %s", externalID)
		}
		return nil
	})
}

// PruneDeleted removes soft-deleted rows older than the given age. This is
// the only hard-delete path and is invoked explicitly by the operator.
func (s *SQLiteStore) PruneDeleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	var pruned int64
	cutoff := time.Now().UTC().Add(-olderThan)
	err := s.inTx(ctx, "prune_deleted", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM resources WHERE deleted_at IS NOT NULL AND deleted_at < ?`, cutoff)
		if err != nil {
			return err
		}
		pruned, err = result.RowsAffected()
		return err
	})
	return pruned, err
}

// AddDependency inserts a dependency edge. Duplicate edges are idempotent
// no-ops; self-loops are rejected before touching the database.
func (s *SQLiteStore) AddDependency(ctx context.Context, edge *DependencyEdge) error {
	if edge.FromID == edge.ToID {
		return fmt.Errorf("self-loop rejected: %s", edge.FromID)
	}
	return s.inTx(ctx, "add_dependency", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO dependencies (from_id, to_id, kind, relationship, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, edge.FromID, edge.ToID, edge.Kind, edge.Relationship, time.Now().UTC())
		return err
	})
}

// ListDependencies returns all dependency edges.
func (s *SQLiteStore) ListDependencies(ctx context.Context) ([]DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id, to_id, kind, relationship, created_at
		FROM dependencies ORDER BY from_id, to_id
	`)
	if err != nil {
		return nil, &StorageError{Op: "list_dependencies", Attempts: 1, Err: err}
	}
	defer rows.Close()

	edges := []DependencyEdge{}
	for rows.Next() {
		var e DependencyEdge
		if err := rows.Scan(&e.FromID, &e.ToID, &e.Kind, &e.Relationship, &e.CreatedAt); err != nil {
			return nil, &StorageError{Op: "list_dependencies", Attempts: 1, Err: err}
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list_dependencies", Attempts: 1, Err: err}
	}
	return edges, nil
}

// DependenciesFrom returns the outgoing edges of one resource.
func (s *SQLiteStore) DependenciesFrom(ctx context.Context, fromID string) ([]DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id, to_id, kind, relationship, created_at
		FROM dependencies WHERE from_id = ? ORDER BY to_id
	`, fromID)
	if err != nil {
		return nil, &StorageError{Op: "dependencies_from", Attempts: 1, Err: err}
	}
	defer rows.Close()

	edges := []DependencyEdge{}
	for rows.Next() {
		var e DependencyEdge
		if err := rows.Scan(&e.FromID, &e.ToID, &e.Kind, &e.Relationship, &e.CreatedAt); err != nil {
			return nil, &StorageError{Op: "dependencies_from", Attempts: 1, Err: err}
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "dependencies_from", Attempts: 1, Err: err}
	}
	return edges, nil
}

// CreateOperation records a dispatched operation.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *OperationRecord) error {
	return s.inTx(ctx, "create_operation", func(tx *sql.Tx) error {
		params := op.Params
		if params == "" {
			params = "{}"
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO operations (id, capability, name, status, params, started_at, completed_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, op.ID, op.Capability, op.Name, op.Status, params, op.StartedAt, op.CompletedAt, op.CreatedAt)
		return err
	})
}

// GetOperation retrieves an operation record by id.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*OperationRecord, error) {
	op := &OperationRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, capability, name, status, params, started_at, completed_at, created_at
		FROM operations WHERE id = ?
	`, id).Scan(&op.ID, &op.Capability, &op.Name, &op.Status, &op.Params,
		&op.StartedAt, &op.CompletedAt, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("operation not found: %s", id)
	}
	if err != nil {
		return nil, &StorageError{Op: "get_operation", Attempts: 1, Err: err}
	}
	return op, nil
}

// UpdateOperationStatus finalizes an operation record. Terminal statuses set
// completed_at.
func (s *SQLiteStore) UpdateOperationStatus(ctx context.Context, id string, status OperationStatus) error {
	return s.inTx(ctx, "update_operation", func(tx *sql.Tx) error {
		var completedAt *time.Time
		if status == OpCompleted || status == OpFailed || status == OpSkipped {
			now := time.Now().UTC()
			completedAt = &now
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE operations SET status = ?, completed_at = ? WHERE id = ?
		`, status, completedAt, id)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("operation not found: %s", id)
		}
		return nil
	})
}

// ListOperations lists operation records, optionally filtered by capability,
// newest first.
func (s *SQLiteStore) ListOperations(ctx context.Context, capability string, limit, offset int) ([]OperationRecord, error) {
	query := `
		SELECT id, capability, name, status, params, started_at, completed_at, created_at
		FROM operations
		WHERE (? = '' OR capability = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, capability, capability, limit, offset)
	if err != nil {
		return nil, &StorageError{Op: "list_operations", Attempts: 1, Err: err}
	}
	defer rows.Close()

	ops := []OperationRecord{}
	for rows.Next() {
		var op OperationRecord
		if err := rows.Scan(&op.ID, &op.Capability, &op.Name, &op.Status, &op.Params,
			&op.StartedAt, &op.CompletedAt, &op.CreatedAt); err != nil {
			return nil, &StorageError{Op: "list_operations", Attempts: 1, Err: err}
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list_operations", Attempts: 1, Err: err}
	}
	return ops, nil
}

// AppendLog appends an entry to the operation log. The log is append-only;
// there is no update or delete path.
func (s *SQLiteStore) AppendLog(ctx context.Context, entry *OperationLogEntry) error {
	return s.inTx(ctx, "append_log", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO operation_logs (operation_id, level, message, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, entry.OperationID, entry.Level, entry.Message, entry.Metadata, entry.Timestamp)
		if err != nil {
			return err
		}
		id, err := result.LastInsertId()
		if err != nil {
			return err
		}
		entry.ID = id
		return nil
	})
}

// GetLogs returns the log entries of one operation in append order.
func (s *SQLiteStore) GetLogs(ctx context.Context, operationID string, limit int) ([]OperationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, level, message, metadata, timestamp
		FROM operation_logs WHERE operation_id = ?
		ORDER BY id ASC LIMIT ?
	`, operationID, limit)
	if err != nil {
		return nil, &StorageError{Op: "get_logs", Attempts: 1, Err: err}
	}
	defer rows.Close()

	entries := []OperationLogEntry{}
	for rows.Next() {
		var e OperationLogEntry
		if err := rows.Scan(&e.ID, &e.OperationID, &e.Level, &e.Message, &e.Metadata, &e.Timestamp); err != nil {
			return nil, &StorageError{Op: "get_logs", Attempts: 1, Err: err}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "get_logs", Attempts: 1, Err: err}
	}
	return entries, nil
}

// globToLike converts a glob-style pattern ('*' and '?') to a SQL LIKE
// pattern.
func globToLike(pattern string) string {
	return strings.NewReplacer("*", "%", "?", "_").Replace(pattern)
}
