package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/cumulus/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode. Transactions
// begin IMMEDIATE so read-modify-write sequences never deadlock on upgrade.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
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

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// inTx runs fn in one transaction, rolling back on error.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const resourceColumns = `id, kind, remote_id, state, tenant, spec, operation, token, handle,
	operation_started_at, error_message, parent_id, cancel_requested, created_at, updated_at`

// CreateResources inserts a batch of resources and their admission records.
func (s *SQLiteStore) CreateResources(ctx context.Context, resources []*engine.ManagedResource) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO resources (` + resourceColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		for _, r := range resources {
			args, err := resourceArgs(r)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				if isConstraintError(err) {
					return engine.NewConflictError(engine.ErrCodeValidation, "resource already exists").WithResource(r.ID)
				}
				return fmt.Errorf("failed to create resource %s: %w", r.ID, err)
			}
			rec := &engine.TransitionRecord{
				ResourceID: r.ID,
				Kind:       r.Kind,
				To:         r.State,
				Event:      "admitted",
				At:         r.CreatedAt,
			}
			if err := insertTransition(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetResource retrieves a resource by ID
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*engine.ManagedResource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE id = ?`

	r, err := scanResource(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("resource", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return r, nil
}

// ListResources returns resources matching the filter, oldest first.
func (s *SQLiteStore) ListResources(ctx context.Context, filter engine.ResourceFilter) ([]*engine.ManagedResource, error) {
	var where []string
	var args []any
	if filter.Tenant != "" {
		where = append(where, "tenant = ?")
		args = append(args, filter.Tenant)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, toNanos(filter.UpdatedBefore))
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + resourceColumns + ` FROM resources`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*engine.ManagedResource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return resources, nil
}

// UpdateResource persists r and appends rec to the history.
func (s *SQLiteStore) UpdateResource(ctx context.Context, r *engine.ManagedResource, rec *engine.TransitionRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		args, err := resourceArgs(r)
		if err != nil {
			return err
		}
		query := `
			UPDATE resources
			SET kind = ?, remote_id = ?, state = ?, tenant = ?, spec = ?, operation = ?, token = ?,
				handle = ?, operation_started_at = ?, error_message = ?, parent_id = ?,
				cancel_requested = ?, created_at = ?, updated_at = ?
			WHERE id = ?
		`
		result, err := tx.ExecContext(ctx, query, append(args[1:], r.ID)...)
		if err != nil {
			if isConstraintError(err) {
				return engine.NewConflictError(engine.ErrCodeValidation, "remote id already belongs to another resource").WithResource(r.ID)
			}
			return fmt.Errorf("failed to update resource: %w", err)
		}
		if err := requireRow(result, "resource", r.ID); err != nil {
			return err
		}
		if rec != nil {
			return insertTransition(ctx, tx, rec)
		}
		return nil
	})
}

// DeleteResource removes the resource row and appends rec to the history.
func (s *SQLiteStore) DeleteResource(ctx context.Context, id string, rec *engine.TransitionRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete resource: %w", err)
		}
		if err := requireRow(result, "resource", id); err != nil {
			return err
		}
		if rec != nil {
			return insertTransition(ctx, tx, rec)
		}
		return nil
	})
}

// ListTransitions returns the history of a resource in commit order.
func (s *SQLiteStore) ListTransitions(ctx context.Context, resourceID string) ([]*engine.TransitionRecord, error) {
	query := `
		SELECT id, resource_id, kind, from_state, to_state, event, message, at
		FROM transitions
		WHERE resource_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	records := []*engine.TransitionRecord{}
	for rows.Next() {
		rec := &engine.TransitionRecord{}
		var kind, from, to string
		var at int64
		if err := rows.Scan(&rec.ID, &rec.ResourceID, &kind, &from, &to, &rec.Event, &rec.Message, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		rec.Kind = engine.Kind(kind)
		rec.From = engine.ResourceState(from)
		rec.To = engine.ResourceState(to)
		rec.At = fromNanos(at)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return records, nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, rec *engine.TransitionRecord) error {
	query := `
		INSERT INTO transitions (resource_id, kind, from_state, to_state, event, message, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, query,
		rec.ResourceID,
		string(rec.Kind),
		string(rec.From),
		string(rec.To),
		rec.Event,
		rec.Message,
		toNanos(rec.At),
	)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// resourceArgs returns the column values of r in resourceColumns order.
func resourceArgs(r *engine.ManagedResource) ([]any, error) {
	spec, err := engine.EncodeSpec(r.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode spec of %s: %w", r.ID, err)
	}
	var handle *string
	if r.Handle != nil {
		data, err := json.Marshal(r.Handle)
		if err != nil {
			return nil, fmt.Errorf("failed to encode handle of %s: %w", r.ID, err)
		}
		h := string(data)
		handle = &h
	}
	var startedAt *int64
	if r.OperationStartedAt != nil {
		n := toNanos(*r.OperationStartedAt)
		startedAt = &n
	}
	return []any{
		r.ID,
		string(r.Kind),
		r.RemoteID,
		string(r.State),
		r.Tenant,
		string(spec),
		string(r.Operation),
		r.Token,
		handle,
		startedAt,
		r.ErrorMessage,
		r.ParentID,
		r.CancelRequested,
		toNanos(r.CreatedAt),
		toNanos(r.UpdatedAt),
	}, nil
}

func scanResource(row rowScanner) (*engine.ManagedResource, error) {
	r := &engine.ManagedResource{}
	var (
		kind, state, spec, operation string
		handle                       sql.NullString
		startedAt                    sql.NullInt64
		createdAt, updatedAt         int64
	)
	err := row.Scan(
		&r.ID,
		&kind,
		&r.RemoteID,
		&state,
		&r.Tenant,
		&spec,
		&operation,
		&r.Token,
		&handle,
		&startedAt,
		&r.ErrorMessage,
		&r.ParentID,
		&r.CancelRequested,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Kind = engine.Kind(kind)
	r.State = engine.ResourceState(state)
	r.Operation = engine.OperationType(operation)
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)

	if r.Spec, err = engine.DecodeSpec(r.Kind, []byte(spec)); err != nil {
		return nil, fmt.Errorf("resource %s: %w", r.ID, err)
	}
	if handle.Valid {
		r.Handle = &engine.OperationHandle{}
		if err := json.Unmarshal([]byte(handle.String), r.Handle); err != nil {
			return nil, fmt.Errorf("resource %s: failed to decode handle: %w", r.ID, err)
		}
	}
	if startedAt.Valid {
		t := fromNanos(startedAt.Int64)
		r.OperationStartedAt = &t
	}
	return r, nil
}

func requireRow(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError(what, id)
	}
	return nil
}

func isConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
