package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/cumulus/pkg/engine"
)

const restorationColumns = `id, backup_id, tenant, created_resource_ids, state, error_message, created_at, updated_at`

// CreateRestoration creates a new restoration record
func (s *SQLiteStore) CreateRestoration(ctx context.Context, r *engine.BackupRestoration) error {
	ids, err := json.Marshal(nonNil(r.CreatedResourceIDs))
	if err != nil {
		return fmt.Errorf("failed to encode restoration resources: %w", err)
	}
	query := `INSERT INTO restorations (` + restorationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		r.ID,
		r.BackupID,
		r.Tenant,
		string(ids),
		string(r.State),
		r.ErrorMessage,
		toNanos(r.CreatedAt),
		toNanos(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create restoration: %w", err)
	}
	return nil
}

// GetRestoration retrieves a restoration by ID
func (s *SQLiteStore) GetRestoration(ctx context.Context, id string) (*engine.BackupRestoration, error) {
	query := `SELECT ` + restorationColumns + ` FROM restorations WHERE id = ?`

	r, err := scanRestoration(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("restoration", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get restoration: %w", err)
	}
	return r, nil
}

// UpdateRestoration persists the resources, state and error of r.
func (s *SQLiteStore) UpdateRestoration(ctx context.Context, r *engine.BackupRestoration) error {
	ids, err := json.Marshal(nonNil(r.CreatedResourceIDs))
	if err != nil {
		return fmt.Errorf("failed to encode restoration resources: %w", err)
	}
	query := `
		UPDATE restorations
		SET created_resource_ids = ?, state = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, string(ids), string(r.State), r.ErrorMessage, toNanos(r.UpdatedAt), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update restoration: %w", err)
	}
	return requireRow(result, "restoration", r.ID)
}

// ListRestorations lists the restorations of a backup, oldest first.
func (s *SQLiteStore) ListRestorations(ctx context.Context, backupID string) ([]*engine.BackupRestoration, error) {
	query := `SELECT ` + restorationColumns + ` FROM restorations WHERE backup_id = ? ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, backupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list restorations: %w", err)
	}
	defer rows.Close()

	restorations := []*engine.BackupRestoration{}
	for rows.Next() {
		r, err := scanRestoration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan restoration: %w", err)
		}
		restorations = append(restorations, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating restorations: %w", err)
	}
	return restorations, nil
}

func scanRestoration(row rowScanner) (*engine.BackupRestoration, error) {
	r := &engine.BackupRestoration{}
	var ids, state string
	var createdAt, updatedAt int64
	if err := row.Scan(&r.ID, &r.BackupID, &r.Tenant, &ids, &state, &r.ErrorMessage, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ids), &r.CreatedResourceIDs); err != nil {
		return nil, fmt.Errorf("restoration %s: failed to decode resources: %w", r.ID, err)
	}
	r.State = engine.ResourceState(state)
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	return r, nil
}

const scheduleColumns = `id, tenant, instance_id, interval_ns, retention_ns, max_backups, is_active,
	next_trigger_at, error_message, created_at, updated_at`

// CreateSchedule creates a new backup schedule
func (s *SQLiteStore) CreateSchedule(ctx context.Context, sc *engine.BackupSchedule) error {
	query := `INSERT INTO backup_schedules (` + scheduleColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		sc.ID,
		sc.Tenant,
		sc.InstanceID,
		int64(sc.Interval),
		int64(sc.Retention),
		sc.MaxBackups,
		sc.IsActive,
		toNanos(sc.NextTriggerAt),
		sc.ErrorMessage,
		toNanos(sc.CreatedAt),
		toNanos(sc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID
func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*engine.BackupSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM backup_schedules WHERE id = ?`

	sc, err := scanSchedule(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("schedule", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return sc, nil
}

// UpdateSchedule persists every mutable field of sc.
func (s *SQLiteStore) UpdateSchedule(ctx context.Context, sc *engine.BackupSchedule) error {
	query := `
		UPDATE backup_schedules
		SET interval_ns = ?, retention_ns = ?, max_backups = ?, is_active = ?,
			next_trigger_at = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		int64(sc.Interval),
		int64(sc.Retention),
		sc.MaxBackups,
		sc.IsActive,
		toNanos(sc.NextTriggerAt),
		sc.ErrorMessage,
		toNanos(sc.UpdatedAt),
		sc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	return requireRow(result, "schedule", sc.ID)
}

// ListSchedules lists the schedules of a tenant. An empty tenant lists all.
func (s *SQLiteStore) ListSchedules(ctx context.Context, tenant string) ([]*engine.BackupSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM backup_schedules`
	var args []any
	if tenant != "" {
		query += ` WHERE tenant = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY created_at, id`
	return s.querySchedules(ctx, query, args...)
}

// ListDueSchedules lists active schedules whose trigger time has passed.
func (s *SQLiteStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*engine.BackupSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM backup_schedules
		WHERE is_active = 1 AND next_trigger_at <= ?
		ORDER BY next_trigger_at, id`
	return s.querySchedules(ctx, query, toNanos(now))
}

// DeleteSchedule deletes a schedule by ID
func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM backup_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return requireRow(result, "schedule", id)
}

func (s *SQLiteStore) querySchedules(ctx context.Context, query string, args ...any) ([]*engine.BackupSchedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	schedules := []*engine.BackupSchedule{}
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}
	return schedules, nil
}

func scanSchedule(row rowScanner) (*engine.BackupSchedule, error) {
	sc := &engine.BackupSchedule{}
	var interval, retention, next, createdAt, updatedAt int64
	err := row.Scan(
		&sc.ID,
		&sc.Tenant,
		&sc.InstanceID,
		&interval,
		&retention,
		&sc.MaxBackups,
		&sc.IsActive,
		&next,
		&sc.ErrorMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	sc.Interval = time.Duration(interval)
	sc.Retention = time.Duration(retention)
	sc.NextTriggerAt = fromNanos(next)
	sc.CreatedAt = fromNanos(createdAt)
	sc.UpdatedAt = fromNanos(updatedAt)
	return sc, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
