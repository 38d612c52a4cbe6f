package stores

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// UpdateCounters loads every counter of tenant, runs fn and writes the
// counters back, all inside one BEGIN IMMEDIATE transaction. Concurrent
// callers for any tenant are serialized by the database write lock.
func (s *SQLiteStore) UpdateCounters(ctx context.Context, tenant string, fn func(counters map[engine.Kind]*engine.QuotaCounter) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		counters, err := queryCounters(ctx, tx, tenant)
		if err != nil {
			return err
		}
		byKind := make(map[engine.Kind]*engine.QuotaCounter, len(counters))
		for _, qc := range counters {
			byKind[qc.Kind] = qc
		}

		if err := fn(byKind); err != nil {
			return err
		}

		query := `
			INSERT INTO quota_counters (tenant, kind, usage, pending, quota_limit)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (tenant, kind) DO UPDATE SET
				usage = excluded.usage,
				pending = excluded.pending,
				quota_limit = excluded.quota_limit
		`
		for kind, qc := range byKind {
			if _, err := tx.ExecContext(ctx, query, tenant, string(kind), qc.Usage, qc.Pending, qc.Limit); err != nil {
				return fmt.Errorf("failed to write %s counter: %w", kind, err)
			}
		}
		return nil
	})
}

// ListCounters returns the stored counters of tenant ordered by kind.
func (s *SQLiteStore) ListCounters(ctx context.Context, tenant string) ([]*engine.QuotaCounter, error) {
	counters, err := queryCounters(ctx, s.db, tenant)
	if err != nil {
		return nil, err
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].Kind < counters[j].Kind })
	return counters, nil
}

// ListTenants returns every tenant that has stored counters, sorted.
func (s *SQLiteStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant FROM quota_counters ORDER BY tenant`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	tenants := []string{}
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", err)
	}
	return tenants, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryCounters(ctx context.Context, q querier, tenant string) ([]*engine.QuotaCounter, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT kind, usage, pending, quota_limit FROM quota_counters WHERE tenant = ?`, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to query counters: %w", err)
	}
	defer rows.Close()

	counters := []*engine.QuotaCounter{}
	for rows.Next() {
		qc := &engine.QuotaCounter{Tenant: tenant}
		var kind string
		if err := rows.Scan(&kind, &qc.Usage, &qc.Pending, &qc.Limit); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		qc.Kind = engine.Kind(kind)
		counters = append(counters, qc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counters: %w", err)
	}
	return counters, nil
}
