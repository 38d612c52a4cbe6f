package stores

import (
	"context"
	"time"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// Store is the durable persistence layer. One SQLite database holds the
// resources, their history, the admission counters and the backup records.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Resources and transition history
	engine.Store

	// Admission counters
	UpdateCounters(ctx context.Context, tenant string, fn func(counters map[engine.Kind]*engine.QuotaCounter) error) error
	ListCounters(ctx context.Context, tenant string) ([]*engine.QuotaCounter, error)
	ListTenants(ctx context.Context) ([]string, error)

	// Restoration operations
	CreateRestoration(ctx context.Context, r *engine.BackupRestoration) error
	GetRestoration(ctx context.Context, id string) (*engine.BackupRestoration, error)
	UpdateRestoration(ctx context.Context, r *engine.BackupRestoration) error
	ListRestorations(ctx context.Context, backupID string) ([]*engine.BackupRestoration, error)

	// Schedule operations
	CreateSchedule(ctx context.Context, s *engine.BackupSchedule) error
	GetSchedule(ctx context.Context, id string) (*engine.BackupSchedule, error)
	UpdateSchedule(ctx context.Context, s *engine.BackupSchedule) error
	ListSchedules(ctx context.Context, tenant string) ([]*engine.BackupSchedule, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]*engine.BackupSchedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Event operations
	AppendEvent(ctx context.Context, event *engine.Event) error
	ListEvents(ctx context.Context, filter engine.EventFilter) ([]*engine.Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
