package service

import (
	"context"
	"time"

	"github.com/openfroyo/cumulus/pkg/backup"
	"github.com/openfroyo/cumulus/pkg/engine"
	"github.com/openfroyo/cumulus/pkg/telemetry"
)

// CreateBackup backs up every volume of an OK instance. A zero keptUntil
// keeps the backup until it is deleted.
func (s *Service) CreateBackup(ctx context.Context, tenant, instanceID, description string, keptUntil time.Time) (id string, err error) {
	op := s.begin(ctx, "create_backup", instanceID, engine.KindInstance)
	defer func() { op.End(err) }()

	id, err = s.backups.CreateBackup(op.Ctx, tenant, instanceID, description, keptUntil)
	if err != nil {
		return "", err
	}
	op.Event("Backup scheduled", telemetry.AttrTenant.String(tenant), telemetry.AttrResourceID.String(id))
	return id, nil
}

// GetBackup returns a backup with its snapshots and restorations.
func (s *Service) GetBackup(ctx context.Context, id string) (b *backup.Backup, err error) {
	op := s.begin(ctx, "get_backup", id, engine.KindBackup)
	defer func() { op.End(err) }()

	return s.backups.GetBackup(op.Ctx, id)
}

// ListBackups returns the backups of a tenant.
func (s *Service) ListBackups(ctx context.Context, tenant string) ([]*engine.ManagedResource, error) {
	return s.backups.ListBackups(ctx, tenant)
}

// DeleteBackup deletes a backup and its snapshots in one call.
func (s *Service) DeleteBackup(ctx context.Context, id string) (err error) {
	op := s.begin(ctx, "delete_backup", id, engine.KindBackup)
	defer func() { op.End(err) }()

	return s.backups.DeleteBackup(op.Ctx, id)
}

// CreateRestoration starts restoring a backup into new resources. Each call
// creates an independent restoration.
func (s *Service) CreateRestoration(ctx context.Context, backupID string, opts backup.RestoreOptions) (r *engine.BackupRestoration, err error) {
	op := s.begin(ctx, "create_restoration", backupID, engine.KindBackup)
	defer func() { op.End(err) }()

	return s.backups.CreateRestoration(op.Ctx, backupID, opts)
}

// ListRestorations returns the restorations of a backup, oldest first.
// Restorations remain listed after their backup is deleted.
func (s *Service) ListRestorations(ctx context.Context, backupID string) ([]*engine.BackupRestoration, error) {
	return s.backups.ListRestorations(ctx, backupID)
}

// GetRestoration returns one restoration.
func (s *Service) GetRestoration(ctx context.Context, id string) (*engine.BackupRestoration, error) {
	return s.backups.GetRestoration(ctx, id)
}

// CreateSchedule creates a recurring backup of an instance.
func (s *Service) CreateSchedule(ctx context.Context, sc *engine.BackupSchedule) (created *engine.BackupSchedule, err error) {
	op := s.begin(ctx, "create_schedule", sc.InstanceID, engine.KindInstance)
	defer func() { op.End(err) }()

	return s.backups.CreateSchedule(op.Ctx, sc)
}

// ListSchedules returns the backup schedules of a tenant.
func (s *Service) ListSchedules(ctx context.Context, tenant string) ([]*engine.BackupSchedule, error) {
	return s.backups.ListSchedules(ctx, tenant)
}

// DeleteSchedule removes a schedule. Its backups are kept.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	return s.backups.DeleteSchedule(ctx, id)
}

// ActivateSchedule re-enables a schedule deactivated by a failure.
func (s *Service) ActivateSchedule(ctx context.Context, id string) error {
	return s.backups.ActivateSchedule(ctx, id)
}
