package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// MinScheduleInterval is the shortest interval a schedule accepts.
const MinScheduleInterval = time.Minute

// CreateSchedule validates and stores a new active schedule. Its first
// backup is due one interval from now.
func (c *Coordinator) CreateSchedule(ctx context.Context, s *engine.BackupSchedule) (*engine.BackupSchedule, error) {
	if s.Interval < MinScheduleInterval {
		return nil, engine.NewValidationError(fmt.Sprintf("interval must be at least %s", MinScheduleInterval), nil)
	}
	if s.Retention < 0 || s.MaxBackups < 0 {
		return nil, engine.NewValidationError("retention and max_backups must not be negative", nil)
	}
	instance, err := c.store.GetResource(ctx, s.InstanceID)
	if err != nil {
		return nil, err
	}
	if instance.Kind != engine.KindInstance || instance.Tenant != s.Tenant {
		return nil, engine.NewNotFoundError("instance", s.InstanceID)
	}

	now := c.clock.Now().UTC()
	sc := *s
	sc.ID = uuid.New().String()
	sc.IsActive = true
	sc.ErrorMessage = ""
	sc.NextTriggerAt = now.Add(sc.Interval)
	sc.CreatedAt = now
	sc.UpdatedAt = now
	if err := c.store.CreateSchedule(ctx, &sc); err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}
	return &sc, nil
}

// ListSchedules returns the schedules of a tenant.
func (c *Coordinator) ListSchedules(ctx context.Context, tenant string) ([]*engine.BackupSchedule, error) {
	return c.store.ListSchedules(ctx, tenant)
}

// DeleteSchedule removes a schedule. Backups it created are kept.
func (c *Coordinator) DeleteSchedule(ctx context.Context, id string) error {
	return c.store.DeleteSchedule(ctx, id)
}

// ActivateSchedule re-enables a schedule and clears its error.
func (c *Coordinator) ActivateSchedule(ctx context.Context, id string) error {
	sc, err := c.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	now := c.clock.Now().UTC()
	sc.IsActive = true
	sc.ErrorMessage = ""
	sc.NextTriggerAt = now.Add(sc.Interval)
	sc.UpdatedAt = now
	return c.store.UpdateSchedule(ctx, sc)
}

// TriggerDue creates a backup for every active schedule whose trigger time
// has passed, then rotates out the oldest backups beyond MaxBackups. It
// returns the number of backups started.
func (c *Coordinator) TriggerDue(ctx context.Context) (int, error) {
	now := c.clock.Now().UTC()
	due, err := c.store.ListDueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due schedules: %w", err)
	}

	started := 0
	for _, sc := range due {
		// The next trigger is stored first so a failing backup cannot be
		// retried in a tight loop.
		for !sc.NextTriggerAt.After(now) {
			sc.NextTriggerAt = sc.NextTriggerAt.Add(sc.Interval)
		}
		sc.UpdatedAt = now
		if err := c.store.UpdateSchedule(ctx, sc); err != nil {
			return started, fmt.Errorf("failed to update schedule %s: %w", sc.ID, err)
		}

		var keptUntil time.Time
		if sc.Retention > 0 {
			keptUntil = now.Add(sc.Retention)
		}
		if _, err := c.createBackup(ctx, sc.Tenant, sc.InstanceID, "Scheduled backup", keptUntil, sc.ID); err != nil {
			c.failSchedule(ctx, sc.ID, sc.InstanceID, err.Error())
			continue
		}
		started++
		if sc.MaxBackups > 0 {
			c.rotate(ctx, sc)
		}
	}
	return started, nil
}

// rotate deletes the oldest OK backups of a schedule beyond MaxBackups.
func (c *Coordinator) rotate(ctx context.Context, sc *engine.BackupSchedule) {
	backups, err := c.store.ListResources(ctx, engine.ResourceFilter{Kind: engine.KindBackup, ParentID: sc.ID})
	if err != nil {
		c.logger.Error().Err(err).Str("schedule_id", sc.ID).Msg("Failed to list scheduled backups")
		return
	}
	var kept []*engine.ManagedResource
	for _, b := range backups {
		if b.Operation != engine.OperationDelete {
			kept = append(kept, b)
		}
	}
	excess := len(kept) - sc.MaxBackups
	for _, b := range kept {
		if excess <= 0 {
			return
		}
		if b.State != engine.StateOK {
			continue
		}
		if err := c.DeleteBackup(ctx, b.ID); err != nil {
			c.logger.Warn().Err(err).Str("backup_id", b.ID).Msg("Failed to rotate backup")
			continue
		}
		excess--
	}
}

func (c *Coordinator) deactivateSchedule(ctx context.Context, backup *engine.ManagedResource) {
	instanceID := ""
	if spec, ok := backup.Spec.(*engine.BackupSpec); ok {
		instanceID = spec.InstanceID
	}
	c.failSchedule(ctx, backup.ParentID, instanceID, backup.ErrorMessage)
}

// failSchedule deactivates a schedule and records why.
func (c *Coordinator) failSchedule(ctx context.Context, scheduleID, instanceID, reason string) {
	sc, err := c.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		if !engine.IsNotFound(err) {
			c.logger.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to load schedule")
		}
		return
	}
	sc.IsActive = false
	sc.ErrorMessage = fmt.Sprintf("Failed to execute backup schedule for %s. Error: %s", instanceID, reason)
	sc.UpdatedAt = c.clock.Now().UTC()
	if err := c.store.UpdateSchedule(ctx, sc); err != nil {
		c.logger.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to deactivate schedule")
		return
	}
	c.logger.Warn().Str("schedule_id", scheduleID).Str("reason", reason).Msg("Backup schedule deactivated")
}

// DeleteExpired deletes OK backups whose kept-until time has passed and
// returns how many deletions were started.
func (c *Coordinator) DeleteExpired(ctx context.Context) (int, error) {
	backups, err := c.store.ListResources(ctx, engine.ResourceFilter{
		Kind:   engine.KindBackup,
		States: []engine.ResourceState{engine.StateOK},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list backups: %w", err)
	}
	now := c.clock.Now()
	deleted := 0
	for _, b := range backups {
		spec, ok := b.Spec.(*engine.BackupSpec)
		if !ok || spec.KeptUntil == "" {
			continue
		}
		keptUntil, err := time.Parse(time.RFC3339, spec.KeptUntil)
		if err != nil || keptUntil.After(now) {
			continue
		}
		if err := c.DeleteBackup(ctx, b.ID); err != nil {
			c.logger.Warn().Err(err).Str("backup_id", b.ID).Msg("Failed to delete expired backup")
			continue
		}
		deleted++
	}
	return deleted, nil
}
