package backup

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// RestoreOptions override the instance configuration captured in a backup.
type RestoreOptions struct {
	// Name of the restored instance. Defaults to the backed up name.
	Name string `json:"name,omitempty" validate:"omitempty,max=255"`

	// Flavor of the restored instance. Defaults to the backed up flavor.
	Flavor string `json:"flavor,omitempty"`

	// SecurityGroupIDs replace the backed up security groups when set.
	SecurityGroupIDs []string `json:"security_group_ids,omitempty"`
}

// CreateRestoration restores an OK backup into a new instance. One volume is
// created from each snapshot, then an instance booting from the first one.
// The returned restoration lists the volumes first and the instance last.
func (c *Coordinator) CreateRestoration(ctx context.Context, backupID string, opts RestoreOptions) (*engine.BackupRestoration, error) {
	backup, spec, err := c.getBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if backup.State != engine.StateOK {
		return nil, engine.NewConflictError(engine.ErrCodeNotReady,
			fmt.Sprintf("backup is %s, only OK backups can be restored", backup.State)).WithResource(backupID)
	}
	snapshots, err := c.snapshots(ctx, backupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots of %s: %w", backupID, err)
	}
	if len(snapshots) == 0 {
		return nil, engine.NewValidationError("backup has no snapshots", nil).WithResource(backupID)
	}

	meta := spec.Metadata
	name := firstNonEmpty(opts.Name, meta[MetaName])
	restorationID := uuid.New().String()

	intents := make([]*engine.Intent, 0, len(snapshots)+1)
	volumeIDs := make([]string, 0, len(snapshots))
	for _, s := range snapshots {
		ss := s.Spec.(*engine.SnapshotSpec)
		size, _ := strconv.Atoi(ss.Metadata[MetaVolumeSizeMiB])
		if size <= 0 {
			size = 1024
		}
		id := uuid.New().String()
		volumeIDs = append(volumeIDs, id)
		intents = append(intents, &engine.Intent{
			ID:       id,
			ParentID: restorationID,
			Spec: &engine.VolumeSpec{
				Name:        name + "-volume",
				Description: "Restored from backup " + backupID,
				SizeMiB:     size,
				SnapshotID:  s.ID,
			},
		})
	}

	instance := &engine.InstanceSpec{
		Name:             name,
		Flavor:           firstNonEmpty(opts.Flavor, meta[MetaFlavor]),
		KeyName:          meta[MetaKeyName],
		UserData:         meta[MetaUserData],
		VolumeIDs:        volumeIDs,
		SecurityGroupIDs: opts.SecurityGroupIDs,
	}
	instance.MinRAM, _ = strconv.Atoi(meta[MetaMinRAM])
	instance.MinDisk, _ = strconv.Atoi(meta[MetaMinDisk])
	if instance.SecurityGroupIDs == nil && meta[MetaSecurityGroupIDs] != "" {
		instance.SecurityGroupIDs = strings.Split(meta[MetaSecurityGroupIDs], ",")
	}
	instanceID := uuid.New().String()
	intents = append(intents, &engine.Intent{ID: instanceID, ParentID: restorationID, Spec: instance})

	ids, err := c.engine.SubmitBatch(ctx, backup.Tenant, intents)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now().UTC()
	restoration := &engine.BackupRestoration{
		ID:                 restorationID,
		BackupID:           backupID,
		Tenant:             backup.Tenant,
		CreatedResourceIDs: ids,
		State:              engine.StateCreationScheduled,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := c.store.CreateRestoration(ctx, restoration); err != nil {
		for _, id := range ids {
			if cerr := c.engine.Cancel(ctx, id); cerr != nil {
				c.logger.Warn().Err(cerr).Str("resource_id", id).Msg("Failed to cancel restored resource")
			}
		}
		return nil, fmt.Errorf("failed to record restoration: %w", err)
	}
	// Resources may have progressed before the record existed.
	c.aggregateRestoration(ctx, restorationID)

	c.logger.Info().
		Str("backup_id", backupID).
		Str("restoration_id", restorationID).
		Str("instance_id", instanceID).
		Msg("Restoration started")
	return c.store.GetRestoration(ctx, restorationID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ListRestorations returns the restorations of a backup, oldest first.
// Restorations outlive the backup they came from.
func (c *Coordinator) ListRestorations(ctx context.Context, backupID string) ([]*engine.BackupRestoration, error) {
	list, err := c.store.ListRestorations(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		if _, _, err := c.getBackup(ctx, backupID); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// GetRestoration returns one restoration.
func (c *Coordinator) GetRestoration(ctx context.Context, id string) (*engine.BackupRestoration, error) {
	return c.store.GetRestoration(ctx, id)
}

// aggregateRestoration derives the state of an unfinished restoration from
// the resources it created. Finished restorations are never revisited.
func (c *Coordinator) aggregateRestoration(ctx context.Context, id string) {
	c.restorations.Lock(id)
	defer c.restorations.Unlock(id)

	rs, err := c.store.GetRestoration(ctx, id)
	if err != nil {
		if !engine.IsNotFound(err) {
			c.logger.Error().Err(err).Str("restoration_id", id).Msg("Failed to load restoration")
		}
		return
	}
	if !rs.State.IsActive() {
		return
	}

	state, message := engine.StateCreationScheduled, ""
	settled, started := 0, false
	for _, rid := range rs.CreatedResourceIDs {
		r, err := c.store.GetResource(ctx, rid)
		if engine.IsNotFound(err) {
			state, message = engine.StateErred, fmt.Sprintf("restored resource %s was removed", rid)
			break
		}
		if err != nil {
			c.logger.Error().Err(err).Str("restoration_id", id).Msg("Failed to load restored resource")
			return
		}
		if r.State == engine.StateErred {
			state, message = engine.StateErred, fmt.Sprintf("%s %s failed: %s", r.Kind, r.ID, r.ErrorMessage)
			break
		}
		if r.State == engine.StateOK {
			settled++
		}
		if r.State != engine.StateCreationScheduled {
			started = true
		}
	}
	if state != engine.StateErred {
		switch {
		case settled == len(rs.CreatedResourceIDs):
			state = engine.StateOK
		case started:
			state = engine.StateCreating
		}
	}
	if state == rs.State {
		return
	}

	rs.State = state
	rs.ErrorMessage = message
	rs.UpdatedAt = c.clock.Now().UTC()
	if err := c.store.UpdateRestoration(ctx, rs); err != nil {
		c.logger.Error().Err(err).Str("restoration_id", id).Msg("Failed to update restoration")
		return
	}
	c.publish(ctx, &engine.ManagedResource{ID: rs.BackupID, Kind: engine.KindBackup, Tenant: rs.Tenant, State: rs.State},
		engine.EventTypeRestorationState, fmt.Sprintf("restoration %s is %s", rs.ID, rs.State))
}
