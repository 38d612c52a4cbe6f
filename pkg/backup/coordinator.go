package backup

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// Metadata keys captured on backups and their snapshots.
const (
	MetaName             = "name"
	MetaFlavor           = "flavor"
	MetaImage            = "image"
	MetaMinRAM           = "min_ram"
	MetaMinDisk          = "min_disk"
	MetaKeyName          = "key_name"
	MetaUserData         = "user_data"
	MetaSecurityGroupIDs = "security_group_ids"
	MetaSnapshotCount    = "snapshot_count"

	MetaVolumeIndex       = "volume_index"
	MetaVolumeName        = "source_volume_name"
	MetaVolumeDescription = "source_volume_description"
	MetaVolumeSizeMiB     = "source_volume_size_mib"
	MetaVolumeImage       = "source_volume_image_name"
)

// Engine is the part of the orchestrator the coordinator drives.
type Engine interface {
	SubmitBatch(ctx context.Context, tenant string, intents []*engine.Intent) ([]string, error)
	ScheduleDeletion(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, op engine.OperationType) error
	RescheduleComposite(ctx context.Context, id string, op engine.OperationType) error
	ApplyEvent(ctx context.Context, id string, event engine.LifecycleEvent) (*engine.ManagedResource, error)
	Cancel(ctx context.Context, id string) error
}

// Store persists resources, restorations and schedules.
type Store interface {
	engine.Store

	CreateRestoration(ctx context.Context, r *engine.BackupRestoration) error
	GetRestoration(ctx context.Context, id string) (*engine.BackupRestoration, error)
	UpdateRestoration(ctx context.Context, r *engine.BackupRestoration) error
	ListRestorations(ctx context.Context, backupID string) ([]*engine.BackupRestoration, error)

	CreateSchedule(ctx context.Context, s *engine.BackupSchedule) error
	GetSchedule(ctx context.Context, id string) (*engine.BackupSchedule, error)
	UpdateSchedule(ctx context.Context, s *engine.BackupSchedule) error
	ListSchedules(ctx context.Context, tenant string) ([]*engine.BackupSchedule, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]*engine.BackupSchedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// Coordinator runs backup and restore workflows on top of the orchestrator.
type Coordinator struct {
	engine    Engine
	store     Store
	publisher engine.EventPublisher
	clock     clock.Clock
	logger    zerolog.Logger

	// backups serialises the workflow steps of one backup.
	backups *kmutex.Kmutex

	// restorations serialises state aggregation per restoration.
	restorations *kmutex.Kmutex
}

// NewCoordinator creates a coordinator. OnTransition must be registered as
// an orchestrator hook for backups and restorations to make progress.
func NewCoordinator(e Engine, store Store, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		engine:       e,
		store:        store,
		clock:        clock.WallClock,
		logger:       logger.With().Str("component", "backup").Logger(),
		backups:      kmutex.New(),
		restorations: kmutex.New(),
	}
}

// SetClock replaces the time source used for schedules and retention.
func (c *Coordinator) SetClock(clk clock.Clock) { c.clock = clk }

// SetEventPublisher installs the sink for backup and restoration events.
func (c *Coordinator) SetEventPublisher(p engine.EventPublisher) { c.publisher = p }

// Backup is a backup with its constituents and restorations.
type Backup struct {
	*engine.ManagedResource
	Snapshots    []*engine.ManagedResource   `json:"snapshots"`
	Restorations []*engine.BackupRestoration `json:"restorations"`
}

// CreateBackup snapshots every volume of an OK instance. The backup and its
// snapshots are admitted together or not at all. A zero keptUntil keeps
// the backup until it is deleted.
func (c *Coordinator) CreateBackup(ctx context.Context, tenant, instanceID, description string, keptUntil time.Time) (string, error) {
	return c.createBackup(ctx, tenant, instanceID, description, keptUntil, "")
}

func (c *Coordinator) createBackup(ctx context.Context, tenant, instanceID, description string, keptUntil time.Time, scheduleID string) (string, error) {
	instance, err := c.store.GetResource(ctx, instanceID)
	if err != nil {
		return "", err
	}
	spec, ok := instance.Spec.(*engine.InstanceSpec)
	if !ok || instance.Kind != engine.KindInstance {
		return "", engine.NewValidationError(fmt.Sprintf("%s %s cannot be backed up", instance.Kind, instanceID), nil)
	}
	if instance.Tenant != tenant {
		return "", engine.NewNotFoundError("instance", instanceID)
	}
	if instance.State != engine.StateOK {
		return "", engine.NewConflictError(engine.ErrCodeNotReady,
			fmt.Sprintf("instance is %s, only OK instances can be backed up", instance.State)).WithResource(instanceID)
	}
	if len(spec.VolumeIDs) == 0 {
		return "", engine.NewValidationError("instance has no volumes to back up", nil).WithResource(instanceID)
	}

	backupID := uuid.New().String()
	c.backups.Lock(backupID)
	defer c.backups.Unlock(backupID)

	backupSpec := &engine.BackupSpec{
		InstanceID:  instanceID,
		Description: description,
		Metadata:    instanceMetadata(spec),
	}
	backupSpec.Metadata[MetaSnapshotCount] = strconv.Itoa(len(spec.VolumeIDs))
	if !keptUntil.IsZero() {
		backupSpec.KeptUntil = keptUntil.UTC().Format(time.RFC3339)
	}
	intents := []*engine.Intent{{ID: backupID, Spec: backupSpec, ParentID: scheduleID}}

	for i, volumeID := range spec.VolumeIDs {
		volume, err := c.store.GetResource(ctx, volumeID)
		if err != nil {
			return "", fmt.Errorf("failed to load volume %s: %w", volumeID, err)
		}
		vs, ok := volume.Spec.(*engine.VolumeSpec)
		if !ok {
			return "", engine.NewValidationError(fmt.Sprintf("%s is not a volume", volumeID), nil)
		}
		if volume.State != engine.StateOK {
			return "", engine.NewConflictError(engine.ErrCodeNotReady,
				fmt.Sprintf("volume %s is %s", volumeID, volume.State)).WithResource(instanceID)
		}
		intents = append(intents, snapshotIntent(backupID, i, volumeID, vs))
	}

	if _, err := c.engine.SubmitBatch(ctx, tenant, intents); err != nil {
		return "", err
	}
	if _, err := c.engine.ApplyEvent(ctx, backupID, engine.Accepted()); err != nil {
		return "", fmt.Errorf("failed to start backup %s: %w", backupID, err)
	}
	// Snapshots may have finished before the backup was accepted.
	c.aggregateBackup(ctx, backupID)

	c.logger.Info().
		Str("backup_id", backupID).
		Str("instance_id", instanceID).
		Int("snapshots", len(spec.VolumeIDs)).
		Msg("Backup started")
	return backupID, nil
}

func snapshotIntent(backupID string, index int, volumeID string, vs *engine.VolumeSpec) *engine.Intent {
	return &engine.Intent{
		ParentID: backupID,
		Spec: &engine.SnapshotSpec{
			Name:           "Snapshot for volume " + vs.Name,
			Description:    "Part of backup " + backupID,
			SourceVolumeID: volumeID,
			Metadata: map[string]string{
				MetaVolumeIndex:       strconv.Itoa(index),
				MetaVolumeName:        vs.Name,
				MetaVolumeDescription: vs.Description,
				MetaVolumeSizeMiB:     strconv.Itoa(vs.SizeMiB),
				MetaVolumeImage:       vs.ImageName,
			},
		},
	}
}

func instanceMetadata(spec *engine.InstanceSpec) map[string]string {
	return map[string]string{
		MetaName:             spec.Name,
		MetaFlavor:           spec.Flavor,
		MetaImage:            spec.Image,
		MetaMinRAM:           strconv.Itoa(spec.MinRAM),
		MetaMinDisk:          strconv.Itoa(spec.MinDisk),
		MetaKeyName:          spec.KeyName,
		MetaUserData:         spec.UserData,
		MetaSecurityGroupIDs: strings.Join(spec.SecurityGroupIDs, ","),
	}
}

// getBackup loads a backup resource and checks its kind.
func (c *Coordinator) getBackup(ctx context.Context, id string) (*engine.ManagedResource, *engine.BackupSpec, error) {
	r, err := c.store.GetResource(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	spec, ok := r.Spec.(*engine.BackupSpec)
	if !ok || r.Kind != engine.KindBackup {
		return nil, nil, engine.NewNotFoundError("backup", id)
	}
	return r, spec, nil
}

// snapshots returns the constituents of a backup in volume order.
func (c *Coordinator) snapshots(ctx context.Context, backupID string) ([]*engine.ManagedResource, error) {
	list, err := c.store.ListResources(ctx, engine.ResourceFilter{Kind: engine.KindSnapshot, ParentID: backupID})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return volumeIndex(list[i]) < volumeIndex(list[j]) })
	return list, nil
}

func volumeIndex(r *engine.ManagedResource) int {
	if s, ok := r.Spec.(*engine.SnapshotSpec); ok {
		if n, err := strconv.Atoi(s.Metadata[MetaVolumeIndex]); err == nil {
			return n
		}
	}
	return 0
}

// GetBackup returns a backup with its snapshots and restorations.
func (c *Coordinator) GetBackup(ctx context.Context, id string) (*Backup, error) {
	r, _, err := c.getBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshots, err := c.snapshots(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots of %s: %w", id, err)
	}
	restorations, err := c.store.ListRestorations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list restorations of %s: %w", id, err)
	}
	return &Backup{ManagedResource: r, Snapshots: snapshots, Restorations: restorations}, nil
}

// ListBackups returns the backups of a tenant, oldest first.
func (c *Coordinator) ListBackups(ctx context.Context, tenant string) ([]*engine.ManagedResource, error) {
	return c.store.ListResources(ctx, engine.ResourceFilter{Tenant: tenant, Kind: engine.KindBackup})
}

// DeleteBackup deletes a backup and every snapshot it owns in one call.
// The backup is removed once all snapshots are gone.
func (c *Coordinator) DeleteBackup(ctx context.Context, id string) error {
	c.backups.Lock(id)
	defer c.backups.Unlock(id)

	r, _, err := c.getBackup(ctx, id)
	if err != nil {
		return err
	}
	switch r.State {
	case engine.StateOK, engine.StateErred:
		if err := c.engine.ScheduleDeletion(ctx, id); err != nil {
			return err
		}
	case engine.StateDeletionScheduled:
	default:
		return engine.NewConflictError(engine.ErrCodeOperationInFlight,
			fmt.Sprintf("backup is %s", r.State)).WithResource(id)
	}
	return c.resumeDeletion(ctx, id)
}

// resumeDeletion starts a backup in DeletionScheduled. The caller holds
// the backup's workflow lock.
func (c *Coordinator) resumeDeletion(ctx context.Context, id string) error {
	r, _, err := c.getBackup(ctx, id)
	if err != nil {
		return err
	}
	if r.State != engine.StateDeletionScheduled {
		return nil
	}
	if _, err := c.engine.ApplyEvent(ctx, id, engine.Accepted()); err != nil {
		return fmt.Errorf("failed to start deletion of backup %s: %w", id, err)
	}
	c.deleteSnapshots(ctx, id)
	c.aggregateBackup(ctx, id)
	c.logger.Info().Str("backup_id", id).Msg("Backup deletion started")
	return nil
}

// RetryBackup creates an Erred backup again. Failed snapshots are
// rescheduled and missing ones resubmitted; snapshots that succeeded are
// kept. When a snapshot cannot be admitted the backup stays in
// CreationScheduled and Reconcile resumes it.
func (c *Coordinator) RetryBackup(ctx context.Context, id string) error {
	c.backups.Lock(id)
	defer c.backups.Unlock(id)

	r, _, err := c.getBackup(ctx, id)
	if err != nil {
		return err
	}
	if r.State != engine.StateErred || r.Operation != engine.OperationCreate {
		return engine.NewConflictError(engine.ErrCodeNotReady,
			fmt.Sprintf("only backups whose creation failed can be retried, backup is %s after %s", r.State, r.Operation)).
			WithResource(id)
	}
	if err := c.engine.RescheduleComposite(ctx, id, engine.OperationCreate); err != nil {
		return err
	}
	return c.resumeCreation(ctx, id)
}

// RescheduleBackup retries the failed operation of a backup.
func (c *Coordinator) RescheduleBackup(ctx context.Context, id string, op engine.OperationType) error {
	switch op {
	case engine.OperationCreate:
		return c.RetryBackup(ctx, id)
	case engine.OperationDelete:
		return c.DeleteBackup(ctx, id)
	default:
		return engine.NewValidationError(fmt.Sprintf("backups cannot be rescheduled for %s", op), nil).WithResource(id)
	}
}

// resumeCreation starts a backup in CreationScheduled once none of its
// snapshots is Erred or missing. The caller holds the backup's workflow
// lock.
func (c *Coordinator) resumeCreation(ctx context.Context, id string) error {
	backup, spec, err := c.getBackup(ctx, id)
	if err != nil {
		return err
	}
	if backup.State != engine.StateCreationScheduled {
		return nil
	}
	snapshots, err := c.snapshots(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list snapshots of %s: %w", id, err)
	}

	present := make(map[int]bool, len(snapshots))
	for _, s := range snapshots {
		present[volumeIndex(s)] = true
		if s.State != engine.StateErred || s.Operation != engine.OperationCreate {
			continue
		}
		if err := c.engine.Reschedule(ctx, s.ID, engine.OperationCreate); err != nil {
			return fmt.Errorf("failed to reschedule snapshot %s: %w", s.ID, err)
		}
	}

	total, _ := strconv.Atoi(spec.Metadata[MetaSnapshotCount])
	var missing []int
	for i := 0; i < total; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		intents, err := c.replacementSnapshots(ctx, backup, spec, missing)
		if err != nil {
			return err
		}
		if _, err := c.engine.SubmitBatch(ctx, backup.Tenant, intents); err != nil {
			return fmt.Errorf("failed to resubmit snapshots of %s: %w", id, err)
		}
	}

	if _, err := c.engine.ApplyEvent(ctx, id, engine.Accepted()); err != nil {
		return fmt.Errorf("failed to restart backup %s: %w", id, err)
	}
	c.aggregateBackup(ctx, id)
	c.logger.Info().
		Str("backup_id", id).
		Int("resubmitted", len(missing)).
		Msg("Backup creation resumed")
	return nil
}

// replacementSnapshots rebuilds the intents of snapshots that no longer
// exist from the volumes the instance has now.
func (c *Coordinator) replacementSnapshots(
	ctx context.Context,
	backup *engine.ManagedResource,
	spec *engine.BackupSpec,
	indexes []int,
) ([]*engine.Intent, error) {
	instance, err := c.store.GetResource(ctx, spec.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load instance %s of backup %s: %w", spec.InstanceID, backup.ID, err)
	}
	is, ok := instance.Spec.(*engine.InstanceSpec)
	if !ok {
		return nil, engine.NewValidationError(fmt.Sprintf("%s is not an instance", spec.InstanceID), nil)
	}
	intents := make([]*engine.Intent, 0, len(indexes))
	for _, i := range indexes {
		if i >= len(is.VolumeIDs) {
			return nil, engine.NewConflictError(engine.ErrCodeNotReady,
				fmt.Sprintf("instance %s no longer has volume %d", spec.InstanceID, i)).WithResource(backup.ID)
		}
		volume, err := c.store.GetResource(ctx, is.VolumeIDs[i])
		if err != nil {
			return nil, fmt.Errorf("failed to load volume %s: %w", is.VolumeIDs[i], err)
		}
		vs, ok := volume.Spec.(*engine.VolumeSpec)
		if !ok || volume.State != engine.StateOK {
			return nil, engine.NewConflictError(engine.ErrCodeNotReady,
				fmt.Sprintf("volume %s is %s", volume.ID, volume.State)).WithResource(backup.ID)
		}
		intents = append(intents, snapshotIntent(backup.ID, i, volume.ID, vs))
	}
	return intents, nil
}

// deleteSnapshots schedules deletion of every snapshot of a deleting backup
// that is not already being deleted. Snapshots still being created are
// picked up by Reconcile once they settle.
func (c *Coordinator) deleteSnapshots(ctx context.Context, backupID string) {
	snapshots, err := c.snapshots(ctx, backupID)
	if err != nil {
		c.logger.Error().Err(err).Str("backup_id", backupID).Msg("Failed to list snapshots")
		return
	}
	for _, s := range snapshots {
		if s.State != engine.StateOK && !(s.State == engine.StateErred && s.Operation == engine.OperationCreate) {
			continue
		}
		if err := c.engine.ScheduleDeletion(ctx, s.ID); err != nil {
			c.logger.Warn().Err(err).
				Str("backup_id", backupID).
				Str("snapshot_id", s.ID).
				Msg("Failed to schedule snapshot deletion, will retry")
		}
	}
}

// aggregateBackup derives the state of an in-flight backup from its snapshots.
func (c *Coordinator) aggregateBackup(ctx context.Context, backupID string) {
	backup, spec, err := c.getBackup(ctx, backupID)
	if err != nil {
		if !engine.IsNotFound(err) {
			c.logger.Error().Err(err).Str("backup_id", backupID).Msg("Failed to load backup")
		}
		return
	}
	if !backup.State.IsInFlight() {
		return
	}
	snapshots, err := c.snapshots(ctx, backupID)
	if err != nil {
		c.logger.Error().Err(err).Str("backup_id", backupID).Msg("Failed to list snapshots")
		return
	}

	var event *engine.LifecycleEvent
	switch backup.State {
	case engine.StateCreating:
		event = creationOutcome(backup, spec, snapshots)
	case engine.StateDeleting:
		event = deletionOutcome(snapshots)
	}
	if event == nil {
		return
	}

	r, err := c.engine.ApplyEvent(ctx, backupID, *event)
	if err != nil {
		// A concurrent hook may have settled the backup first.
		if !engine.IsValidation(err) {
			c.logger.Error().Err(err).Str("backup_id", backupID).Msg("Failed to settle backup")
		}
		return
	}
	c.logger.Info().
		Str("backup_id", backupID).
		Str("state", string(r.State)).
		Msg("Backup settled")
}

func creationOutcome(backup *engine.ManagedResource, spec *engine.BackupSpec, snapshots []*engine.ManagedResource) *engine.LifecycleEvent {
	total, err := strconv.Atoi(spec.Metadata[MetaSnapshotCount])
	if err != nil || total < len(snapshots) {
		total = len(snapshots)
	}
	var failed, ok int
	var firstReason string
	for _, s := range snapshots {
		switch s.State {
		case engine.StateErred:
			if failed == 0 {
				firstReason = s.ErrorMessage
			}
			failed++
		case engine.StateOK:
			ok++
		}
	}
	if missing := total - len(snapshots); missing > 0 {
		if failed == 0 {
			firstReason = "snapshot was removed before completion"
		}
		failed += missing
	}

	switch {
	case failed > 0:
		e := engine.Failed(engine.NewPartialBackupError(failed, total, firstReason).Message)
		return &e
	case ok == total:
		e := engine.Succeeded(backup.ID)
		return &e
	default:
		return nil
	}
}

func deletionOutcome(snapshots []*engine.ManagedResource) *engine.LifecycleEvent {
	for _, s := range snapshots {
		if s.State == engine.StateErred && s.Operation == engine.OperationDelete {
			e := engine.Failed(fmt.Sprintf("snapshot %s deletion failed: %s", s.ID, s.ErrorMessage))
			return &e
		}
	}
	if len(snapshots) == 0 {
		e := engine.Succeeded("")
		return &e
	}
	return nil
}

// OnTransition is the orchestrator hook that keeps backups, restorations
// and schedules in step with their resources.
func (c *Coordinator) OnTransition(ctx context.Context, r *engine.ManagedResource, rec *engine.TransitionRecord) {
	switch {
	case r.Kind == engine.KindSnapshot && r.ParentID != "":
		// Hooks run under the snapshot's lock, so deletions of snapshots
		// that settle late are left to Reconcile.
		c.aggregateBackup(ctx, r.ParentID)
	case r.Kind == engine.KindBackup:
		c.onBackupTransition(ctx, r, rec)
	case r.ParentID != "":
		c.aggregateRestoration(ctx, r.ParentID)
	}
}

func (c *Coordinator) onBackupTransition(ctx context.Context, r *engine.ManagedResource, rec *engine.TransitionRecord) {
	if rec.From != engine.StateCreating {
		return
	}
	switch r.State {
	case engine.StateOK:
		c.publish(ctx, r, engine.EventTypeBackupCompleted, "backup completed")
	case engine.StateErred:
		c.publish(ctx, r, engine.EventTypeBackupFailed, r.ErrorMessage)
		if r.ParentID != "" {
			c.deactivateSchedule(ctx, r)
		}
	}
}

func (c *Coordinator) publish(ctx context.Context, r *engine.ManagedResource, eventType engine.EventType, message string) {
	if c.publisher == nil {
		return
	}
	event := &engine.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  c.clock.Now().UTC(),
		ResourceID: r.ID,
		Kind:       r.Kind,
		Tenant:     r.Tenant,
		To:         r.State,
		Message:    message,
		Level:      eventType.Severity(),
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Warn().Err(err).Str("resource_id", r.ID).Msg("Failed to publish event")
	}
}

// Reconcile settles backups whose hooks were missed, for example across a
// restart, resumes backups left scheduled, and retries snapshot deletions
// that were refused admission.
func (c *Coordinator) Reconcile(ctx context.Context) {
	backups, err := c.store.ListResources(ctx, engine.ResourceFilter{Kind: engine.KindBackup})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list backups")
		return
	}
	for _, b := range backups {
		switch b.State {
		case engine.StateCreationScheduled, engine.StateDeletionScheduled:
			c.resume(ctx, b.ID)
		case engine.StateCreating:
			c.aggregateBackup(ctx, b.ID)
		case engine.StateDeleting:
			c.deleteSnapshots(ctx, b.ID)
			c.aggregateBackup(ctx, b.ID)
		}
		restorations, err := c.store.ListRestorations(ctx, b.ID)
		if err != nil {
			c.logger.Error().Err(err).Str("backup_id", b.ID).Msg("Failed to list restorations")
			continue
		}
		for _, rs := range restorations {
			if rs.State.IsActive() {
				c.aggregateRestoration(ctx, rs.ID)
			}
		}
	}
}

// resume continues a backup left in a scheduled state.
func (c *Coordinator) resume(ctx context.Context, id string) {
	c.backups.Lock(id)
	defer c.backups.Unlock(id)

	// One of the two is a no-op for the state the backup is in now.
	err := c.resumeCreation(ctx, id)
	if err == nil {
		err = c.resumeDeletion(ctx, id)
	}
	if err != nil && !engine.IsNotFound(err) {
		c.logger.Warn().Err(err).Str("backup_id", id).Msg("Failed to resume backup, will retry")
	}
}

// Run reconciles, triggers due schedules and deletes expired backups every
// interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	for {
		c.Reconcile(ctx)
		if _, err := c.TriggerDue(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Failed to trigger backup schedules")
		}
		if _, err := c.DeleteExpired(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Failed to delete expired backups")
		}
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
		}
	}
}
