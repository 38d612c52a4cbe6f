package service

import (
	"context"
	"fmt"

	"github.com/openfroyo/cumulus/pkg/engine"
	"github.com/openfroyo/cumulus/pkg/telemetry"
)

// AdmitIntent validates and admits a new resource of kind and returns its
// id. The resource is persisted in CreationScheduled; progress is observed
// through GetState. Backups are created through CreateBackup.
func (s *Service) AdmitIntent(ctx context.Context, tenant string, kind engine.Kind, spec engine.Spec) (id string, err error) {
	op := s.begin(ctx, "admit_intent", "", kind)
	defer func() { op.End(err) }()

	if err := kind.Validate(); err != nil {
		return "", engine.NewValidationError(err.Error(), nil)
	}
	if kind == engine.KindBackup {
		return "", engine.NewValidationError("backups are created from an instance, not admitted directly", nil)
	}
	if spec == nil {
		return "", engine.NewValidationError("spec is required", nil)
	}
	if spec.Kind() != kind {
		return "", engine.NewValidationError(fmt.Sprintf("spec of kind %s does not match %s", spec.Kind(), kind), nil)
	}

	id, err = s.orch.Submit(op.Ctx, &engine.Intent{Tenant: tenant, Spec: spec})
	if err != nil {
		return "", err
	}
	op.Event("Intent admitted", telemetry.AttrTenant.String(tenant), telemetry.AttrResourceID.String(id))
	return id, nil
}

// GetState returns the current record of a resource.
func (s *Service) GetState(ctx context.Context, id string) (r *engine.ManagedResource, err error) {
	op := s.begin(ctx, "get_state", id, "")
	defer func() { op.End(err) }()

	return s.orch.Get(op.Ctx, id)
}

// Cancel withdraws a scheduled operation. Operations already in flight are
// rejected; a create or update in flight is recorded and the resource is
// deleted once it settles. Backups are withdrawn by deleting them.
func (s *Service) Cancel(ctx context.Context, id string) (err error) {
	op := s.begin(ctx, "cancel", id, "")
	defer func() { op.End(err) }()

	return s.orch.Cancel(op.Ctx, id)
}

// ScheduleUpdate schedules an in-place update of an OK resource.
func (s *Service) ScheduleUpdate(ctx context.Context, id string, spec engine.Spec) (err error) {
	op := s.begin(ctx, "schedule_update", id, "")
	defer func() { op.End(err) }()

	if spec == nil {
		return engine.NewValidationError("spec is required", nil)
	}
	return s.orch.ScheduleUpdate(op.Ctx, id, spec)
}

// ScheduleDeletion schedules the deletion of a resource. Deleting a backup
// also deletes its snapshots.
func (s *Service) ScheduleDeletion(ctx context.Context, id string) (err error) {
	op := s.begin(ctx, "schedule_deletion", id, "")
	defer func() { op.End(err) }()

	r, err := s.orch.Get(op.Ctx, id)
	if err != nil {
		return err
	}
	if r.Kind == engine.KindBackup {
		return s.backups.DeleteBackup(op.Ctx, id)
	}
	return s.orch.ScheduleDeletion(op.Ctx, id)
}

// Reschedule retries the operation of an Erred resource. A backup is
// retried together with its snapshots.
func (s *Service) Reschedule(ctx context.Context, id string, operation engine.OperationType) (err error) {
	op := s.begin(ctx, "reschedule", id, "")
	defer func() { op.End(err) }()

	r, err := s.orch.Get(op.Ctx, id)
	if err != nil {
		return err
	}
	if r.Kind == engine.KindBackup {
		return s.backups.RescheduleBackup(op.Ctx, id, operation)
	}
	return s.orch.Reschedule(op.Ctx, id, operation)
}

// ListResources returns the resources matching filter, oldest first.
func (s *Service) ListResources(ctx context.Context, filter engine.ResourceFilter) ([]*engine.ManagedResource, error) {
	return s.store.ListResources(ctx, filter)
}

// History returns the committed transitions of a resource. The history
// outlives the resource.
func (s *Service) History(ctx context.Context, id string) ([]*engine.TransitionRecord, error) {
	return s.store.ListTransitions(ctx, id)
}

// Events returns persisted events. Events are only recorded when the
// service runs with telemetry.
func (s *Service) Events(ctx context.Context, filter engine.EventFilter) ([]*engine.Event, error) {
	return s.store.ListEvents(ctx, filter)
}
