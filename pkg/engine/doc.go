// Package engine provides the resource model and the orchestration engine
// that drives OpenStack resources through their lifecycle.
//
// # Overview
//
// Every cloud object under management (instance, volume, snapshot, backup,
// security group) is a ManagedResource with a single canonical state:
//
//	CreationScheduled -> Creating -> OK
//	OK -> UpdateScheduled -> Updating -> OK
//	OK -> DeletionScheduled -> Deleting -> (removed)
//	any scheduled or in-flight state -> Erred
//	Erred -> *Scheduled (operator reschedule only)
//
// Transition is a pure function from (state, event) to the next state.
// Apply runs it against a resource and keeps the lifecycle fields (remote id,
// error message, handle) consistent with the new state.
//
// # Display Labels
//
// States are rendered through an explicit label table. The "current"
// vocabulary is shared by all kinds; "legacy-backup" preserves the names old
// backup clients expect (backing_up, restoring, ready, deleting, erred).
// Labels are output only.
//
// # Orchestrator
//
// The Orchestrator is the single writer of resource state:
//
//   - Submit and SubmitBatch validate specs, evaluate intent policy, reserve
//     capacity through an Admitter and persist resources in CreationScheduled.
//   - Workers pull resource ids from a queue. A keyed mutex serialises all
//     changes to one resource so exactly one operation is outstanding.
//   - Accepted is committed before the Gateway is called, and the returned
//     OperationHandle is persisted so polling survives a restart.
//   - Poll loops run until the gateway reports success or failure, or until
//     OperationTimeout elapses. Silence is never treated as success.
//   - A reconcile loop re-enqueues scheduled and in-flight resources from the
//     Store. In-flight resources without a handle are reissued with the same
//     idempotency token.
//
// Composite kinds (backups) have no remote call of their own; the backup
// coordinator drives them with ApplyEvent.
//
// # Error Classification
//
// Errors are EngineError values with a class and a code:
//
//   - admission_denied: concurrency ceiling or quota exceeded
//   - remote_operation_failed / remote_operation_timed_out: recorded on the resource
//   - validation_failed: malformed intent or invalid transition
//   - partial_backup_failure: a backup constituent failed
//   - not_found, conflict: store lookups and rejected operator requests
//   - transient: retried around gateway calls only
//
// Use the Is* helpers (IsAdmissionDenied, IsValidation, ...) to inspect them.
package engine
