// Package quota implements the admission controller that gates every
// operation the orchestrator schedules.
//
// Two limits apply per tenant and kind:
//
//   - Concurrency: the number of resources in a scheduled or in-flight state
//     may not exceed MaxConcurrentProvision. Creates, updates and deletes all
//     count.
//   - Quota: creates may not push usage past an explicit limit, or past a
//     configured ratio of the parent kind's usage when no explicit limit is set
//     (for example four volumes per instance).
//
// All requests of one Admit call are checked and applied in a single store
// transaction. A denied call changes nothing and is never queued; the caller
// decides whether to retry.
//
// Basic usage:
//
//	ctrl := quota.NewController(store, quota.DefaultPolicy(), logger)
//	err := ctrl.Admit(ctx, "tenant-a",
//	    engine.AdmissionRequest{Kind: engine.KindInstance, Operation: engine.OperationCreate, Delta: 1},
//	    engine.AdmissionRequest{Kind: engine.KindVolume, Operation: engine.OperationCreate, Delta: 2},
//	)
//	if engine.IsAdmissionDenied(err) {
//	    // report engine.ErrorCode(err) to the caller
//	}
package quota
