package stores

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cumulus/pkg/engine"
	"github.com/openfroyo/cumulus/pkg/quota"
)

// setupTestStore creates a file-backed SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "cumulus.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testVolume(id, tenant string, created time.Time) *engine.ManagedResource {
	return &engine.ManagedResource{
		ID:        id,
		Kind:      engine.KindVolume,
		State:     engine.StateCreationScheduled,
		Tenant:    tenant,
		Spec:      &engine.VolumeSpec{Name: id, SizeMiB: 1024},
		Operation: engine.OperationCreate,
		Token:     "tok-" + id,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"resources", "transitions", "quota_counters", "restorations", "backup_schedules", "events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// TestResourceCRUD tests resource persistence and its audit trail
func TestResourceCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	vol := testVolume("vol-1", "t1", now)
	inst := &engine.ManagedResource{
		ID:        "inst-1",
		Kind:      engine.KindInstance,
		State:     engine.StateCreationScheduled,
		Tenant:    "t1",
		Spec:      &engine.InstanceSpec{Name: "web", Flavor: "m1.small", VolumeIDs: []string{"vol-1"}},
		Operation: engine.OperationCreate,
		ParentID:  "restore-1",
		CreatedAt: now.Add(time.Second),
		UpdatedAt: now.Add(time.Second),
	}

	// Create
	if err := store.CreateResources(ctx, []*engine.ManagedResource{vol, inst}); err != nil {
		t.Fatalf("failed to create resources: %v", err)
	}

	// Read
	got, err := store.GetResource(ctx, "inst-1")
	if err != nil {
		t.Fatalf("failed to get resource: %v", err)
	}
	spec, ok := got.Spec.(*engine.InstanceSpec)
	if !ok {
		t.Fatalf("expected *InstanceSpec, got %T", got.Spec)
	}
	if spec.Flavor != "m1.small" || len(spec.VolumeIDs) != 1 {
		t.Errorf("spec not round-tripped: %+v", spec)
	}
	if !got.CreatedAt.Equal(inst.CreatedAt) {
		t.Errorf("expected CreatedAt %v, got %v", inst.CreatedAt, got.CreatedAt)
	}
	if got.ParentID != "restore-1" {
		t.Errorf("expected ParentID restore-1, got %s", got.ParentID)
	}

	// Update with a handle and a transition record
	started := now.Add(2 * time.Second)
	vol.State = engine.StateCreating
	vol.Handle = &engine.OperationHandle{ID: "op-1", Kind: engine.KindVolume, Operation: engine.OperationCreate, Token: vol.Token}
	vol.OperationStartedAt = &started
	vol.UpdatedAt = started
	rec := &engine.TransitionRecord{
		ResourceID: vol.ID,
		Kind:       vol.Kind,
		From:       engine.StateCreationScheduled,
		To:         engine.StateCreating,
		Event:      "operation_accepted",
		At:         started,
	}
	if err := store.UpdateResource(ctx, vol, rec); err != nil {
		t.Fatalf("failed to update resource: %v", err)
	}
	if rec.ID == 0 {
		t.Error("expected transition ID to be assigned")
	}

	got, err = store.GetResource(ctx, vol.ID)
	if err != nil {
		t.Fatalf("failed to get updated resource: %v", err)
	}
	if got.State != engine.StateCreating {
		t.Errorf("expected state creating, got %s", got.State)
	}
	if got.Handle == nil || got.Handle.ID != "op-1" {
		t.Errorf("expected handle op-1, got %+v", got.Handle)
	}
	if got.OperationStartedAt == nil || !got.OperationStartedAt.Equal(started) {
		t.Errorf("expected OperationStartedAt %v, got %v", started, got.OperationStartedAt)
	}

	// Delete
	if err := store.DeleteResource(ctx, vol.ID, &engine.TransitionRecord{
		ResourceID: vol.ID, Kind: vol.Kind, From: engine.StateDeleting, To: engine.StateDeleted,
		Event: "operation_succeeded", At: now.Add(3 * time.Second),
	}); err != nil {
		t.Fatalf("failed to delete resource: %v", err)
	}
	if _, err := store.GetResource(ctx, vol.ID); !engine.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteResource(ctx, vol.ID, nil); !engine.IsNotFound(err) {
		t.Errorf("expected not found on second delete, got %v", err)
	}

	// History survives deletion.
	history, err := store.ListTransitions(ctx, vol.ID)
	if err != nil {
		t.Fatalf("failed to list transitions: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(history))
	}
	if history[0].Event != "admitted" || history[2].To != engine.StateDeleted {
		t.Errorf("unexpected history: %+v %+v", history[0], history[2])
	}
}

func TestListResourcesFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	a := testVolume("a", "t1", base)
	b := testVolume("b", "t1", base.Add(time.Second))
	b.State = engine.StateOK
	b.ParentID = "backup-1"
	c := testVolume("c", "t2", base.Add(2*time.Second))
	if err := store.CreateResources(ctx, []*engine.ManagedResource{c, b, a}); err != nil {
		t.Fatalf("failed to create resources: %v", err)
	}

	tests := []struct {
		name   string
		filter engine.ResourceFilter
		want   []string
	}{
		{"all oldest first", engine.ResourceFilter{}, []string{"a", "b", "c"}},
		{"tenant", engine.ResourceFilter{Tenant: "t1"}, []string{"a", "b"}},
		{"kind", engine.ResourceFilter{Kind: engine.KindInstance}, nil},
		{"states", engine.ResourceFilter{States: []engine.ResourceState{engine.StateOK, engine.StateErred}}, []string{"b"}},
		{"parent", engine.ResourceFilter{ParentID: "backup-1"}, []string{"b"}},
		{"updated before", engine.ResourceFilter{UpdatedBefore: base.Add(1500 * time.Millisecond)}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := store.ListResources(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list resources: %v", err)
			}
			if len(list) != len(tt.want) {
				t.Fatalf("expected %d resources, got %d", len(tt.want), len(list))
			}
			for i, r := range list {
				if r.ID != tt.want[i] {
					t.Errorf("position %d: expected %s, got %s", i, tt.want[i], r.ID)
				}
			}
		})
	}
}

func TestCreateResourcesIsAtomic(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.CreateResources(ctx, []*engine.ManagedResource{testVolume("dup", "t1", now)}); err != nil {
		t.Fatalf("failed to create resource: %v", err)
	}

	err := store.CreateResources(ctx, []*engine.ManagedResource{testVolume("fresh", "t1", now), testVolume("dup", "t1", now)})
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.GetResource(ctx, "fresh"); !engine.IsNotFound(err) {
		t.Errorf("batch partially committed: %v", err)
	}
}

func TestRemoteIDIsUniquePerKind(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a, b := testVolume("a", "t1", now), testVolume("b", "t1", now)
	if err := store.CreateResources(ctx, []*engine.ManagedResource{a, b}); err != nil {
		t.Fatalf("failed to create resources: %v", err)
	}

	a.RemoteID = "cinder-1"
	if err := store.UpdateResource(ctx, a, nil); err != nil {
		t.Fatalf("failed to set remote id: %v", err)
	}
	b.RemoteID = "cinder-1"
	if err := store.UpdateResource(ctx, b, nil); !engine.IsConflict(err) {
		t.Errorf("expected conflict for reused remote id, got %v", err)
	}
}

func TestUpdateCountersRollsBackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.UpdateCounters(ctx, "t1", func(m map[engine.Kind]*engine.QuotaCounter) error {
		m[engine.KindVolume] = &engine.QuotaCounter{Tenant: "t1", Kind: engine.KindVolume, Usage: 3, Limit: engine.NoLimit}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	counters, err := store.ListCounters(ctx, "t1")
	if err != nil {
		t.Fatalf("failed to list counters: %v", err)
	}
	if len(counters) != 0 {
		t.Errorf("expected no counters after rollback, got %d", len(counters))
	}

	err = store.UpdateCounters(ctx, "t1", func(m map[engine.Kind]*engine.QuotaCounter) error {
		m[engine.KindVolume] = &engine.QuotaCounter{Tenant: "t1", Kind: engine.KindVolume, Usage: 3, Pending: 1, Limit: 10}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to update counters: %v", err)
	}
	counters, _ = store.ListCounters(ctx, "t1")
	if len(counters) != 1 || counters[0].Usage != 3 || counters[0].Pending != 1 || counters[0].Limit != 10 {
		t.Errorf("unexpected counters: %+v", counters)
	}
}

func TestSyncCountersAgainstSQLite(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	ctrl := quota.NewController(store, quota.Policy{}, zerolog.Nop())

	if err := ctrl.Admit(ctx, "t2", engine.AdmissionRequest{Kind: engine.KindVolume, Operation: engine.OperationCreate, Delta: 2}); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := ctrl.Admit(ctx, "t1", engine.AdmissionRequest{Kind: engine.KindVolume, Operation: engine.OperationCreate, Delta: 1}); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	tenants, err := store.ListTenants(ctx)
	if err != nil {
		t.Fatalf("ListTenants: %v", err)
	}
	if len(tenants) != 2 || tenants[0] != "t1" || tenants[1] != "t2" {
		t.Fatalf("tenants = %v, want [t1 t2]", tenants)
	}

	observed := []*engine.QuotaCounter{{Tenant: "t1", Kind: engine.KindVolume, Usage: 1}}
	if err := ctrl.SyncCounters(ctx, observed); err != nil {
		t.Fatalf("SyncCounters: %v", err)
	}

	t1, _ := store.ListCounters(ctx, "t1")
	if len(t1) != 1 || t1[0].Usage != 1 || t1[0].Pending != 0 {
		t.Errorf("t1 counters = %+v, want usage 1 pending 0", t1)
	}
	t2, _ := store.ListCounters(ctx, "t2")
	if len(t2) != 1 || t2[0].Usage != 0 || t2[0].Pending != 0 {
		t.Errorf("t2 counters = %+v, want zeroed", t2)
	}
}

// TestConcurrentAdmission runs the quota controller against SQLite from
// many goroutines; the ceiling must hold across connections.
func TestConcurrentAdmission(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	ctrl := quota.NewController(store, quota.Policy{
		MaxConcurrentProvision: map[engine.Kind]int{engine.KindInstance: 4},
	}, zerolog.Nop())

	var (
		mu       sync.Mutex
		admitted int
		wg       sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ctrl.Admit(ctx, "t1", engine.AdmissionRequest{Kind: engine.KindInstance, Operation: engine.OperationCreate, Delta: 1})
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			} else if !engine.IsAdmissionDenied(err) {
				t.Errorf("unexpected admission error: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted != 4 {
		t.Errorf("expected 4 admissions, got %d", admitted)
	}
	usage, err := ctrl.Usage(ctx, "t1")
	if err != nil {
		t.Fatalf("failed to read usage: %v", err)
	}
	if usage[0].Kind != engine.KindInstance || usage[0].Pending != 4 || usage[0].Usage != 4 {
		t.Errorf("unexpected instance counter: %+v", usage[0])
	}
}

func TestRestorationCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"r1", "r2"} {
		r := &engine.BackupRestoration{
			ID:        id,
			BackupID:  "backup-1",
			Tenant:    "t1",
			State:     engine.StateCreationScheduled,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			UpdatedAt: now,
		}
		if err := store.CreateRestoration(ctx, r); err != nil {
			t.Fatalf("failed to create restoration: %v", err)
		}
	}

	r, err := store.GetRestoration(ctx, "r1")
	if err != nil {
		t.Fatalf("failed to get restoration: %v", err)
	}
	if r.CreatedResourceIDs == nil || len(r.CreatedResourceIDs) != 0 {
		t.Errorf("expected empty resource list, got %v", r.CreatedResourceIDs)
	}

	r.CreatedResourceIDs = []string{"vol-a", "vol-b", "inst"}
	r.State = engine.StateErred
	r.ErrorMessage = "volume failed"
	if err := store.UpdateRestoration(ctx, r); err != nil {
		t.Fatalf("failed to update restoration: %v", err)
	}

	list, err := store.ListRestorations(ctx, "backup-1")
	if err != nil {
		t.Fatalf("failed to list restorations: %v", err)
	}
	if len(list) != 2 || list[0].ID != "r1" || list[1].ID != "r2" {
		t.Fatalf("unexpected restorations: %+v", list)
	}
	if got := list[0].CreatedResourceIDs; len(got) != 3 || got[2] != "inst" {
		t.Errorf("resource order lost: %v", got)
	}
	if list[1].State != engine.StateCreationScheduled {
		t.Errorf("sibling restoration changed: %s", list[1].State)
	}

	if _, err := store.GetRestoration(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestScheduleCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := &engine.BackupSchedule{
		ID: "s1", Tenant: "t1", InstanceID: "inst-1",
		Interval: time.Hour, Retention: 24 * time.Hour, MaxBackups: 3,
		IsActive: true, NextTriggerAt: now.Add(-time.Minute),
		CreatedAt: now, UpdatedAt: now,
	}
	later := &engine.BackupSchedule{
		ID: "s2", Tenant: "t2", InstanceID: "inst-2",
		Interval: time.Hour, IsActive: true, NextTriggerAt: now.Add(time.Hour),
		CreatedAt: now, UpdatedAt: now,
	}
	for _, sc := range []*engine.BackupSchedule{due, later} {
		if err := store.CreateSchedule(ctx, sc); err != nil {
			t.Fatalf("failed to create schedule: %v", err)
		}
	}

	list, err := store.ListDueSchedules(ctx, now)
	if err != nil {
		t.Fatalf("failed to list due schedules: %v", err)
	}
	if len(list) != 1 || list[0].ID != "s1" {
		t.Fatalf("expected s1 due, got %+v", list)
	}
	if list[0].Interval != time.Hour || list[0].Retention != 24*time.Hour || list[0].MaxBackups != 3 {
		t.Errorf("schedule fields lost: %+v", list[0])
	}

	due.IsActive = false
	due.ErrorMessage = "instance gone"
	if err := store.UpdateSchedule(ctx, due); err != nil {
		t.Fatalf("failed to update schedule: %v", err)
	}
	if list, _ := store.ListDueSchedules(ctx, now); len(list) != 0 {
		t.Errorf("inactive schedule still due")
	}

	got, err := store.GetSchedule(ctx, "s1")
	if err != nil {
		t.Fatalf("failed to get schedule: %v", err)
	}
	if got.IsActive || got.ErrorMessage != "instance gone" {
		t.Errorf("update not persisted: %+v", got)
	}

	if all, _ := store.ListSchedules(ctx, "t2"); len(all) != 1 {
		t.Errorf("expected one schedule for t2, got %d", len(all))
	}
	if err := store.DeleteSchedule(ctx, "s2"); err != nil {
		t.Fatalf("failed to delete schedule: %v", err)
	}
	if _, err := store.GetSchedule(ctx, "s2"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestEventLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	events := []*engine.Event{
		{ID: "e1", Type: engine.EventTypeResourceAdmitted, ResourceID: "r1", Tenant: "t1", To: engine.StateCreationScheduled, Level: "info", Timestamp: now},
		{ID: "e2", Type: engine.EventTypeResourceErred, ResourceID: "r1", Tenant: "t1", From: engine.StateCreating, To: engine.StateErred, Message: "no valid host", Level: "error", Timestamp: now.Add(time.Second)},
		{ID: "e3", Type: engine.EventTypeResourceAdmitted, ResourceID: "r2", Tenant: "t2", Level: "info", Timestamp: now},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	got, err := store.ListEvents(ctx, engine.EventFilter{ResourceID: "r1"})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(got) != 2 || got[0].ID != "e2" {
		t.Fatalf("expected newest first, got %+v", got)
	}
	if got[0].Message != "no valid host" || got[0].From != engine.StateCreating {
		t.Errorf("event fields lost: %+v", got[0])
	}

	got, _ = store.ListEvents(ctx, engine.EventFilter{Types: []engine.EventType{engine.EventTypeResourceAdmitted}, Limit: 1})
	if len(got) != 1 {
		t.Errorf("expected limit to apply, got %d", len(got))
	}
}
