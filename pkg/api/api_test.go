package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/cumulus/pkg/api"
	"github.com/openfroyo/cumulus/pkg/config"
	"github.com/openfroyo/cumulus/pkg/engine"
	"github.com/openfroyo/cumulus/pkg/gateway"
	"github.com/openfroyo/cumulus/pkg/service"
	"github.com/openfroyo/cumulus/pkg/stores"
	"github.com/openfroyo/cumulus/pkg/telemetry"
)

const tenant = "tenant-a"

type errorBody struct {
	Class     string `json:"class"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

type resourceBody struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	State    string `json:"state"`
	RemoteID string `json:"remote_id"`
	Label    struct {
		Name string `json:"name"`
		Code int    `json:"code"`
	} `json:"label"`
}

func setupTestServer(t *testing.T, start bool) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.Engine.PollInterval = 5 * time.Millisecond
	cfg.Engine.ReconcileInterval = time.Hour
	cfg.Engine.GatewayRetryDelay = time.Millisecond
	cfg.Engine.ReferenceRetryInterval = 10 * time.Millisecond
	cfg.Backup.SchedulerInterval = time.Hour
	cfg.Quota.Ratios = nil
	cfg.Telemetry.Events.EnableAsync = false
	cfg.API.Mode = "test"

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	require.NoError(t, err)

	sim := gateway.NewSimulator(gateway.SimulatorConfig{PollsToComplete: 1})
	svc, err := service.New(cfg, store, zerolog.Nop(), service.WithGateway(sim), service.WithTelemetry(tel))
	require.NoError(t, err)
	if start {
		require.NoError(t, svc.Start(ctx))
		t.Cleanup(func() { _ = svc.Stop() })
	}

	srv := api.NewServer(cfg.API, svc, zerolog.Nop(), api.WithMetricsHandler(tel.Metrics.Handler()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func admit(t *testing.T, ts *httptest.Server, kind engine.Kind, spec interface{}) string {
	t.Helper()
	resp := do(t, ts, http.MethodPost, "/resources", map[string]interface{}{
		"tenant": tenant,
		"kind":   kind,
		"spec":   spec,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out struct {
		ID string `json:"id"`
	}
	decode(t, resp, &out)
	require.NotEmpty(t, out.ID)
	return out.ID
}

func waitForState(t *testing.T, ts *httptest.Server, id, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/resources/" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return want == string(engine.StateDeleted)
		}
		var r resourceBody
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return false
		}
		return r.State == want
	}, 10*time.Second, 10*time.Millisecond, "%s never reached %s", id, want)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := setupTestServer(t, false)

	resp := do(t, ts, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	resp = do(t, ts, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResourceLifecycle(t *testing.T) {
	ts := setupTestServer(t, true)

	id := admit(t, ts, engine.KindVolume, map[string]interface{}{"name": "data", "size_mib": 2048})
	waitForState(t, ts, id, string(engine.StateOK))

	resp := do(t, ts, http.MethodGet, "/resources/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var r resourceBody
	decode(t, resp, &r)
	assert.Equal(t, "OK", r.Label.Name)
	assert.Equal(t, 3, r.Label.Code)
	assert.NotEmpty(t, r.RemoteID)

	resp = do(t, ts, http.MethodGet, "/resources/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []engine.TransitionRecord
	decode(t, resp, &history)
	assert.NotEmpty(t, history)

	resp = do(t, ts, http.MethodGet, "/resources?tenant="+tenant+"&kind=volume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []resourceBody
	decode(t, resp, &list)
	assert.Len(t, list, 1)

	resp = do(t, ts, http.MethodPut, "/resources/"+id, map[string]interface{}{
		"spec": map[string]interface{}{"name": "data", "size_mib": 4096},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitForState(t, ts, id, string(engine.StateOK))

	resp = do(t, ts, http.MethodDelete, "/resources/"+id, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitForState(t, ts, id, string(engine.StateDeleted))

	resp = do(t, ts, http.MethodGet, "/events?resource_id="+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []map[string]interface{}
	decode(t, resp, &events)
	assert.NotEmpty(t, events)
}

func TestAdmitRejectsMalformedIntents(t *testing.T) {
	ts := setupTestServer(t, false)

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing tenant", map[string]interface{}{"kind": "volume", "spec": map[string]interface{}{"size_mib": 1024}}},
		{"unknown kind", map[string]interface{}{"tenant": tenant, "kind": "bucket", "spec": map[string]interface{}{}}},
		{"unknown field", map[string]interface{}{"tenant": tenant, "kind": "volume", "spec": map[string]interface{}{"size_gb": 1}}},
		{"backup", map[string]interface{}{"tenant": tenant, "kind": "backup", "spec": map[string]interface{}{"instance_id": "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, ts, http.MethodPost, "/resources", tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body errorBody
			decode(t, resp, &body)
			assert.Equal(t, string(engine.ErrorClassValidation), body.Class)
			assert.NotEmpty(t, body.RequestID)
		})
	}

	resp := do(t, ts, http.MethodGet, "/resources/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/resources/does-not-exist?labels=v0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelScheduledCreation(t *testing.T) {
	ts := setupTestServer(t, false)

	id := admit(t, ts, engine.KindVolume, map[string]interface{}{"name": "data", "size_mib": 1024})

	resp := do(t, ts, http.MethodPost, "/resources/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/resources/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/resources?tenant="+tenant, nil)
	var list []resourceBody
	decode(t, resp, &list)
	assert.Empty(t, list)
}

func TestQuotaEndpoints(t *testing.T) {
	ts := setupTestServer(t, false)

	resp := do(t, ts, http.MethodPut, "/quotas/"+tenant+"/volume", map[string]interface{}{"limit": 1})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	admit(t, ts, engine.KindVolume, map[string]interface{}{"name": "a", "size_mib": 1024})

	resp = do(t, ts, http.MethodPost, "/resources", map[string]interface{}{
		"tenant": tenant,
		"kind":   "volume",
		"spec":   map[string]interface{}{"name": "b", "size_mib": 1024},
	})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, string(engine.ErrorClassAdmissionDenied), body.Class)

	resp = do(t, ts, http.MethodGet, "/quotas/"+tenant, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var usage []engine.QuotaCounter
	decode(t, resp, &usage)
	var found bool
	for _, qc := range usage {
		if qc.Kind == engine.KindVolume {
			found = true
			assert.Equal(t, 1, qc.Limit)
			assert.Equal(t, 1, qc.Pending)
		}
	}
	assert.True(t, found, "volume counter listed")

	resp = do(t, ts, http.MethodPut, "/quotas/"+tenant+"/volume", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBackupEndpoints(t *testing.T) {
	ts := setupTestServer(t, true)

	volumeID := admit(t, ts, engine.KindVolume, map[string]interface{}{"name": "root", "size_mib": 2048})
	instanceID := admit(t, ts, engine.KindInstance, map[string]interface{}{
		"name": "app", "flavor": "m1.small", "volume_ids": []string{volumeID},
	})
	waitForState(t, ts, instanceID, string(engine.StateOK))

	resp := do(t, ts, http.MethodPost, "/backups", map[string]interface{}{
		"tenant": tenant, "instance_id": instanceID, "description": "nightly",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	decode(t, resp, &created)
	backupID := created.ID
	waitForState(t, ts, backupID, string(engine.StateOK))

	resp = do(t, ts, http.MethodGet, "/backups/"+backupID+"?labels=legacy-backup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var b struct {
		resourceBody
		Snapshots    []resourceBody             `json:"snapshots"`
		Restorations []engine.BackupRestoration `json:"restorations"`
	}
	decode(t, resp, &b)
	assert.Equal(t, "ready", b.Label.Name)
	assert.Len(t, b.Snapshots, 1)
	assert.Empty(t, b.Restorations)

	ids := make(map[string]bool)
	for i := 0; i < 2; i++ {
		resp = do(t, ts, http.MethodPost, "/backup-restorations", map[string]interface{}{"backup_id": backupID})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var rs engine.BackupRestoration
		decode(t, resp, &rs)
		ids[rs.ID] = true
	}
	assert.Len(t, ids, 2, "each restoration is an independent record")

	resp = do(t, ts, http.MethodGet, "/backups/"+backupID+"/restorations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var restorations []engine.BackupRestoration
	decode(t, resp, &restorations)
	assert.Len(t, restorations, 2)

	resp = do(t, ts, http.MethodGet, "/backups?tenant="+tenant, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var backups []resourceBody
	decode(t, resp, &backups)
	assert.Len(t, backups, 1)

	resp = do(t, ts, http.MethodDelete, "/backups/"+backupID, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitForState(t, ts, backupID, string(engine.StateDeleted))
}

func TestScheduleEndpoints(t *testing.T) {
	ts := setupTestServer(t, true)

	volumeID := admit(t, ts, engine.KindVolume, map[string]interface{}{"name": "root", "size_mib": 1024})
	instanceID := admit(t, ts, engine.KindInstance, map[string]interface{}{
		"name": "app", "flavor": "m1.small", "volume_ids": []string{volumeID},
	})
	waitForState(t, ts, instanceID, string(engine.StateOK))

	resp := do(t, ts, http.MethodPost, "/backup-schedules", map[string]interface{}{
		"tenant": tenant, "instance_id": instanceID, "interval": "30s",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "interval below the minimum")

	resp = do(t, ts, http.MethodPost, "/backup-schedules", map[string]interface{}{
		"tenant": tenant, "instance_id": instanceID, "interval": "1h", "retention": "24h", "max_backups": 3,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sc engine.BackupSchedule
	decode(t, resp, &sc)
	assert.True(t, sc.IsActive)
	assert.Equal(t, time.Hour, sc.Interval)

	resp = do(t, ts, http.MethodGet, "/backup-schedules?tenant="+tenant, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var schedules []engine.BackupSchedule
	decode(t, resp, &schedules)
	assert.Len(t, schedules, 1)

	resp = do(t, ts, http.MethodPost, "/backup-schedules/"+sc.ID+"/activate", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, ts, http.MethodDelete, "/backup-schedules/"+sc.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
