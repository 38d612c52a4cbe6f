package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cumulus/pkg/engine"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load("")
	if err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Gateway.Driver != DriverSimulator {
		t.Errorf("driver = %s", cfg.Gateway.Driver)
	}
	if got := cfg.Quota.MaxConcurrentProvision[engine.KindInstance]; got != 4 {
		t.Errorf("instance ceiling = %d, want 4", got)
	}
	if cfg.Engine.Orchestrator().MaxParallel != 10 {
		t.Errorf("max parallel = %d, want 10", cfg.Engine.Orchestrator().MaxParallel)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "cumulus.yaml", `
store:
  path: /tmp/test.db
engine:
  max_parallel: 3
  poll_interval: 250ms
  operation_timeout: 10m
quota:
  max_concurrent_provision:
    snapshot: 8
  ratios:
    - dependent: volume
      parent: instance
      per_parent: 2
gateway:
  driver: simulator
  rate_limit: 5
  burst: 10
  simulator:
    polls_to_complete: 1
`)

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/tmp/test.db" {
		t.Errorf("store path = %s", cfg.Store.Path)
	}
	orch := cfg.Engine.Orchestrator()
	if orch.MaxParallel != 3 || orch.PollInterval != 250*time.Millisecond || orch.OperationTimeout != 10*time.Minute {
		t.Errorf("engine config = %+v", orch)
	}
	if orch.ReconcileInterval != 30*time.Second {
		t.Errorf("unset durations should keep defaults, got %s", orch.ReconcileInterval)
	}
	if got := cfg.Quota.MaxConcurrentProvision[engine.KindSnapshot]; got != 8 {
		t.Errorf("snapshot ceiling = %d, want 8", got)
	}
	if got := cfg.Quota.MaxConcurrentProvision[engine.KindInstance]; got != 4 {
		t.Errorf("instance ceiling should keep its default, got %d", got)
	}
	if len(cfg.Quota.Ratios) != 1 || cfg.Quota.Ratios[0].PerParent != 2 {
		t.Errorf("ratios = %+v", cfg.Quota.Ratios)
	}
	if cfg.Gateway.RateLimit != 5 || cfg.Gateway.Burst != 10 || cfg.Gateway.Simulator.PollsToComplete != 1 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
}

func TestLoadCUE(t *testing.T) {
	path := writeFile(t, t.TempDir(), "cumulus.cue", `
engine: {
	max_parallel:  6
	poll_interval: "1s"
}
gateway: {
	driver: "openstack"
	openstack: {
		auth_url:    "https://keystone.example.com/v3"
		username:    "cumulus"
		password:    "secret"
		tenant_name: "platform"
		region:      "RegionOne"
	}
}
`)

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxParallel != 6 || cfg.Engine.PollInterval != time.Second {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Gateway.OpenStack == nil || cfg.Gateway.OpenStack.Region != "RegionOne" {
		t.Fatalf("openstack = %+v", cfg.Gateway.OpenStack)
	}
}

func TestSchemaRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{
			name:    "unknown kind in ceilings",
			file:    "a.yaml",
			content: "quota:\n  max_concurrent_provision:\n    router: 2\n",
			want:    "schema validation failed",
		},
		{
			name:    "negative ceiling",
			file:    "b.yaml",
			content: "quota:\n  max_concurrent_provision:\n    volume: -1\n",
			want:    "schema validation failed",
		},
		{
			name:    "bad duration",
			file:    "c.yaml",
			content: "engine:\n  poll_interval: soon\n",
			want:    "schema validation failed",
		},
		{
			name:    "unknown section",
			file:    "d.cue",
			content: "scheduler: {enabled: true}\n",
			want:    "schema validation failed",
		},
		{
			name:    "unknown driver",
			file:    "e.cue",
			content: "gateway: driver: \"aws\"\n",
			want:    "schema validation failed",
		},
		{
			name:    "openstack driver without credentials",
			file:    "f.yaml",
			content: "gateway:\n  driver: openstack\n",
			want:    "OpenStack",
		},
		{
			name:    "self-referencing ratio",
			file:    "g.yaml",
			content: "quota:\n  ratios:\n    - {dependent: volume, parent: volume, per_parent: 1}\n",
			want:    "cannot reference itself",
		},
	}

	dir := t.TempDir()
	loader := NewLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Load(writeFile(t, dir, tt.file, tt.content))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	path := writeFile(t, t.TempDir(), "cumulus.toml", "")
	if _, err := NewLoader().Load(path); err == nil {
		t.Fatal("expected error for .toml")
	}
}

func TestSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry()
	if got := sr.ListSchemas(); len(got) != 1 || got[0] != "config" {
		t.Errorf("schemas = %v", got)
	}
	if err := sr.RegisterSchema("limits", "#Limits: {max: int}"); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}
	if err := sr.ValidateAgainstSchema("limits", map[string]interface{}{"max": 3}); err != nil {
		t.Errorf("valid data rejected: %v", err)
	}
	if err := sr.ValidateAgainstSchema("limits", map[string]interface{}{"max": "three"}); err == nil {
		t.Error("invalid data accepted")
	}
	if err := sr.RegisterSchema("other", "#Something: {}"); err == nil {
		t.Error("schema without a matching definition accepted")
	}
}

func TestWatcherReloadsQuota(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cumulus.yaml", "quota:\n  max_concurrent_provision:\n    volume: 2\n")

	var mu sync.Mutex
	var reloaded []*Config
	w := NewWatcher(NewLoader(), path, func(cfg *Config) error {
		mu.Lock()
		defer mu.Unlock()
		reloaded = append(reloaded, cfg)
		return nil
	}, zerolog.Nop())
	w.SetDelay(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-w.Done()
	}()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// An invalid document is ignored.
	writeFile(t, dir, "cumulus.yaml", "quota:\n  max_concurrent_provision:\n    volume: -5\n")
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "cumulus.yaml", "quota:\n  max_concurrent_provision:\n    volume: 9\n")
	// Unrelated files in the directory are not watched.
	writeFile(t, dir, "notes.txt", "hello")

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		var last *Config
		if len(reloaded) > 0 {
			last = reloaded[len(reloaded)-1]
		}
		mu.Unlock()
		if last != nil && last.Quota.MaxConcurrentProvision[engine.KindVolume] == 9 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("configuration never reloaded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, cfg := range reloaded {
		if cfg.Quota.MaxConcurrentProvision[engine.KindVolume] < 0 {
			t.Error("invalid configuration was applied")
		}
	}
}
