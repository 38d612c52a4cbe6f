package policy

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cumulus/pkg/engine"
	"github.com/openfroyo/cumulus/pkg/secgroup"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func volumeIntent(name string, sizeMiB int) *engine.Intent {
	return &engine.Intent{
		Tenant: "acme",
		Spec:   &engine.VolumeSpec{Name: name, SizeMiB: sizeMiB},
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{
		"instance-user-data",
		"resource-naming",
		"security-group-exposure",
		"volume-size",
	}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Policy %d: expected %s, got %s", i, name, policies[i].Name)
		}
	}
}

func TestCheckIntent_Naming(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		intent  *engine.Intent
		allowed bool
	}{
		{"plain name", volumeIntent("web-disk-0", 1024), true},
		{"generated snapshot name", &engine.Intent{Tenant: "acme", Spec: &engine.SnapshotSpec{
			Name: "Snapshot for volume web-disk-0", SourceVolumeID: "vol-1",
		}}, true},
		{"leading whitespace", volumeIntent(" web", 1024), false},
		{"trailing whitespace", volumeIntent("web ", 1024), false},
		{"control character", volumeIntent("web\tdisk", 1024), false},
		{"too long", volumeIntent(strings.Repeat("a", 256), 1024), false},
		{"backup description is not a name", &engine.Intent{Tenant: "acme", Spec: &engine.BackupSpec{
			InstanceID: "inst-1", Description: " Scheduled backup ",
		}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eng.CheckIntent(ctx, tt.intent)
			if tt.allowed && err != nil {
				t.Errorf("Expected intent to be allowed, got %v", err)
			}
			if !tt.allowed {
				if err == nil {
					t.Fatal("Expected intent to be denied")
				}
				if code := engine.ErrorCode(err); code != engine.ErrCodePolicyDenied {
					t.Errorf("Expected code %s, got %s", engine.ErrCodePolicyDenied, code)
				}
				if !engine.IsValidation(err) {
					t.Errorf("Expected a validation error, got %v", err)
				}
			}
		})
	}
}

func TestEvaluate_VolumeSize(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	input, err := NewInput(volumeIntent("data", 1500), time.Now())
	if err != nil {
		t.Fatalf("NewInput failed: %v", err)
	}
	result, err := eng.Evaluate(ctx, input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Odd sizes should only warn, got %+v", result.Violations)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Policy != "volume-size" {
		t.Fatalf("Expected one volume-size warning, got %+v", result.Warnings)
	}
	if result.Warnings[0].Remediation == "" {
		t.Error("Expected a remediation on the warning")
	}

	err = eng.CheckIntent(ctx, volumeIntent("huge", 16*1024*1024+1024))
	if err == nil {
		t.Fatal("Expected volumes above 16 TiB to be denied")
	}
	if !strings.Contains(err.Error(), "exceeds the maximum") {
		t.Errorf("Unexpected message: %v", err)
	}
}

func TestCheckIntent_SecurityGroupExposure(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	group := func(rules ...secgroup.Rule) *engine.Intent {
		return &engine.Intent{Tenant: "acme", Spec: &engine.SecurityGroupSpec{Name: "web", Rules: rules}}
	}

	if err := eng.CheckIntent(ctx, group(secgroup.PortRule(secgroup.ProtocolTCP, 1, 65535, "0.0.0.0/0"))); err == nil {
		t.Error("Expected the full tcp range open to the world to be denied")
	}
	if err := eng.CheckIntent(ctx, group(secgroup.PortRule(secgroup.ProtocolTCP, 1, 65535, "10.0.0.0/8"))); err != nil {
		t.Errorf("Private ranges should be allowed: %v", err)
	}
	if err := eng.CheckIntent(ctx, group(
		secgroup.PortRule(secgroup.ProtocolTCP, 443, 443, "0.0.0.0/0"),
		secgroup.ICMPRule(-1, -1, "0.0.0.0/0"),
	)); err != nil {
		t.Errorf("HTTPS and ICMP should be allowed: %v", err)
	}

	input, err := NewInput(group(secgroup.PortRule(secgroup.ProtocolTCP, 5432, 5432, "0.0.0.0/0")), time.Now())
	if err != nil {
		t.Fatalf("NewInput failed: %v", err)
	}
	result, err := eng.Evaluate(ctx, input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed || len(result.Warnings) != 1 {
		t.Errorf("Expected a single warning for a world-open database port, got %+v", result)
	}
}

func TestCheckIntent_UserData(t *testing.T) {
	eng := newTestEngine(t)

	intent := &engine.Intent{Tenant: "acme", Spec: &engine.InstanceSpec{
		Name: "app", Flavor: "m1.small", Image: "ubuntu", UserData: strings.Repeat("x", 65536),
	}}
	if err := eng.CheckIntent(context.Background(), intent); err == nil {
		t.Error("Expected oversized user data to be denied")
	}

	intent.Spec.(*engine.InstanceSpec).UserData = "#cloud-config\n"
	if err := eng.CheckIntent(context.Background(), intent); err != nil {
		t.Errorf("Expected small user data to be allowed: %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	intent := volumeIntent(" padded", 1024)

	if err := eng.DisablePolicy("resource-naming"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if err := eng.CheckIntent(ctx, intent); err != nil {
		t.Errorf("Disabled policy should not deny: %v", err)
	}

	if err := eng.EnablePolicy("resource-naming"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	if err := eng.CheckIntent(ctx, intent); err == nil {
		t.Error("Re-enabled policy should deny")
	}

	err := eng.DisablePolicy("missing")
	if !engine.IsNotFound(err) {
		t.Errorf("Expected not found error, got %v", err)
	}
}

func TestLoadPoliciesAndReload(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sandbox.rego"), tenantPolicy)

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	sandbox := &engine.Intent{Tenant: "sandbox", Spec: &engine.InstanceSpec{Name: "a", Flavor: "f", Image: "i"}}
	if err := eng.CheckIntent(ctx, sandbox); err == nil {
		t.Fatal("Expected custom policy to deny sandbox instances")
	}

	p, err := eng.GetPolicy("sandbox")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Description == "" {
		t.Error("Expected description from rego comments")
	}

	writeFile(t, filepath.Join(dir, "sandbox.rego"), "package test.tenants\n")
	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if err := eng.CheckIntent(ctx, sandbox); err != nil {
		t.Errorf("Reloaded policy should no longer deny: %v", err)
	}
	if len(eng.ListPolicies()) != len(GetBuiltinPolicies())+1 {
		t.Errorf("Expected built-ins plus one policy, got %d", len(eng.ListPolicies()))
	}
}

func TestLoadPolicies_CompileErrorKeepsCurrentSet(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "good.rego"), tenantPolicy)
	writeFile(t, filepath.Join(dir, "broken.rego"), "package broken\n\ndeny contains msg if {")

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("good"); err == nil {
		t.Error("No policy should be installed when one fails to compile")
	}
}

func TestSetPoliciesKeepsEnabledState(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.DisablePolicy("volume-size"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if err := eng.SetPolicies(ctx, nil); err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}
	p, err := eng.GetPolicy("volume-size")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Enabled {
		t.Error("Disabled state should survive a reload")
	}
}
