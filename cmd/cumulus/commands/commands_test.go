package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/cumulus/pkg/engine"
	"github.com/openfroyo/cumulus/pkg/secgroup"
)

func TestReadSpec(t *testing.T) {
	spec, err := readSpec(engine.KindVolume, `{"name":"data","size_mib":1024}`, "")
	if err != nil {
		t.Fatalf("readSpec() error = %v", err)
	}
	vol, ok := spec.(*engine.VolumeSpec)
	if !ok {
		t.Fatalf("readSpec() = %T, want *engine.VolumeSpec", spec)
	}
	if vol.SizeMiB != 1024 {
		t.Errorf("SizeMiB = %d, want 1024", vol.SizeMiB)
	}

	path := filepath.Join(t.TempDir(), "instance.json")
	if err := os.WriteFile(path, []byte(`{"name":"web","flavor":"m1.small"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	spec, err = readSpec(engine.KindInstance, "", path)
	if err != nil {
		t.Fatalf("readSpec(file) error = %v", err)
	}
	if name := engine.SpecName(spec); name != "web" {
		t.Errorf("SpecName() = %q, want web", name)
	}
}

func TestReadSpecErrors(t *testing.T) {
	tests := []struct {
		name   string
		kind   engine.Kind
		inline string
		file   string
	}{
		{name: "missing", kind: engine.KindVolume},
		{name: "both", kind: engine.KindVolume, inline: `{}`, file: "spec.json"},
		{name: "unknown field", kind: engine.KindVolume, inline: `{"name":"a","size_mib":1,"color":"red"}`},
		{name: "missing file", kind: engine.KindVolume, file: filepath.Join(t.TempDir(), "absent.json")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := readSpec(tt.kind, tt.inline, tt.file); err == nil {
				t.Error("readSpec() expected error")
			}
		})
	}
}

func TestPrepareRules(t *testing.T) {
	rules := []secgroup.Rule{
		secgroup.PortRule(secgroup.ProtocolTCP, 22, 22, "10.0.0.0/24"),
		secgroup.PortRule(secgroup.ProtocolTCP, 22, 22, "10.0.1.0/24"),
	}

	kept, err := prepareRules(rules, false)
	if err != nil {
		t.Fatalf("prepareRules() error = %v", err)
	}
	if len(kept) != 2 {
		t.Errorf("prepareRules(merge=false) returned %d rules, want 2", len(kept))
	}

	merged, err := prepareRules(rules, true)
	if err != nil {
		t.Fatalf("prepareRules(merge) error = %v", err)
	}
	if len(merged) != 1 || merged[0].CIDR != "10.0.0.0/23" {
		t.Errorf("prepareRules(merge) = %v, want one 10.0.0.0/23 rule", merged)
	}

	bad := []secgroup.Rule{secgroup.PortRule(secgroup.ProtocolTCP, 22, 22, "not-a-cidr")}
	if _, err := prepareRules(bad, false); err == nil {
		t.Error("prepareRules() expected error for invalid CIDR")
	}
}
