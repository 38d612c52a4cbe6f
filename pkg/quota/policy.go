package quota

import (
	"fmt"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// Ratio caps the usage of a dependent kind at PerParent times the usage of
// its parent kind.
type Ratio struct {
	Dependent engine.Kind `json:"dependent" yaml:"dependent" validate:"required"`
	Parent    engine.Kind `json:"parent" yaml:"parent" validate:"required"`
	PerParent int         `json:"per_parent" yaml:"per_parent" validate:"gte=0"`
}

// Policy is the admission policy shared by all tenants.
type Policy struct {
	// MaxConcurrentProvision bounds pending operations per kind. Zero or
	// absent means unlimited.
	MaxConcurrentProvision map[engine.Kind]int `json:"max_concurrent_provision" yaml:"max_concurrent_provision"`

	// Ratios apply to creates of kinds without an explicit limit.
	Ratios []Ratio `json:"ratios" yaml:"ratios"`
}

// DefaultPolicy returns four concurrent provisions for instances, volumes
// and snapshots, four volumes per instance and twenty snapshots per instance.
func DefaultPolicy() Policy {
	return Policy{
		MaxConcurrentProvision: map[engine.Kind]int{
			engine.KindInstance: 4,
			engine.KindVolume:   4,
			engine.KindSnapshot: 4,
		},
		Ratios: []Ratio{
			{Dependent: engine.KindVolume, Parent: engine.KindInstance, PerParent: 4},
			{Dependent: engine.KindSnapshot, Parent: engine.KindInstance, PerParent: 20},
		},
	}
}

// Validate checks kinds and rejects ratio cycles of length one.
func (p Policy) Validate() error {
	for kind, max := range p.MaxConcurrentProvision {
		if err := kind.Validate(); err != nil {
			return err
		}
		if max < 0 {
			return fmt.Errorf("max concurrent provision for %s must not be negative", kind)
		}
	}
	seen := make(map[engine.Kind]bool)
	for _, r := range p.Ratios {
		if err := r.Dependent.Validate(); err != nil {
			return err
		}
		if err := r.Parent.Validate(); err != nil {
			return err
		}
		if r.Dependent == r.Parent {
			return fmt.Errorf("ratio for %s cannot reference itself", r.Dependent)
		}
		if r.PerParent < 0 {
			return fmt.Errorf("ratio %s per %s must not be negative", r.Dependent, r.Parent)
		}
		if seen[r.Dependent] {
			return fmt.Errorf("duplicate ratio for %s", r.Dependent)
		}
		seen[r.Dependent] = true
	}
	return nil
}

// ratioFor returns the ratio configured for a dependent kind.
func (p Policy) ratioFor(kind engine.Kind) (Ratio, bool) {
	for _, r := range p.Ratios {
		if r.Dependent == kind {
			return r, true
		}
	}
	return Ratio{}, false
}

func (p Policy) clone() Policy {
	c := Policy{
		MaxConcurrentProvision: make(map[engine.Kind]int, len(p.MaxConcurrentProvision)),
		Ratios:                 append([]Ratio(nil), p.Ratios...),
	}
	for k, v := range p.MaxConcurrentProvision {
		c.MaxConcurrentProvision[k] = v
	}
	return c
}
