package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/cumulus/pkg/secgroup"
)

// Spec is the desired configuration of a resource. The set of
// implementations is closed: one struct per Kind.
type Spec interface {
	// Kind returns the resource kind the spec describes.
	Kind() Kind

	// References returns the platform ids of resources that must be OK
	// before this one can be provisioned.
	References() []string

	isSpec()
}

// InstanceSpec describes a virtual machine.
type InstanceSpec struct {
	Name    string `json:"name" validate:"required,max=255"`
	Flavor  string `json:"flavor" validate:"required"`
	Image   string `json:"image,omitempty"`
	MinRAM  int    `json:"min_ram,omitempty" validate:"gte=0"`
	MinDisk int    `json:"min_disk,omitempty" validate:"gte=0"`
	KeyName string `json:"key_name,omitempty"`

	// UserData is passed verbatim to cloud-init.
	UserData string `json:"user_data,omitempty"`

	// VolumeIDs are attached in order; the first is the system volume.
	VolumeIDs []string `json:"volume_ids,omitempty" validate:"dive,required"`

	SecurityGroupIDs []string `json:"security_group_ids,omitempty" validate:"dive,required"`
}

// VolumeSpec describes a block storage volume, optionally created from a
// snapshot or image.
type VolumeSpec struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description,omitempty"`
	SizeMiB     int    `json:"size_mib" validate:"required,gt=0"`
	ImageName   string `json:"image_name,omitempty"`
	SnapshotID  string `json:"snapshot_id,omitempty"`
}

// SnapshotSpec describes a snapshot of a volume.
type SnapshotSpec struct {
	Name           string `json:"name" validate:"required,max=255"`
	Description    string `json:"description,omitempty"`
	SourceVolumeID string `json:"source_volume_id" validate:"required"`

	// Metadata holds the source volume's attributes needed to restore it.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// BackupSpec describes a backup of an instance and its volumes.
type BackupSpec struct {
	InstanceID  string `json:"instance_id" validate:"required"`
	Description string `json:"description,omitempty"`

	// KeptUntil is an RFC3339 timestamp. Empty keeps the backup forever.
	KeptUntil string `json:"kept_until,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`

	// Metadata is the instance configuration captured at backup time.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SecurityGroupSpec describes a security group and its rules.
type SecurityGroupSpec struct {
	Name        string          `json:"name" validate:"required,max=255"`
	Description string          `json:"description,omitempty"`
	Rules       []secgroup.Rule `json:"rules,omitempty"`
}

func (*InstanceSpec) Kind() Kind      { return KindInstance }
func (*VolumeSpec) Kind() Kind        { return KindVolume }
func (*SnapshotSpec) Kind() Kind      { return KindSnapshot }
func (*BackupSpec) Kind() Kind        { return KindBackup }
func (*SecurityGroupSpec) Kind() Kind { return KindSecurityGroup }

func (s *InstanceSpec) References() []string {
	refs := make([]string, 0, len(s.VolumeIDs)+len(s.SecurityGroupIDs))
	refs = append(refs, s.VolumeIDs...)
	return append(refs, s.SecurityGroupIDs...)
}

func (s *VolumeSpec) References() []string {
	if s.SnapshotID == "" {
		return nil
	}
	return []string{s.SnapshotID}
}

func (s *SnapshotSpec) References() []string      { return []string{s.SourceVolumeID} }
func (s *BackupSpec) References() []string        { return nil }
func (s *SecurityGroupSpec) References() []string { return nil }

func (*InstanceSpec) isSpec()      {}
func (*VolumeSpec) isSpec()        {}
func (*SnapshotSpec) isSpec()      {}
func (*BackupSpec) isSpec()        {}
func (*SecurityGroupSpec) isSpec() {}

var (
	validateOnce sync.Once
	specValidate *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		specValidate = validator.New(validator.WithRequiredStructEnabled())
	})
	return specValidate
}

// ValidateSpec checks a spec once, at the boundary. Rule validation is
// delegated to the secgroup package.
func ValidateSpec(spec Spec) error {
	if spec == nil {
		return NewValidationError("spec is required", nil)
	}
	if err := structValidator().Struct(spec); err != nil {
		return NewValidationError(fmt.Sprintf("invalid %s spec", spec.Kind()), err)
	}

	switch s := spec.(type) {
	case *InstanceSpec:
		if s.Image == "" && len(s.VolumeIDs) == 0 {
			return NewValidationError("instance needs an image or a system volume", nil)
		}
		if dup := firstDuplicate(s.VolumeIDs); dup != "" {
			return NewValidationError(fmt.Sprintf("volume %s attached twice", dup), nil)
		}
	case *VolumeSpec:
		if s.ImageName != "" && s.SnapshotID != "" {
			return NewValidationError("volume cannot use both an image and a snapshot", nil)
		}
	case *SecurityGroupSpec:
		if err := secgroup.ValidateAll(s.Rules); err != nil {
			return NewValidationError("invalid security group rules", err)
		}
	}
	return nil
}

func firstDuplicate(ids []string) string {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return id
		}
		seen[id] = struct{}{}
	}
	return ""
}

// NewSpec returns an empty spec for kind.
func NewSpec(kind Kind) (Spec, error) {
	switch kind {
	case KindInstance:
		return &InstanceSpec{}, nil
	case KindVolume:
		return &VolumeSpec{}, nil
	case KindSnapshot:
		return &SnapshotSpec{}, nil
	case KindBackup:
		return &BackupSpec{}, nil
	case KindSecurityGroup:
		return &SecurityGroupSpec{}, nil
	default:
		return nil, NewValidationError(fmt.Sprintf("unsupported kind %q", kind), nil)
	}
}

// DecodeSpec unmarshals data into the spec type of kind, rejecting unknown fields.
func DecodeSpec(kind Kind, data []byte) (Spec, error) {
	spec, err := NewSpec(kind)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(spec); err != nil {
		return nil, NewValidationError(fmt.Sprintf("malformed %s spec", kind), err)
	}
	return spec, nil
}

// EncodeSpec marshals a spec for persistence.
func EncodeSpec(spec Spec) ([]byte, error) {
	return json.Marshal(spec)
}

// SpecName returns the display name carried by the spec, if any.
func SpecName(spec Spec) string {
	switch s := spec.(type) {
	case *InstanceSpec:
		return s.Name
	case *VolumeSpec:
		return s.Name
	case *SnapshotSpec:
		return s.Name
	case *SecurityGroupSpec:
		return s.Name
	case *BackupSpec:
		return s.Description
	default:
		return ""
	}
}
