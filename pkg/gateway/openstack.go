package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cumulus/pkg/engine"
	"github.com/openfroyo/cumulus/pkg/secgroup"
)

// Remote status values reported by the cloud APIs.
const (
	statusActive        = "ACTIVE"
	statusError         = "ERROR"
	statusDeleted       = "DELETED"
	statusAvailable     = "available"
	statusVolumeError   = "error"
	statusErrorDeleting = "error_deleting"
)

// tokenKey is the metadata key carrying the idempotency token.
const tokenKey = "cumulus-token"

type serverRequest struct {
	Name             string
	FlavorID         string
	ImageID          string
	KeyName          string
	UserData         []byte
	BootVolumeID     string
	DataVolumeIDs    []string
	SecurityGroupIDs []string
	Metadata         map[string]string
}

type volumeRequest struct {
	Name        string
	Description string
	SizeGiB     int
	SnapshotID  string
	Metadata    map[string]string
}

type snapshotRequest struct {
	Name        string
	Description string
	VolumeID    string
}

// computeAPI is the subset of nova the adapter uses. Missing objects are
// reported as errors satisfying errors.Is(err, errors.NotFound).
type computeAPI interface {
	RunServer(req serverRequest) (string, error)
	ServerStatus(id string) (status, fault string, err error)
	DeleteServer(id string) error
	FindServer(name, token string) (string, error)
}

// volumeAPI is the subset of cinder the adapter uses.
type volumeAPI interface {
	CreateVolume(req volumeRequest) (string, error)
	VolumeStatus(id string) (string, error)
	DeleteVolume(id string) error
	FindVolume(name, token string) (string, error)
	CreateSnapshot(req snapshotRequest) (string, error)
	SnapshotStatus(id string) (string, error)
	DeleteSnapshot(id string) error
	FindSnapshot(name, token string) (string, error)
}

// networkAPI is the subset of neutron the adapter uses.
type networkAPI interface {
	CreateSecurityGroup(name, description string) (string, error)
	FindSecurityGroup(name, token string) (string, error)
	AddRule(groupID string, rule secgroup.Rule) error
	DeleteSecurityGroup(id string) error
}

// OpenStack drives nova, cinder and neutron. Creates are idempotent: the
// token is stored with the remote object and looked up before creating.
type OpenStack struct {
	compute computeAPI
	volumes volumeAPI
	network networkAPI
	clock   clock.Clock
	logger  zerolog.Logger
}

var _ engine.Gateway = (*OpenStack)(nil)

func newOpenStack(compute computeAPI, volumes volumeAPI, network networkAPI, logger zerolog.Logger) *OpenStack {
	return &OpenStack{
		compute: compute,
		volumes: volumes,
		network: network,
		clock:   clock.WallClock,
		logger:  logger.With().Str("component", "openstack").Logger(),
	}
}

func (o *OpenStack) handle(token string, kind engine.Kind, op engine.OperationType, remoteID string) *engine.OperationHandle {
	return &engine.OperationHandle{
		ID:        fmt.Sprintf("%s:%s:%s", op, kind, remoteID),
		Kind:      kind,
		Operation: op,
		RemoteID:  remoteID,
		Token:     token,
		IssuedAt:  o.clock.Now().UTC(),
	}
}

// tokenMarker tags descriptions of objects without metadata support.
func tokenMarker(token string) string {
	return "[" + tokenKey + ":" + token + "]"
}

func withMarker(description, token string) string {
	if description == "" {
		return tokenMarker(token)
	}
	return description + " " + tokenMarker(token)
}

// Create implements engine.Gateway.
func (o *OpenStack) Create(ctx context.Context, token string, spec engine.Spec, refs map[string]string) (*engine.OperationHandle, error) {
	var (
		remoteID string
		err      error
	)
	switch s := spec.(type) {
	case *engine.InstanceSpec:
		remoteID, err = o.createServer(token, s, refs)
	case *engine.VolumeSpec:
		remoteID, err = o.createVolume(token, s, refs)
	case *engine.SnapshotSpec:
		remoteID, err = o.createSnapshot(token, s, refs)
	case *engine.SecurityGroupSpec:
		remoteID, err = o.createSecurityGroup(token, s)
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("%T has no remote representation", spec), nil)
	}
	if err != nil {
		return nil, classify(err)
	}
	o.logger.Debug().Str("kind", string(spec.Kind())).Str("remote_id", remoteID).Msg("Create issued")
	return o.handle(token, spec.Kind(), engine.OperationCreate, remoteID), nil
}

func resolve(refs map[string]string, id string) (string, error) {
	rid, ok := refs[id]
	if !ok || rid == "" {
		return "", errors.NotValidf("reference %s without remote id", id)
	}
	return rid, nil
}

func (o *OpenStack) createServer(token string, s *engine.InstanceSpec, refs map[string]string) (string, error) {
	if id, err := o.compute.FindServer(s.Name, token); err == nil {
		return id, nil
	} else if !errors.Is(err, errors.NotFound) {
		return "", errors.Annotatef(err, "looking up server %q", s.Name)
	}

	req := serverRequest{
		Name:     s.Name,
		FlavorID: s.Flavor,
		ImageID:  s.Image,
		KeyName:  s.KeyName,
		Metadata: map[string]string{tokenKey: token},
	}
	if s.UserData != "" {
		req.UserData = []byte(s.UserData)
	}
	for i, vid := range s.VolumeIDs {
		rid, err := resolve(refs, vid)
		if err != nil {
			return "", err
		}
		// Without an image the first volume is the boot disk.
		if i == 0 && s.Image == "" {
			req.BootVolumeID = rid
			continue
		}
		req.DataVolumeIDs = append(req.DataVolumeIDs, rid)
	}
	for _, gid := range s.SecurityGroupIDs {
		rid, err := resolve(refs, gid)
		if err != nil {
			return "", err
		}
		req.SecurityGroupIDs = append(req.SecurityGroupIDs, rid)
	}
	id, err := o.compute.RunServer(req)
	return id, errors.Annotatef(err, "cannot run server %q", s.Name)
}

func (o *OpenStack) createVolume(token string, s *engine.VolumeSpec, refs map[string]string) (string, error) {
	if id, err := o.volumes.FindVolume(s.Name, token); err == nil {
		return id, nil
	} else if !errors.Is(err, errors.NotFound) {
		return "", errors.Annotatef(err, "looking up volume %q", s.Name)
	}

	req := volumeRequest{
		Name:        s.Name,
		Description: s.Description,
		// Cinder sizes are GiB.
		SizeGiB:  int((s.SizeMiB + 1023) / 1024),
		Metadata: map[string]string{tokenKey: token},
	}
	if req.SizeGiB == 0 {
		req.SizeGiB = 1
	}
	if s.ImageName != "" {
		req.Metadata["image"] = s.ImageName
	}
	if s.SnapshotID != "" {
		rid, err := resolve(refs, s.SnapshotID)
		if err != nil {
			return "", err
		}
		req.SnapshotID = rid
	}
	id, err := o.volumes.CreateVolume(req)
	return id, errors.Annotatef(err, "cannot create volume %q", s.Name)
}

func (o *OpenStack) createSnapshot(token string, s *engine.SnapshotSpec, refs map[string]string) (string, error) {
	if id, err := o.volumes.FindSnapshot(s.Name, token); err == nil {
		return id, nil
	} else if !errors.Is(err, errors.NotFound) {
		return "", errors.Annotatef(err, "looking up snapshot %q", s.Name)
	}
	rid, err := resolve(refs, s.SourceVolumeID)
	if err != nil {
		return "", err
	}
	id, err := o.volumes.CreateSnapshot(snapshotRequest{
		Name:        s.Name,
		Description: withMarker(s.Description, token),
		VolumeID:    rid,
	})
	return id, errors.Annotatef(err, "cannot snapshot volume %s", rid)
}

func (o *OpenStack) createSecurityGroup(token string, s *engine.SecurityGroupSpec) (string, error) {
	id, err := o.network.FindSecurityGroup(s.Name, token)
	if errors.Is(err, errors.NotFound) {
		id, err = o.network.CreateSecurityGroup(s.Name, withMarker(s.Description, token))
	}
	if err != nil {
		return "", errors.Annotatef(err, "cannot create security group %q", s.Name)
	}
	if err := o.addRules(id, s.Rules); err != nil {
		return "", err
	}
	return id, nil
}

func (o *OpenStack) addRules(groupID string, rules []secgroup.Rule) error {
	merged, err := secgroup.Merge(rules)
	if err != nil {
		return errors.NewNotValid(err, "security group rules")
	}
	for _, rule := range merged {
		if err := o.network.AddRule(groupID, rule); err != nil && !errors.Is(err, errors.AlreadyExists) {
			return errors.Annotatef(err, "cannot add rule %s", rule)
		}
	}
	return nil
}

// Delete implements engine.Gateway. Deleting a missing object succeeds.
func (o *OpenStack) Delete(ctx context.Context, token string, kind engine.Kind, remoteID string) (*engine.OperationHandle, error) {
	var err error
	switch kind {
	case engine.KindInstance:
		err = o.compute.DeleteServer(remoteID)
	case engine.KindVolume:
		err = o.volumes.DeleteVolume(remoteID)
	case engine.KindSnapshot:
		err = o.volumes.DeleteSnapshot(remoteID)
	case engine.KindSecurityGroup:
		err = o.network.DeleteSecurityGroup(remoteID)
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("%s has no remote representation", kind), nil)
	}
	if err != nil && !errors.Is(err, errors.NotFound) {
		return nil, classify(errors.Annotatef(err, "cannot delete %s %s", kind, remoteID))
	}
	return o.handle(token, kind, engine.OperationDelete, remoteID), nil
}

// Modify implements engine.Gateway. Only security groups support in-place
// updates; missing rules are added.
func (o *OpenStack) Modify(ctx context.Context, token string, remoteID string, spec engine.Spec) (*engine.OperationHandle, error) {
	s, ok := spec.(*engine.SecurityGroupSpec)
	if !ok {
		return nil, engine.NewRemoteFailedError(fmt.Sprintf("in-place update of %s is not supported", spec.Kind()), nil)
	}
	if err := o.addRules(remoteID, s.Rules); err != nil {
		return nil, classify(err)
	}
	return o.handle(token, engine.KindSecurityGroup, engine.OperationUpdate, remoteID), nil
}

// Poll implements engine.Gateway.
func (o *OpenStack) Poll(ctx context.Context, h *engine.OperationHandle) (*engine.PollResult, error) {
	switch h.Kind {
	case engine.KindInstance:
		status, fault, err := o.compute.ServerStatus(h.RemoteID)
		return o.pollResult(h, status, fault, err, statusActive, statusError, statusError)
	case engine.KindVolume:
		status, err := o.volumes.VolumeStatus(h.RemoteID)
		return o.pollResult(h, strings.ToLower(status), "", err, statusAvailable, statusVolumeError, statusErrorDeleting)
	case engine.KindSnapshot:
		status, err := o.volumes.SnapshotStatus(h.RemoteID)
		return o.pollResult(h, strings.ToLower(status), "", err, statusAvailable, statusVolumeError, statusErrorDeleting)
	case engine.KindSecurityGroup:
		// Neutron applies security group changes synchronously.
		return &engine.PollResult{Status: engine.PollSucceeded, RemoteID: h.RemoteID}, nil
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("cannot poll %s", h.Kind), nil)
	}
}

func (o *OpenStack) pollResult(h *engine.OperationHandle, status, fault string, err error, ready, failed, failedDeleting string) (*engine.PollResult, error) {
	if h.Operation == engine.OperationDelete {
		switch {
		case errors.Is(err, errors.NotFound), status == statusDeleted:
			return &engine.PollResult{Status: engine.PollSucceeded, RemoteID: h.RemoteID}, nil
		case err != nil:
			return nil, classify(err)
		case status == failedDeleting || status == failed:
			return &engine.PollResult{Status: engine.PollFailed, Reason: failureReason(h, status, fault)}, nil
		default:
			return &engine.PollResult{Status: engine.PollPending}, nil
		}
	}

	switch {
	case errors.Is(err, errors.NotFound):
		return &engine.PollResult{Status: engine.PollFailed, Reason: fmt.Sprintf("%s %s disappeared", h.Kind, h.RemoteID)}, nil
	case err != nil:
		return nil, classify(err)
	case status == ready:
		return &engine.PollResult{Status: engine.PollSucceeded, RemoteID: h.RemoteID}, nil
	case status == failed:
		return &engine.PollResult{Status: engine.PollFailed, Reason: failureReason(h, status, fault)}, nil
	default:
		return &engine.PollResult{Status: engine.PollPending}, nil
	}
}

func failureReason(h *engine.OperationHandle, status, fault string) string {
	if fault != "" {
		return fault
	}
	return fmt.Sprintf("%s %s entered %s state", h.Kind, h.RemoteID, status)
}

// classify maps cloud errors onto engine error classes. Requests the cloud
// rejected are permanent; anything else is retried.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errors.NotValid),
		errors.Is(err, errors.NotFound),
		errors.Is(err, errors.Unauthorized),
		errors.Is(err, errors.NotImplemented),
		errors.Is(err, errors.BadRequest):
		return engine.NewRemoteFailedError(err.Error(), err)
	default:
		return engine.NewTransientError(err.Error(), err)
	}
}
