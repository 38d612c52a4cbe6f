package gateway

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-goose/goose/v5/cinder"
	"github.com/go-goose/goose/v5/client"
	gooseerrors "github.com/go-goose/goose/v5/errors"
	"github.com/go-goose/goose/v5/identity"
	"github.com/go-goose/goose/v5/neutron"
	"github.com/go-goose/goose/v5/nova"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cumulus/pkg/secgroup"
)

// OpenStackConfig holds the credentials of the OpenStack project that owns
// all managed resources.
type OpenStackConfig struct {
	AuthURL    string `json:"auth_url" yaml:"auth_url" validate:"required,url"`
	Username   string `json:"username" yaml:"username" validate:"required"`
	Password   string `json:"password" yaml:"password" validate:"required"`
	TenantName string `json:"tenant_name" yaml:"tenant_name" validate:"required"`
	Region     string `json:"region" yaml:"region" validate:"required"`

	// AuthMode is userpass, keypair or legacy.
	AuthMode string `json:"auth_mode" yaml:"auth_mode" validate:"omitempty,oneof=userpass keypair legacy"`

	// Insecure disables TLS hostname verification.
	Insecure bool `json:"insecure" yaml:"insecure"`
}

func (c OpenStackConfig) authMode() identity.AuthMode {
	switch c.AuthMode {
	case "keypair":
		return identity.AuthKeyPair
	case "legacy":
		return identity.AuthLegacy
	default:
		return identity.AuthUserPass
	}
}

// NewOpenStack authenticates against keystone and returns a gateway backed
// by nova, cinder and neutron.
func NewOpenStack(cfg OpenStackConfig, logger zerolog.Logger) (*OpenStack, error) {
	cred := &identity.Credentials{
		User:       cfg.Username,
		Secrets:    cfg.Password,
		Region:     cfg.Region,
		TenantName: cfg.TenantName,
		URL:        cfg.AuthURL,
	}
	newClient := client.NewClient
	if cfg.Insecure {
		newClient = client.NewNonValidatingClient
	}
	authClient := newClient(cred, cfg.authMode(), nil)
	if err := authClient.Authenticate(); err != nil {
		if gooseerrors.IsUnauthorised(err) {
			return nil, errors.NewUnauthorized(err, "authentication failed, check the credentials and tenant name")
		}
		return nil, errors.Annotate(err, "authentication failed")
	}

	endpoints := authClient.EndpointsForRegion(cfg.Region)
	var endpoint string
	for _, service := range []string{"volumev3", "volumev2", "volume"} {
		if endpoints[service] != "" {
			endpoint = endpoints[service]
			break
		}
	}
	if endpoint == "" {
		return nil, errors.NotFoundf("volume endpoint for region %q", cfg.Region)
	}
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Annotate(err, "error parsing volume endpoint")
	}

	return newOpenStack(
		&novaCompute{client: nova.New(authClient)},
		&cinderVolumes{client: cinder.Basic(endpointURL, authClient.TenantId(), authClient.Token)},
		&neutronNetwork{client: neutron.New(authClient)},
		logger,
	), nil
}

// gooseError translates goose error kinds into juju/errors kinds.
func gooseError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case gooseerrors.IsNotFound(err):
		return errors.NewNotFound(err, msg)
	case gooseerrors.IsDuplicateValue(err):
		return errors.NewAlreadyExists(err, msg)
	case gooseerrors.IsUnauthorised(err):
		return errors.NewUnauthorized(err, msg)
	case gooseerrors.IsNotImplemented(err):
		return errors.NewNotImplemented(err, msg)
	default:
		return errors.Annotate(err, msg)
	}
}

type novaCompute struct {
	client *nova.Client
}

// keyNameKey records the requested key pair in the server metadata; nova's
// create call in goose carries no key_name field.
const keyNameKey = "cumulus-key-name"

func runServerOpts(req serverRequest) nova.RunServerOpts {
	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.KeyName != "" {
		metadata[keyNameKey] = req.KeyName
	}
	opts := nova.RunServerOpts{
		Name:     req.Name,
		FlavorId: req.FlavorID,
		ImageId:  req.ImageID,
		UserData: req.UserData,
		Metadata: metadata,
	}
	for _, id := range req.SecurityGroupIDs {
		// Nova accepts group ids wherever it accepts names.
		opts.SecurityGroupNames = append(opts.SecurityGroupNames, nova.SecurityGroupName{Name: id})
	}
	if req.BootVolumeID != "" {
		opts.BlockDeviceMappings = append(opts.BlockDeviceMappings, nova.BlockDeviceMapping{
			BootIndex:       0,
			UUID:            req.BootVolumeID,
			SourceType:      "volume",
			DestinationType: "volume",
		})
	}
	for _, id := range req.DataVolumeIDs {
		opts.BlockDeviceMappings = append(opts.BlockDeviceMappings, nova.BlockDeviceMapping{
			BootIndex:       -1,
			UUID:            id,
			SourceType:      "volume",
			DestinationType: "volume",
		})
	}
	return opts
}

func (n *novaCompute) RunServer(req serverRequest) (string, error) {
	opts := runServerOpts(req)
	server, err := n.client.RunServer(opts)
	if err != nil {
		return "", gooseError(err, "run server %q", req.Name)
	}
	if server == nil {
		return "", errors.Errorf("lost contact with nova while creating %q", req.Name)
	}
	return server.Id, nil
}

func (n *novaCompute) ServerStatus(id string) (string, string, error) {
	server, err := n.client.GetServer(id)
	if err != nil {
		return "", "", gooseError(err, "server %s", id)
	}
	var fault string
	if server.Fault != nil {
		fault = server.Fault.Message
	}
	switch server.Status {
	case nova.StatusActive:
		return statusActive, fault, nil
	case nova.StatusError:
		return statusError, fault, nil
	case nova.StatusDeleted:
		return statusDeleted, fault, nil
	default:
		return server.Status, fault, nil
	}
}

func (n *novaCompute) DeleteServer(id string) error {
	return gooseError(n.client.DeleteServer(id), "delete server %s", id)
}

func (n *novaCompute) FindServer(name, token string) (string, error) {
	filter := nova.NewFilter()
	filter.Set(nova.FilterServer, "^"+name+"$")
	servers, err := n.client.ListServersDetail(filter)
	if err != nil {
		return "", gooseError(err, "list servers named %q", name)
	}
	for _, s := range servers {
		if s.Metadata[tokenKey] == token {
			return s.Id, nil
		}
	}
	return "", errors.NotFoundf("server with token %s", token)
}

type cinderVolumes struct {
	client *cinder.Client
}

func (c *cinderVolumes) CreateVolume(req volumeRequest) (string, error) {
	resp, err := c.client.CreateVolume(cinder.CreateVolumeVolumeParams{
		Name:        req.Name,
		Description: req.Description,
		Size:        req.SizeGiB,
		SnapshotId:  req.SnapshotID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return "", gooseError(err, "create volume %q", req.Name)
	}
	return resp.Volume.ID, nil
}

func (c *cinderVolumes) VolumeStatus(id string) (string, error) {
	resp, err := c.client.GetVolume(id)
	if err != nil {
		return "", gooseError(err, "volume %s", id)
	}
	return resp.Volume.Status, nil
}

func (c *cinderVolumes) DeleteVolume(id string) error {
	return gooseError(c.client.DeleteVolume(id), "delete volume %s", id)
}

func (c *cinderVolumes) FindVolume(name, token string) (string, error) {
	resp, err := c.client.GetVolumesDetail()
	if err != nil {
		return "", gooseError(err, "list volumes")
	}
	for _, v := range resp.Volumes {
		if v.Name == name && v.Metadata[tokenKey] == token {
			return v.ID, nil
		}
	}
	return "", errors.NotFoundf("volume with token %s", token)
}

func (c *cinderVolumes) CreateSnapshot(req snapshotRequest) (string, error) {
	resp, err := c.client.CreateSnapshot(cinder.CreateSnapshotSnapshotParams{
		Name:        req.Name,
		Description: req.Description,
		VolumeId:    req.VolumeID,
		Force:       true,
	})
	if err != nil {
		return "", gooseError(err, "create snapshot of %s", req.VolumeID)
	}
	return resp.Snapshot.ID, nil
}

func (c *cinderVolumes) SnapshotStatus(id string) (string, error) {
	resp, err := c.client.GetSnapshot(id)
	if err != nil {
		return "", gooseError(err, "snapshot %s", id)
	}
	return resp.Snapshot.Status, nil
}

func (c *cinderVolumes) DeleteSnapshot(id string) error {
	return gooseError(c.client.DeleteSnapshot(id), "delete snapshot %s", id)
}

func (c *cinderVolumes) FindSnapshot(name, token string) (string, error) {
	resp, err := c.client.GetSnapshotsDetail()
	if err != nil {
		return "", gooseError(err, "list snapshots")
	}
	for _, s := range resp.Snapshots {
		if s.Name == name && strings.Contains(s.Description, tokenMarker(token)) {
			return s.ID, nil
		}
	}
	return "", errors.NotFoundf("snapshot with token %s", token)
}

type neutronNetwork struct {
	client *neutron.Client
}

func (n *neutronNetwork) CreateSecurityGroup(name, description string) (string, error) {
	group, err := n.client.CreateSecurityGroupV2(name, description)
	if err != nil {
		return "", gooseError(err, "create security group %q", name)
	}
	return group.Id, nil
}

func (n *neutronNetwork) FindSecurityGroup(name, token string) (string, error) {
	groups, err := n.client.SecurityGroupByNameV2(name)
	if err != nil {
		return "", gooseError(err, "security group %q", name)
	}
	for _, g := range groups {
		if strings.Contains(g.Description, tokenMarker(token)) {
			return g.Id, nil
		}
	}
	return "", errors.NotFoundf("security group with token %s", token)
}

func (n *neutronNetwork) AddRule(groupID string, rule secgroup.Rule) error {
	info := neutron.RuleInfoV2{
		Direction:      "ingress",
		ParentGroupId:  groupID,
		IPProtocol:     string(rule.Protocol),
		RemoteIPPrefix: rule.CIDR,
		EthernetType:   "IPv4",
	}
	if rule.Protocol == secgroup.ProtocolICMP {
		// Neutron carries the icmp type and code in the port range.
		if rule.ICMPType != nil && *rule.ICMPType != secgroup.AnyICMP {
			info.PortRangeMin = *rule.ICMPType
			if rule.ICMPCode != nil && *rule.ICMPCode != secgroup.AnyICMP {
				info.PortRangeMax = *rule.ICMPCode
			}
		}
	} else if rule.FromPort != nil && rule.ToPort != nil {
		info.PortRangeMin = *rule.FromPort
		info.PortRangeMax = *rule.ToPort
	}
	_, err := n.client.CreateSecurityGroupRuleV2(info)
	return gooseError(err, "add rule to %s", groupID)
}

func (n *neutronNetwork) DeleteSecurityGroup(id string) error {
	return gooseError(n.client.DeleteSecurityGroupV2(id), "delete security group %s", id)
}
