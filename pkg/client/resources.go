package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/openfroyo/cumulus/pkg/backup"
	"github.com/openfroyo/cumulus/pkg/engine"
)

// Resource is a managed resource with its display label.
type Resource struct {
	*engine.ManagedResource
	Label engine.StateLabel `json:"label"`
}

// UnmarshalJSON decodes the resource and its label separately so the
// resource keeps its kind-aware spec decoding.
func (r *Resource) UnmarshalJSON(data []byte) error {
	var mr engine.ManagedResource
	if err := json.Unmarshal(data, &mr); err != nil {
		return err
	}
	var aux struct {
		Label engine.StateLabel `json:"label"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.ManagedResource = &mr
	r.Label = aux.Label
	return nil
}

// Backup is a backup with its snapshots and restorations.
type Backup struct {
	Resource
	Snapshots    []Resource                  `json:"snapshots"`
	Restorations []*engine.BackupRestoration `json:"restorations"`
}

// UnmarshalJSON decodes the embedded resource and the nested lists.
func (b *Backup) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &b.Resource); err != nil {
		return err
	}
	var aux struct {
		Snapshots    []Resource                  `json:"snapshots"`
		Restorations []*engine.BackupRestoration `json:"restorations"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	b.Snapshots = aux.Snapshots
	b.Restorations = aux.Restorations
	return nil
}

// ListOptions filters ListResources.
type ListOptions struct {
	Tenant   string
	Kind     engine.Kind
	State    engine.ResourceState
	ParentID string
	Labels   engine.LabelVersion
}

func (o ListOptions) query() string {
	q := url.Values{}
	if o.Tenant != "" {
		q.Set("tenant", o.Tenant)
	}
	if o.Kind != "" {
		q.Set("kind", string(o.Kind))
	}
	if o.State != "" {
		q.Set("state", string(o.State))
	}
	if o.ParentID != "" {
		q.Set("parent_id", o.ParentID)
	}
	if o.Labels != "" {
		q.Set("labels", string(o.Labels))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func labelsQuery(v engine.LabelVersion) string {
	if v == "" {
		return ""
	}
	return "?labels=" + url.QueryEscape(string(v))
}

type idResponse struct {
	ID string `json:"id"`
}

// AdmitIntent admits a new resource and returns its id.
func (c *Client) AdmitIntent(ctx context.Context, tenant string, kind engine.Kind, spec engine.Spec) (string, error) {
	req := struct {
		Tenant string      `json:"tenant"`
		Kind   engine.Kind `json:"kind"`
		Spec   engine.Spec `json:"spec"`
	}{tenant, kind, spec}
	var out idResponse
	if err := c.do(ctx, http.MethodPost, "/resources", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetResource returns one resource.
func (c *Client) GetResource(ctx context.Context, id string, labels engine.LabelVersion) (*Resource, error) {
	var out Resource
	if err := c.do(ctx, http.MethodGet, "/resources/"+url.PathEscape(id)+labelsQuery(labels), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListResources returns the resources matching opts.
func (c *Client) ListResources(ctx context.Context, opts ListOptions) ([]Resource, error) {
	var out []Resource
	if err := c.do(ctx, http.MethodGet, "/resources"+opts.query(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateResource schedules an update of an OK resource.
func (c *Client) UpdateResource(ctx context.Context, id string, spec engine.Spec) error {
	req := struct {
		Spec engine.Spec `json:"spec"`
	}{spec}
	return c.do(ctx, http.MethodPut, "/resources/"+url.PathEscape(id), req, nil)
}

// DeleteResource schedules the deletion of a resource.
func (c *Client) DeleteResource(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/resources/"+url.PathEscape(id), nil, nil)
}

// CancelResource withdraws a scheduled operation.
func (c *Client) CancelResource(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/resources/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Reschedule retries the operation of an Erred resource.
func (c *Client) Reschedule(ctx context.Context, id string, op engine.OperationType) error {
	req := struct {
		Operation engine.OperationType `json:"operation"`
	}{op}
	return c.do(ctx, http.MethodPost, "/resources/"+url.PathEscape(id)+"/reschedule", req, nil)
}

// History returns the transitions of a resource.
func (c *Client) History(ctx context.Context, id string) ([]*engine.TransitionRecord, error) {
	var out []*engine.TransitionRecord
	if err := c.do(ctx, http.MethodGet, "/resources/"+url.PathEscape(id)+"/history", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateBackup starts a backup of an instance. A zero keptUntil keeps the
// backup until it is deleted.
func (c *Client) CreateBackup(ctx context.Context, tenant, instanceID, description string, keptUntil time.Time) (string, error) {
	req := struct {
		Tenant      string     `json:"tenant"`
		InstanceID  string     `json:"instance_id"`
		Description string     `json:"description,omitempty"`
		KeptUntil   *time.Time `json:"kept_until,omitempty"`
	}{Tenant: tenant, InstanceID: instanceID, Description: description}
	if !keptUntil.IsZero() {
		req.KeptUntil = &keptUntil
	}
	var out idResponse
	if err := c.do(ctx, http.MethodPost, "/backups", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetBackup returns a backup with its snapshots and restorations.
func (c *Client) GetBackup(ctx context.Context, id string, labels engine.LabelVersion) (*Backup, error) {
	var out Backup
	if err := c.do(ctx, http.MethodGet, "/backups/"+url.PathEscape(id)+labelsQuery(labels), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBackups returns the backups of a tenant.
func (c *Client) ListBackups(ctx context.Context, tenant string, labels engine.LabelVersion) ([]Resource, error) {
	q := url.Values{"tenant": {tenant}}
	if labels != "" {
		q.Set("labels", string(labels))
	}
	var out []Resource
	if err := c.do(ctx, http.MethodGet, "/backups?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteBackup deletes a backup and its snapshots.
func (c *Client) DeleteBackup(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/backups/"+url.PathEscape(id), nil, nil)
}

// CreateRestoration restores a backup into new resources.
func (c *Client) CreateRestoration(ctx context.Context, backupID string, opts backup.RestoreOptions) (*engine.BackupRestoration, error) {
	req := struct {
		BackupID string `json:"backup_id"`
		backup.RestoreOptions
	}{backupID, opts}
	var out engine.BackupRestoration
	if err := c.do(ctx, http.MethodPost, "/backup-restorations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRestorations returns the restorations of a backup.
func (c *Client) ListRestorations(ctx context.Context, backupID string) ([]*engine.BackupRestoration, error) {
	var out []*engine.BackupRestoration
	if err := c.do(ctx, http.MethodGet, "/backups/"+url.PathEscape(backupID)+"/restorations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRestoration returns one restoration.
func (c *Client) GetRestoration(ctx context.Context, id string) (*engine.BackupRestoration, error) {
	var out engine.BackupRestoration
	if err := c.do(ctx, http.MethodGet, "/backup-restorations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ScheduleRequest describes a recurring backup.
type ScheduleRequest struct {
	Tenant     string
	InstanceID string
	Interval   time.Duration
	Retention  time.Duration
	MaxBackups int
}

// CreateSchedule creates a recurring backup.
func (c *Client) CreateSchedule(ctx context.Context, sr ScheduleRequest) (*engine.BackupSchedule, error) {
	req := struct {
		Tenant     string `json:"tenant"`
		InstanceID string `json:"instance_id"`
		Interval   string `json:"interval"`
		Retention  string `json:"retention,omitempty"`
		MaxBackups int    `json:"max_backups,omitempty"`
	}{Tenant: sr.Tenant, InstanceID: sr.InstanceID, Interval: sr.Interval.String(), MaxBackups: sr.MaxBackups}
	if sr.Retention > 0 {
		req.Retention = sr.Retention.String()
	}
	var out engine.BackupSchedule
	if err := c.do(ctx, http.MethodPost, "/backup-schedules", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSchedules returns the schedules of a tenant.
func (c *Client) ListSchedules(ctx context.Context, tenant string) ([]*engine.BackupSchedule, error) {
	var out []*engine.BackupSchedule
	if err := c.do(ctx, http.MethodGet, "/backup-schedules?tenant="+url.QueryEscape(tenant), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSchedule removes a schedule.
func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/backup-schedules/"+url.PathEscape(id), nil, nil)
}

// ActivateSchedule re-enables a deactivated schedule.
func (c *Client) ActivateSchedule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/backup-schedules/"+url.PathEscape(id)+"/activate", nil, nil)
}

// Usage returns the quota counters of a tenant.
func (c *Client) Usage(ctx context.Context, tenant string) ([]*engine.QuotaCounter, error) {
	var out []*engine.QuotaCounter
	if err := c.do(ctx, http.MethodGet, "/quotas/"+url.PathEscape(tenant), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetLimit sets a tenant's quota for kind. engine.NoLimit removes it.
func (c *Client) SetLimit(ctx context.Context, tenant string, kind engine.Kind, limit int) error {
	req := struct {
		Limit int `json:"limit"`
	}{limit}
	return c.do(ctx, http.MethodPut, "/quotas/"+url.PathEscape(tenant)+"/"+string(kind), req, nil)
}

// Events returns persisted events matching filter.
func (c *Client) Events(ctx context.Context, filter engine.EventFilter) ([]*engine.Event, error) {
	q := url.Values{}
	if filter.ResourceID != "" {
		q.Set("resource_id", filter.ResourceID)
	}
	if filter.Tenant != "" {
		q.Set("tenant", filter.Tenant)
	}
	for _, t := range filter.Types {
		q.Add("type", string(t))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	path := "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*engine.Event
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
