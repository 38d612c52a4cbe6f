package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/cumulus/pkg/backup"
	"github.com/openfroyo/cumulus/pkg/engine"
)

type admitRequest struct {
	Tenant string          `json:"tenant" binding:"required"`
	Kind   string          `json:"kind" binding:"required"`
	Spec   json.RawMessage `json:"spec" binding:"required"`
}

type admitResponse struct {
	ID string `json:"id"`
}

type updateRequest struct {
	Spec json.RawMessage `json:"spec" binding:"required"`
}

type rescheduleRequest struct {
	Operation string `json:"operation" binding:"required"`
}

type backupRequest struct {
	Tenant      string     `json:"tenant" binding:"required"`
	InstanceID  string     `json:"instance_id" binding:"required"`
	Description string     `json:"description"`
	KeptUntil   *time.Time `json:"kept_until"`
}

type restorationRequest struct {
	BackupID string `json:"backup_id" binding:"required"`
	backup.RestoreOptions
}

type scheduleRequest struct {
	Tenant     string `json:"tenant" binding:"required"`
	InstanceID string `json:"instance_id" binding:"required"`
	Interval   string `json:"interval" binding:"required"`
	Retention  string `json:"retention"`
	MaxBackups int    `json:"max_backups"`
}

type limitRequest struct {
	Limit *int `json:"limit" binding:"required"`
}

// resourceView decorates a resource with its display label.
type resourceView struct {
	*engine.ManagedResource
	Label engine.StateLabel `json:"label"`
}

func newResourceView(r *engine.ManagedResource, version engine.LabelVersion) resourceView {
	return resourceView{ManagedResource: r, Label: engine.Label(r.Kind, r.State, version)}
}

type backupView struct {
	resourceView
	Snapshots    []resourceView              `json:"snapshots"`
	Restorations []*engine.BackupRestoration `json:"restorations"`
}

func labelVersion(c *gin.Context) (engine.LabelVersion, bool) {
	version, err := engine.ParseLabelVersion(c.Query("labels"))
	if err != nil {
		badRequest(c, err.Error(), nil)
		return "", false
	}
	return version, true
}

func (s *Server) health(c *gin.Context) {
	if err := s.svc.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) admitIntent(c *gin.Context) {
	var req admitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request", err)
		return
	}
	kind, err := engine.ParseKind(req.Kind)
	if err != nil {
		badRequest(c, err.Error(), nil)
		return
	}
	spec, err := engine.DecodeSpec(kind, req.Spec)
	if err != nil {
		writeError(c, err)
		return
	}
	id, err := s.svc.AdmitIntent(c.Request.Context(), req.Tenant, kind, spec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", "/resources/"+id)
	c.JSON(http.StatusAccepted, admitResponse{ID: id})
}

func (s *Server) listResources(c *gin.Context) {
	version, ok := labelVersion(c)
	if !ok {
		return
	}
	filter := engine.ResourceFilter{
		Tenant:   c.Query("tenant"),
		ParentID: c.Query("parent_id"),
	}
	if k := c.Query("kind"); k != "" {
		kind, err := engine.ParseKind(k)
		if err != nil {
			badRequest(c, err.Error(), nil)
			return
		}
		filter.Kind = kind
	}
	if st := c.Query("state"); st != "" {
		state := engine.ResourceState(st)
		if err := state.Validate(); err != nil {
			badRequest(c, err.Error(), nil)
			return
		}
		filter.States = []engine.ResourceState{state}
	}

	list, err := s.svc.ListResources(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]resourceView, 0, len(list))
	for _, r := range list {
		views = append(views, newResourceView(r, version))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) getResource(c *gin.Context) {
	version, ok := labelVersion(c)
	if !ok {
		return
	}
	r, err := s.svc.GetState(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newResourceView(r, version))
}

func (s *Server) updateResource(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request", err)
		return
	}
	ctx := c.Request.Context()
	r, err := s.svc.GetState(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	spec, err := engine.DecodeSpec(r.Kind, req.Spec)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.svc.ScheduleUpdate(ctx, r.ID, spec); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) deleteResource(c *gin.Context) {
	if err := s.svc.ScheduleDeletion(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) resourceHistory(c *gin.Context) {
	history, err := s.svc.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) cancelResource(c *gin.Context) {
	if err := s.svc.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) rescheduleResource(c *gin.Context) {
	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request", err)
		return
	}
	op := engine.OperationType(req.Operation)
	if err := op.Validate(); err != nil {
		badRequest(c, err.Error(), nil)
		return
	}
	if err := s.svc.Reschedule(c.Request.Context(), c.Param("id"), op); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) createBackup(c *gin.Context) {
	var req backupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request", err)
		return
	}
	var keptUntil time.Time
	if req.KeptUntil != nil {
		keptUntil = *req.KeptUntil
	}
	id, err := s.svc.CreateBackup(c.Request.Context(), req.Tenant, req.InstanceID, req.Description, keptUntil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", "/backups/"+id)
	c.JSON(http.StatusAccepted, admitResponse{ID: id})
}

func (s *Server) listBackups(c *gin.Context) {
	version, ok := labelVersion(c)
	if !ok {
		return
	}
	tenant := c.Query("tenant")
	if tenant == "" {
		badRequest(c, "tenant is required", nil)
		return
	}
	list, err := s.svc.ListBackups(c.Request.Context(), tenant)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]resourceView, 0, len(list))
	for _, r := range list {
		views = append(views, newResourceView(r, version))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) getBackup(c *gin.Context) {
	version, ok := labelVersion(c)
	if !ok {
		return
	}
	b, err := s.svc.GetBackup(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	view := backupView{
		resourceView: newResourceView(b.ManagedResource, version),
		Snapshots:    make([]resourceView, 0, len(b.Snapshots)),
		Restorations: b.Restorations,
	}
	for _, snap := range b.Snapshots {
		view.Snapshots = append(view.Snapshots, newResourceView(snap, version))
	}
	if view.Restorations == nil {
		view.Restorations = []*engine.BackupRestoration{}
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) deleteBackup(c *gin.Context) {
	if err := s.svc.DeleteBackup(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) listRestorations(c *gin.Context) {
	list, err := s.svc.ListRestorations(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*engine.BackupRestoration{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) createRestoration(c *gin.Context) {
	var req restorationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request", err)
		return
	}
	rs, err := s.svc.CreateRestoration(c.Request.Context(), req.BackupID, req.RestoreOptions)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", "/backup-restorations/"+rs.ID)
	c.JSON(http.StatusCreated, rs)
}

func (s *Server) getRestoration(c *gin.Context) {
	rs, err := s.svc.GetRestoration(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rs)
}

func (s *Server) createSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request", err)
		return
	}
	interval, err := time.ParseDuration(req.Interval)
	if err != nil {
		badRequest(c, "invalid interval", err)
		return
	}
	var retention time.Duration
	if req.Retention != "" {
		if retention, err = time.ParseDuration(req.Retention); err != nil {
			badRequest(c, "invalid retention", err)
			return
		}
	}
	sc, err := s.svc.CreateSchedule(c.Request.Context(), &engine.BackupSchedule{
		Tenant:     req.Tenant,
		InstanceID: req.InstanceID,
		Interval:   interval,
		Retention:  retention,
		MaxBackups: req.MaxBackups,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sc)
}

func (s *Server) listSchedules(c *gin.Context) {
	tenant := c.Query("tenant")
	if tenant == "" {
		badRequest(c, "tenant is required", nil)
		return
	}
	list, err := s.svc.ListSchedules(c.Request.Context(), tenant)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*engine.BackupSchedule{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) deleteSchedule(c *gin.Context) {
	if err := s.svc.DeleteSchedule(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) activateSchedule(c *gin.Context) {
	if err := s.svc.ActivateSchedule(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getUsage(c *gin.Context) {
	usage, err := s.svc.Usage(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

func (s *Server) setLimit(c *gin.Context) {
	kind, err := engine.ParseKind(c.Param("kind"))
	if err != nil {
		badRequest(c, err.Error(), nil)
		return
	}
	var req limitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request", err)
		return
	}
	if err := s.svc.SetLimit(c.Request.Context(), c.Param("tenant"), kind, *req.Limit); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listEvents(c *gin.Context) {
	filter := engine.EventFilter{
		ResourceID: c.Query("resource_id"),
		Tenant:     c.Query("tenant"),
	}
	for _, t := range c.QueryArray("type") {
		filter.Types = append(filter.Types, engine.EventType(t))
	}
	var err error
	if filter.Limit, err = intQuery(c, "limit", 100); err != nil {
		badRequest(c, "invalid limit", err)
		return
	}
	if filter.Offset, err = intQuery(c, "offset", 0); err != nil {
		badRequest(c, "invalid offset", err)
		return
	}
	events, err := s.svc.Events(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
