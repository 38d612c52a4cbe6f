package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cumulus/pkg/backup"
	"github.com/openfroyo/cumulus/pkg/config"
	"github.com/openfroyo/cumulus/pkg/engine"
)

// Service is the lifecycle facade the HTTP handlers call.
type Service interface {
	AdmitIntent(ctx context.Context, tenant string, kind engine.Kind, spec engine.Spec) (string, error)
	GetState(ctx context.Context, id string) (*engine.ManagedResource, error)
	Cancel(ctx context.Context, id string) error
	ScheduleUpdate(ctx context.Context, id string, spec engine.Spec) error
	ScheduleDeletion(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, op engine.OperationType) error
	ListResources(ctx context.Context, filter engine.ResourceFilter) ([]*engine.ManagedResource, error)
	History(ctx context.Context, id string) ([]*engine.TransitionRecord, error)
	Events(ctx context.Context, filter engine.EventFilter) ([]*engine.Event, error)

	CreateBackup(ctx context.Context, tenant, instanceID, description string, keptUntil time.Time) (string, error)
	GetBackup(ctx context.Context, id string) (*backup.Backup, error)
	ListBackups(ctx context.Context, tenant string) ([]*engine.ManagedResource, error)
	DeleteBackup(ctx context.Context, id string) error
	CreateRestoration(ctx context.Context, backupID string, opts backup.RestoreOptions) (*engine.BackupRestoration, error)
	ListRestorations(ctx context.Context, backupID string) ([]*engine.BackupRestoration, error)
	GetRestoration(ctx context.Context, id string) (*engine.BackupRestoration, error)
	CreateSchedule(ctx context.Context, sc *engine.BackupSchedule) (*engine.BackupSchedule, error)
	ListSchedules(ctx context.Context, tenant string) ([]*engine.BackupSchedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	ActivateSchedule(ctx context.Context, id string) error

	Usage(ctx context.Context, tenant string) ([]*engine.QuotaCounter, error)
	SetLimit(ctx context.Context, tenant string, kind engine.Kind, limit int) error

	HealthCheck(ctx context.Context) error
}

// Server serves the lifecycle API over HTTP.
type Server struct {
	cfg     config.APIConfig
	svc     Service
	router  *gin.Engine
	metrics http.Handler
	logger  zerolog.Logger
	http    *http.Server
}

// Option customises a Server.
type Option func(*Server)

// WithMetricsHandler exposes handler on GET /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(s *Server) { s.metrics = handler }
}

// NewServer builds the router for svc.
func NewServer(cfg config.APIConfig, svc Service, logger zerolog.Logger, opts ...Option) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: logger.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestid.New())
	r.Use(requestLogger(s.logger))
	s.routes(r)
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	resources := r.Group("/resources")
	resources.POST("", s.admitIntent)
	resources.GET("", s.listResources)
	resources.GET("/:id", s.getResource)
	resources.PUT("/:id", s.updateResource)
	resources.DELETE("/:id", s.deleteResource)
	resources.GET("/:id/history", s.resourceHistory)
	resources.POST("/:id/cancel", s.cancelResource)
	resources.POST("/:id/reschedule", s.rescheduleResource)

	backups := r.Group("/backups")
	backups.POST("", s.createBackup)
	backups.GET("", s.listBackups)
	backups.GET("/:id", s.getBackup)
	backups.DELETE("/:id", s.deleteBackup)
	backups.GET("/:id/restorations", s.listRestorations)

	restorations := r.Group("/backup-restorations")
	restorations.POST("", s.createRestoration)
	restorations.GET("/:id", s.getRestoration)

	schedules := r.Group("/backup-schedules")
	schedules.POST("", s.createSchedule)
	schedules.GET("", s.listSchedules)
	schedules.DELETE("/:id", s.deleteSchedule)
	schedules.POST("/:id/activate", s.activateSchedule)

	quotas := r.Group("/quotas")
	quotas.GET("/:tenant", s.getUsage)
	quotas.PUT("/:tenant/:kind", s.setLimit)

	r.GET("/events", s.listEvents)
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.cfg.ListenAddress).Msg("API listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info().Msg("API shutting down")
	return s.http.Shutdown(shutdownCtx)
}

// requestLogger emits one structured line per request.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		if status >= http.StatusInternalServerError {
			event = logger.Error()
		} else if status >= http.StatusBadRequest {
			event = logger.Warn()
		}
		event = event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Float64("duration_ms", float64(time.Since(start))/1e6).
			Int("bytes_out", c.Writer.Size()).
			Str("request_id", requestid.Get(c))
		if len(c.Errors) > 0 {
			event = event.Str("error", c.Errors.String())
		}
		event.Msg("http_request")
	}
}
