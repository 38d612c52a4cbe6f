package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/cumulus/pkg/backup"
	"github.com/openfroyo/cumulus/pkg/config"
	"github.com/openfroyo/cumulus/pkg/engine"
	"github.com/openfroyo/cumulus/pkg/gateway"
	"github.com/openfroyo/cumulus/pkg/policy"
	"github.com/openfroyo/cumulus/pkg/quota"
	"github.com/openfroyo/cumulus/pkg/stores"
	"github.com/openfroyo/cumulus/pkg/telemetry"
)

// queueDepthInterval is how often the queue depth gauge is refreshed.
const queueDepthInterval = 5 * time.Second

// Service exposes the lifecycle operations of the engine, the quota
// controller and the backup coordinator behind one facade. It owns their
// wiring and background loops.
type Service struct {
	cfg     *config.Config
	store   stores.Store
	gateway engine.Gateway
	orch    *engine.Orchestrator
	sweeper *engine.Sweeper
	quota   *quota.Controller
	backups *backup.Coordinator
	policy  *policy.Engine
	tel     *telemetry.Telemetry
	logger  zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option customises a Service.
type Option func(*options)

type options struct {
	gateway   engine.Gateway
	clock     clock.Clock
	telemetry *telemetry.Telemetry
}

// WithGateway replaces the gateway built from the configuration.
func WithGateway(gw engine.Gateway) Option {
	return func(o *options) { o.gateway = gw }
}

// WithClock replaces the wall clock of the orchestrator and the backup
// coordinator.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithTelemetry enables metrics, tracing and the event log.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = tel }
}

// New wires a service over an initialised and migrated store.
func New(cfg *config.Config, store stores.Store, logger zerolog.Logger, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	gw := o.gateway
	if gw == nil {
		var err error
		if gw, err = NewGateway(cfg.Gateway, logger); err != nil {
			return nil, err
		}
	}
	if cfg.Gateway.RateLimit > 0 {
		gw = gateway.NewRateLimited(gw, cfg.Gateway.RateLimit, cfg.Gateway.Burst)
	}
	if o.telemetry != nil {
		gw = gateway.NewInstrumented(gw, o.telemetry.Metrics, o.telemetry.Tracer.Tracer())
	}

	admitter := quota.NewController(store, cfg.Quota, logger)
	orch := engine.NewOrchestrator(cfg.Engine.Orchestrator(), store, gw, admitter, logger)
	coord := backup.NewCoordinator(orch, store, logger)
	orch.AddHook(coord.OnTransition)

	if o.clock != nil {
		orch.SetClock(o.clock)
		coord.SetClock(o.clock)
	}

	s := &Service{
		cfg:     cfg,
		store:   store,
		gateway: gw,
		orch:    orch,
		sweeper: engine.NewSweeper(orch, cfg.Engine.StuckAfter, cfg.Engine.SweepInterval),
		quota:   admitter,
		backups: coord,
		tel:     o.telemetry,
		logger:  logger.With().Str("component", "service").Logger(),
	}

	if tel := o.telemetry; tel != nil {
		admitter.SetRecorder(tel.Metrics)
		orch.SetEventPublisher(tel.Events)
		coord.SetEventPublisher(tel.Events)
		orch.AddHook(tel.Metrics.ObserveTransition)
		tel.Events.PersistTo(store, logger)
	}

	if cfg.Policy.Enabled {
		pe, err := policy.NewEngine(logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := pe.LoadPolicies(context.Background(), cfg.Policy.Paths); err != nil {
				return nil, err
			}
		}
		orch.SetPolicy(pe)
		s.policy = pe
	}

	return s, nil
}

// NewGateway builds the gateway selected by cfg.Driver.
func NewGateway(cfg config.GatewayConfig, logger zerolog.Logger) (engine.Gateway, error) {
	switch cfg.Driver {
	case config.DriverSimulator, "":
		return gateway.NewSimulator(cfg.Simulator), nil
	case config.DriverOpenStack:
		if cfg.OpenStack == nil {
			return nil, fmt.Errorf("openstack gateway requires credentials")
		}
		gw, err := gateway.NewOpenStack(*cfg.OpenStack, logger)
		if err != nil {
			return nil, err
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unknown gateway driver: %s", cfg.Driver)
	}
}

// Start launches the orchestrator, the sweeper, the backup scheduler and,
// when enabled, the policy watcher.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group != nil {
		return fmt.Errorf("service already started")
	}

	if err := s.orch.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		s.sweeper.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		s.backups.Run(groupCtx, s.cfg.Backup.SchedulerInterval)
		return nil
	})
	if s.tel != nil {
		group.Go(func() error {
			s.tel.Metrics.WatchQueueDepth(groupCtx, queueDepthInterval, s.orch.QueueDepth)
			return nil
		})
	}
	if s.policy != nil && s.cfg.Policy.Watch && len(s.cfg.Policy.Paths) > 0 {
		loader := policy.NewLoader(s.logger)
		if err := loader.Watch(groupCtx, s.cfg.Policy.Paths, s.policy.SetPolicies); err != nil {
			cancel()
			_ = group.Wait()
			_ = s.orch.Stop()
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	s.cancel = cancel
	s.group = group
	s.logger.Info().Str("gateway", s.cfg.Gateway.Driver).Msg("Service started")
	return nil
}

// Stop stops the background loops and the orchestrator. Outstanding
// operations resume on the next Start.
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel, group := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()

	if group != nil {
		cancel()
		_ = group.Wait()
	}
	err := s.orch.Stop()
	s.logger.Info().Msg("Service stopped")
	return err
}

// ApplyConfig applies the reloadable parts of cfg. Only the quota policy is
// reloadable; other sections take effect on restart.
func (s *Service) ApplyConfig(cfg *config.Config) error {
	if err := s.quota.SetPolicy(cfg.Quota); err != nil {
		return err
	}
	s.logger.Info().Msg("Quota policy reloaded")
	return nil
}

// WatchConfig reloads the quota policy whenever the file at path changes.
func (s *Service) WatchConfig(ctx context.Context, loader *config.Loader, path string) (*config.Watcher, error) {
	w := config.NewWatcher(loader, path, s.ApplyConfig, s.logger)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// Telemetry returns the telemetry the service was built with, or nil.
func (s *Service) Telemetry() *telemetry.Telemetry { return s.tel }

// Policies returns the intent policy engine, or nil when disabled.
func (s *Service) Policies() *policy.Engine { return s.policy }

// Sweep runs one sweep of stuck creations immediately.
func (s *Service) Sweep(ctx context.Context) (int, error) { return s.sweeper.Sweep(ctx) }

// HealthCheck reports whether the store is reachable.
func (s *Service) HealthCheck(ctx context.Context) error { return s.store.HealthCheck(ctx) }

// begin opens an instrumented operation carrying the service telemetry.
func (s *Service) begin(ctx context.Context, operation, resourceID string, kind engine.Kind) *telemetry.InstrumentedContext {
	if s.tel != nil {
		ctx = s.tel.WithContext(ctx)
	}
	return telemetry.StartResourceOperation(ctx, operation, resourceID, kind)
}
