package config

import (
	"time"

	"github.com/openfroyo/cumulus/pkg/engine"
	"github.com/openfroyo/cumulus/pkg/gateway"
	"github.com/openfroyo/cumulus/pkg/quota"
	"github.com/openfroyo/cumulus/pkg/telemetry"
)

// Gateway drivers.
const (
	DriverSimulator = "simulator"
	DriverOpenStack = "openstack"
)

// Config is the configuration of the cumulus service.
type Config struct {
	// Store configures the durable SQLite store.
	Store StoreConfig `yaml:"store" validate:"required"`

	// Engine holds the orchestrator timings.
	Engine EngineConfig `yaml:"engine" validate:"required"`

	// Quota is the admission policy. It is reloaded when the file changes.
	Quota quota.Policy `yaml:"quota"`

	// Gateway selects and configures the remote operation gateway.
	Gateway GatewayConfig `yaml:"gateway" validate:"required"`

	// Policy configures the intent policies evaluated before admission.
	Policy PolicyConfig `yaml:"policy"`

	// Backup configures the backup scheduler.
	Backup BackupConfig `yaml:"backup"`

	// API configures the HTTP facade.
	API APIConfig `yaml:"api"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StoreConfig configures the durable store.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required"`
}

// EngineConfig holds the orchestrator and sweeper timings.
type EngineConfig struct {
	MaxParallel            int           `yaml:"max_parallel" validate:"gte=1"`
	QueueSize              int           `yaml:"queue_size" validate:"gte=1"`
	PollInterval           time.Duration `yaml:"poll_interval" validate:"gt=0"`
	OperationTimeout       time.Duration `yaml:"operation_timeout" validate:"gt=0"`
	ReconcileInterval      time.Duration `yaml:"reconcile_interval" validate:"gt=0"`
	ReferenceRetryInterval time.Duration `yaml:"reference_retry_interval" validate:"gt=0"`
	GatewayRetryAttempts   int           `yaml:"gateway_retry_attempts" validate:"gte=1"`
	GatewayRetryDelay      time.Duration `yaml:"gateway_retry_delay" validate:"gte=0"`

	// StuckAfter is how long a create may stay in Creating before the
	// sweeper marks it Erred.
	StuckAfter    time.Duration `yaml:"stuck_after" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// Orchestrator converts the section to engine settings.
func (c EngineConfig) Orchestrator() engine.OrchestratorConfig {
	return engine.OrchestratorConfig{
		MaxParallel:            c.MaxParallel,
		QueueSize:              c.QueueSize,
		PollInterval:           c.PollInterval,
		OperationTimeout:       c.OperationTimeout,
		ReconcileInterval:      c.ReconcileInterval,
		ReferenceRetryInterval: c.ReferenceRetryInterval,
		GatewayRetryAttempts:   c.GatewayRetryAttempts,
		GatewayRetryDelay:      c.GatewayRetryDelay,
	}
}

// GatewayConfig selects the remote operation gateway.
type GatewayConfig struct {
	// Driver is simulator or openstack.
	Driver string `yaml:"driver" validate:"required,oneof=simulator openstack"`

	// RateLimit is the number of gateway calls per second. Zero disables
	// rate limiting.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`

	Simulator gateway.SimulatorConfig  `yaml:"simulator"`
	OpenStack *gateway.OpenStackConfig `yaml:"openstack" validate:"required_if=Driver openstack"`
}

// PolicyConfig configures intent policies.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths lists .rego and .json policy files or directories, evaluated in
	// addition to the built-in policies.
	Paths []string `yaml:"paths" validate:"dive,required"`

	// Watch reloads policies when a file under Paths changes.
	Watch bool `yaml:"watch"`
}

// BackupConfig configures the backup scheduler.
type BackupConfig struct {
	// SchedulerInterval is how often due schedules and expired backups are
	// processed.
	SchedulerInterval time.Duration `yaml:"scheduler_interval" validate:"gt=0"`
}

// APIConfig configures the HTTP facade.
type APIConfig struct {
	ListenAddress string `yaml:"listen_address" validate:"required"`

	// Mode is the gin mode: debug, release or test.
	Mode string `yaml:"mode" validate:"omitempty,oneof=debug release test"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// Default returns the configuration used for fields a file leaves unset.
func Default() *Config {
	orch := engine.DefaultOrchestratorConfig()
	return &Config{
		Store: StoreConfig{Path: "cumulus.db"},
		Engine: EngineConfig{
			MaxParallel:            orch.MaxParallel,
			QueueSize:              orch.QueueSize,
			PollInterval:           orch.PollInterval,
			OperationTimeout:       orch.OperationTimeout,
			ReconcileInterval:      orch.ReconcileInterval,
			ReferenceRetryInterval: orch.ReferenceRetryInterval,
			GatewayRetryAttempts:   orch.GatewayRetryAttempts,
			GatewayRetryDelay:      orch.GatewayRetryDelay,
			StuckAfter:             30 * time.Minute,
			SweepInterval:          time.Minute,
		},
		Quota: quota.DefaultPolicy(),
		Gateway: GatewayConfig{
			Driver:    DriverSimulator,
			Simulator: gateway.SimulatorConfig{PollsToComplete: 2},
		},
		Backup: BackupConfig{SchedulerInterval: time.Minute},
		API: APIConfig{
			ListenAddress:   ":8080",
			Mode:            "release",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}
