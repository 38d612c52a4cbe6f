package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cumulus/pkg/api"
	"github.com/openfroyo/cumulus/pkg/config"
	"github.com/openfroyo/cumulus/pkg/service"
	"github.com/openfroyo/cumulus/pkg/stores"
	"github.com/openfroyo/cumulus/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		listenAddress string
		gatewayDriver string
		watchConfig   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lifecycle engine and its HTTP API",
		Long: `Run the orchestrator, the quota controller, the backup scheduler and the
HTTP API until interrupted.

Operations left in flight by a previous run resume on start. When --config
points at a file and --watch-config is set, the quota section is reloaded
whenever the file changes.`,
		Example: `  # Serve with the simulator gateway
  cumulus serve

  # Serve with a config file against OpenStack
  cumulus serve --config /etc/cumulus/cumulus.yaml --gateway openstack`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			loader := config.NewLoader()
			cfg, err := loader.Load(configPath)
			if err != nil {
				return err
			}
			if listenAddress != "" {
				cfg.API.ListenAddress = listenAddress
			}
			if gatewayDriver != "" {
				cfg.Gateway.Driver = gatewayDriver
				if err := loader.Validate(cfg); err != nil {
					return err
				}
			}

			tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()

			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			logger := tel.Logger.Zerolog()
			svc, err := service.New(cfg, store, logger, service.WithTelemetry(tel))
			if err != nil {
				return err
			}
			if err := svc.Start(ctx); err != nil {
				return err
			}
			defer func() {
				if err := svc.Stop(); err != nil {
					log.Warn().Err(err).Msg("Service stop failed")
				}
			}()

			if watchConfig && configPath != "" {
				if _, err := svc.WatchConfig(ctx, loader, configPath); err != nil {
					return fmt.Errorf("failed to watch config: %w", err)
				}
			}

			if metricsServer := tel.StartMetricsServer(); metricsServer != nil {
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Metrics server shutdown failed")
					}
				}()
			}

			server := api.NewServer(cfg.API, svc, logger, api.WithMetricsHandler(tel.Metrics.Handler()))

			log.Info().
				Str("address", cfg.API.ListenAddress).
				Str("gateway", cfg.Gateway.Driver).
				Str("store", cfg.Store.Path).
				Msg("Cumulus is running. Press Ctrl+C to stop.")

			if err := server.Run(ctx); err != nil {
				return fmt.Errorf("API server error: %w", err)
			}

			log.Info().Msg("Shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddress, "listen", "", "API listen address (overrides api.listen_address)")
	cmd.Flags().StringVar(&gatewayDriver, "gateway", "", "gateway driver: simulator or openstack")
	cmd.Flags().BoolVar(&watchConfig, "watch-config", true, "reload the quota policy when the config file changes")

	return cmd
}
