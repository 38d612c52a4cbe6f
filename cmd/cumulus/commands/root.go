package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cumulus/pkg/client"
)

// defaultServer is the API address of a local `cumulus serve`.
const defaultServer = "http://localhost:8080"

var (
	// Global flags
	configPath string
	serverURL  string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cumulus",
		Short: "Cumulus - cloud resource lifecycle engine",
		Long: `Cumulus drives instances, volumes, snapshots, backups and security groups
through a durable lifecycle against an OpenStack cloud.

Features:
  - Per-tenant quotas and concurrency ceilings at admission
  - Asynchronous provisioning with polling, timeouts and restart recovery
  - Instance backups, restorations and backup schedules
  - Intent policies in Rego
  - Prometheus metrics, OpenTelemetry tracing and a persisted event log`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML or CUE)")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("CUMULUS_SERVER", defaultServer), "API server URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newResourceCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newQuotaCommand())
	rootCmd.AddCommand(newSecgroupCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newEventsCommand())

	return rootCmd
}

func newClient() *client.Client {
	return client.New(serverURL, log.Logger)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
