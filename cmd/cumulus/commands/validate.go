package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cumulus/pkg/config"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [CONFIG]",
		Short: "Validate a configuration file",
		Long: `Check a YAML or CUE configuration against the schema and the
cross-field rules without starting the service. Defaults to --config.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no configuration given: pass a path or --config")
			}

			cfg, err := config.NewLoader().Load(path)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cfg)
			}
			fmt.Printf("✓ %s is valid\n", path)
			fmt.Printf("  store:   %s\n", cfg.Store.Path)
			fmt.Printf("  gateway: %s\n", cfg.Gateway.Driver)
			fmt.Printf("  api:     %s\n", cfg.API.ListenAddress)
			if cfg.Policy.Enabled {
				fmt.Printf("  policy:  %d path(s)\n", len(cfg.Policy.Paths))
			}
			return nil
		},
	}
}
