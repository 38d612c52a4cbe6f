package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cumulus/pkg/config"
	"github.com/openfroyo/cumulus/pkg/engine"
	"github.com/openfroyo/cumulus/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	var paths []string

	cmd := &cobra.Command{
		Use:     "policy",
		Aliases: []string{"policies"},
		Short:   "Inspect and test intent policies offline",
		Long: `Evaluate intent policies locally. Policies come from the built-ins, the
policy.paths of --config and any --policies given here.`,
	}
	cmd.PersistentFlags().StringSliceVar(&paths, "policies", nil, "extra .rego/.json policy files or directories")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the policies that would be evaluated",
		RunE: func(cmd *cobra.Command, args []string) error {
			pe, err := loadPolicyEngine(cmd, paths)
			if err != nil {
				return err
			}
			policies := pe.ListPolicies()
			if jsonOutput {
				return printJSON(policies)
			}
			tw := tabWriter(os.Stdout)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tDESCRIPTION\t")
			for _, p := range policies {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t\n", p.Name, p.Severity, p.Enabled, p.Description)
			}
			return tw.Flush()
		},
	}

	var (
		tenant   string
		kind     string
		spec     string
		specFile string
	)
	check := &cobra.Command{
		Use:   "check",
		Short: "Evaluate an intent against the policies",
		Example: `  # Check a volume intent
  cumulus policy check --tenant demo --kind volume --spec '{"name":"data","size_mib":1000}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := engine.ParseKind(kind)
			if err != nil {
				return err
			}
			s, err := readSpec(k, spec, specFile)
			if err != nil {
				return err
			}
			pe, err := loadPolicyEngine(cmd, paths)
			if err != nil {
				return err
			}
			input, err := policy.NewInput(&engine.Intent{Tenant: tenant, Spec: s}, time.Now().UTC())
			if err != nil {
				return err
			}
			result, err := pe.Evaluate(cmd.Context(), input)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(result)
			}

			for _, v := range result.Violations {
				fmt.Printf("✗ [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
				if v.Remediation != "" {
					fmt.Printf("    %s\n", v.Remediation)
				}
			}
			for _, w := range result.Warnings {
				fmt.Printf("! [%s] %s: %s\n", w.Severity, w.Policy, w.Message)
				if w.Remediation != "" {
					fmt.Printf("    %s\n", w.Remediation)
				}
			}
			for _, e := range result.Errors {
				fmt.Printf("? %s\n", e)
			}
			fmt.Printf("\n%d policies evaluated in %s\n", len(result.EvaluatedPolicies), result.Duration)
			if !result.Allowed {
				return fmt.Errorf("intent denied by %s", strings.Join(violatedPolicies(result), ", "))
			}
			fmt.Println("✓ Intent allowed")
			return nil
		},
	}
	check.Flags().StringVar(&tenant, "tenant", "", "owning tenant")
	check.Flags().StringVar(&kind, "kind", "", "resource kind")
	check.Flags().StringVar(&spec, "spec", "", "spec as inline JSON")
	check.Flags().StringVarP(&specFile, "spec-file", "f", "", "spec JSON file, - for stdin")
	_ = check.MarkFlagRequired("kind")

	cmd.AddCommand(list, check)
	return cmd
}

func loadPolicyEngine(cmd *cobra.Command, extra []string) (*policy.Engine, error) {
	paths := append([]string(nil), extra...)
	if configPath != "" {
		cfg, err := config.NewLoader().Load(configPath)
		if err != nil {
			return nil, err
		}
		paths = append(cfg.Policy.Paths, paths...)
	}

	pe, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(paths) > 0 {
		if err := pe.LoadPolicies(cmd.Context(), paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

func violatedPolicies(result *policy.Result) []string {
	seen := make(map[string]bool)
	var names []string
	for _, v := range result.Violations {
		if !seen[v.Policy] {
			seen[v.Policy] = true
			names = append(names, v.Policy)
		}
	}
	return names
}
