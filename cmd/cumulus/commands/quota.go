package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cumulus/pkg/engine"
)

func newQuotaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "quota",
		Aliases: []string{"quotas"},
		Short:   "Inspect and set tenant quotas",
	}

	show := &cobra.Command{
		Use:   "show TENANT",
		Short: "Show usage, pending operations and limits of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			usage, err := newClient().Usage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(usage)
			}
			tw := tabWriter(os.Stdout)
			fmt.Fprintln(tw, "KIND\tUSAGE\tPENDING\tLIMIT\t")
			for _, qc := range usage {
				limit := "-"
				if qc.Limit != engine.NoLimit {
					limit = strconv.Itoa(qc.Limit)
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t\n", qc.Kind, qc.Usage, qc.Pending, limit)
			}
			return tw.Flush()
		},
	}

	set := &cobra.Command{
		Use:   "set TENANT KIND LIMIT",
		Short: "Set a hard quota; \"none\" removes it",
		Example: `  # Allow at most 10 volumes
  cumulus quota set demo volume 10

  # Fall back to the ratio rules
  cumulus quota set demo volume none`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := engine.ParseKind(args[1])
			if err != nil {
				return err
			}
			limit := engine.NoLimit
			if args[2] != "none" {
				if limit, err = strconv.Atoi(args[2]); err != nil {
					return fmt.Errorf("invalid limit %q: %w", args[2], err)
				}
			}
			if err := newClient().SetLimit(cmd.Context(), args[0], kind, limit); err != nil {
				return err
			}
			fmt.Printf("✓ %s quota of %s set to %s\n", kind, args[0], args[2])
			return nil
		},
	}

	cmd.AddCommand(show, set)
	return cmd
}
