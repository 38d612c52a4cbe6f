package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cumulus/pkg/engine"
)

func newEventsCommand() *cobra.Command {
	var (
		resourceID string
		tenant     string
		types      []string
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show lifecycle events",
		Example: `  # Recent events of one resource
  cumulus events --resource 6f1c...

  # Failed backups of a tenant
  cumulus events --tenant demo --type backup.failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.EventFilter{
				ResourceID: resourceID,
				Tenant:     tenant,
				Limit:      limit,
				Offset:     offset,
			}
			for _, t := range types {
				filter.Types = append(filter.Types, engine.EventType(t))
			}

			events, err := newClient().Events(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(events)
			}

			tw := tabWriter(os.Stdout)
			fmt.Fprintln(tw, "WHEN\tTYPE\tRESOURCE\tKIND\tSTATE\tMESSAGE\t")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t", since(ev.Timestamp), ev.Type, ev.ResourceID, ev.Kind)
				if ev.To != "" {
					printState(tw, ev.To, "")
				} else {
					fmt.Fprint(tw, "-\t")
				}
				fmt.Fprintf(tw, "%s\t\n", orDash(ev.Message))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&resourceID, "resource", "", "filter by resource id")
	cmd.Flags().StringVar(&tenant, "tenant", "", "filter by tenant")
	cmd.Flags().StringSliceVar(&types, "type", nil, "filter by event type, repeatable")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of events to skip")
	return cmd
}
