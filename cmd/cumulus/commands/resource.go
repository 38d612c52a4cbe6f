package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cumulus/pkg/client"
	"github.com/openfroyo/cumulus/pkg/engine"
)

func newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resource",
		Aliases: []string{"resources", "res"},
		Short:   "Manage cloud resources",
		Long: `Create, inspect, update and delete instances, volumes, snapshots and
security groups. Every change is asynchronous: commands return once the
intent is admitted and the resource moves through its lifecycle on the server.`,
	}

	cmd.AddCommand(newResourceCreateCommand())
	cmd.AddCommand(newResourceGetCommand())
	cmd.AddCommand(newResourceListCommand())
	cmd.AddCommand(newResourceUpdateCommand())
	cmd.AddCommand(newResourceDeleteCommand())
	cmd.AddCommand(newResourceCancelCommand())
	cmd.AddCommand(newResourceRescheduleCommand())
	cmd.AddCommand(newResourceHistoryCommand())

	return cmd
}

// readSpec returns the spec given inline or read from a file ("-" is stdin).
func readSpec(kind engine.Kind, inline, file string) (engine.Spec, error) {
	var data []byte
	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("--spec and --spec-file are mutually exclusive")
	case inline != "":
		data = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read spec from stdin: %w", err)
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read spec file: %w", err)
		}
		data = b
	default:
		return nil, fmt.Errorf("a spec is required: use --spec or --spec-file")
	}
	return engine.DecodeSpec(kind, data)
}

func newResourceCreateCommand() *cobra.Command {
	var (
		tenant   string
		kind     string
		spec     string
		specFile string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Admit a new resource",
		Example: `  # Create a 1 GiB volume
  cumulus resource create --tenant demo --kind volume --spec '{"name":"data","size_mib":1024}'

  # Create an instance from a spec file
  cumulus resource create --tenant demo --kind instance --spec-file app.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := engine.ParseKind(kind)
			if err != nil {
				return err
			}
			s, err := readSpec(k, spec, specFile)
			if err != nil {
				return err
			}
			id, err := newClient().AdmitIntent(cmd.Context(), tenant, k, s)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]string{"id": id})
			}
			fmt.Printf("✓ %s %s admitted (%s)\n", k, id, engine.StateCreationScheduled)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "owning tenant")
	cmd.Flags().StringVar(&kind, "kind", "", "resource kind: instance, volume, snapshot or security_group")
	cmd.Flags().StringVar(&spec, "spec", "", "spec as inline JSON")
	cmd.Flags().StringVarP(&specFile, "spec-file", "f", "", "spec JSON file, - for stdin")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("kind")

	return cmd
}

func newResourceGetCommand() *cobra.Command {
	var labels string

	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := engine.ParseLabelVersion(labels)
			if err != nil {
				return err
			}
			r, err := newClient().GetResource(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}
			return printResource(r)
		},
	}

	cmd.Flags().StringVar(&labels, "labels", "", "state label vocabulary: current or legacy-backup")
	return cmd
}

func newResourceListCommand() *cobra.Command {
	var (
		tenant string
		kind   string
		state  string
		parent string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resources",
		Example: `  # List the volumes of a tenant
  cumulus resource list --tenant demo --kind volume

  # List erred resources
  cumulus resource list --state erred`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := client.ListOptions{
				Tenant:   tenant,
				Kind:     engine.Kind(kind),
				State:    engine.ResourceState(state),
				ParentID: parent,
			}
			list, err := newClient().ListResources(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printResources(list)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "filter by tenant")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&parent, "parent", "", "filter by parent backup or restoration")
	return cmd
}

func newResourceUpdateCommand() *cobra.Command {
	var (
		spec     string
		specFile string
	)

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Schedule an in-place update of an OK resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			r, err := c.GetResource(cmd.Context(), args[0], "")
			if err != nil {
				return err
			}
			s, err := readSpec(r.Kind, spec, specFile)
			if err != nil {
				return err
			}
			if err := c.UpdateResource(cmd.Context(), r.ID, s); err != nil {
				return err
			}
			fmt.Printf("✓ Update of %s scheduled\n", r.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&spec, "spec", "", "new spec as inline JSON")
	cmd.Flags().StringVarP(&specFile, "spec-file", "f", "", "new spec JSON file, - for stdin")
	return cmd
}

func newResourceDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Schedule the deletion of a resource",
		Long: `Schedule the deletion of a resource. Deleting a backup also deletes its
snapshots.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().DeleteResource(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Deletion of %s scheduled\n", args[0])
			return nil
		},
	}
}

func newResourceCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Withdraw a scheduled operation",
		Long: `Withdraw an operation that has not started yet. A cancelled creation
removes the resource without calling the cloud. Operations already in flight
cannot be cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().CancelResource(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Operation on %s cancelled\n", args[0])
			return nil
		},
	}
}

func newResourceRescheduleCommand() *cobra.Command {
	var operation string

	cmd := &cobra.Command{
		Use:   "reschedule ID",
		Short: "Retry the operation of an erred resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op := engine.OperationType(operation)
			if err := op.Validate(); err != nil {
				return err
			}
			if err := newClient().Reschedule(cmd.Context(), args[0], op); err != nil {
				return err
			}
			fmt.Printf("✓ %s of %s rescheduled\n", op, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&operation, "operation", string(engine.OperationCreate), "operation to retry: create, update or delete")
	return cmd
}

func newResourceHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history ID",
		Short: "Show the state transitions of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := newClient().History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(history)
			}
			tw := tabWriter(os.Stdout)
			fmt.Fprintln(tw, "WHEN\tFROM\tTO\tEVENT\tMESSAGE\t")
			for _, rec := range history {
				fmt.Fprintf(tw, "%s\t%s\t", since(rec.At), orDash(string(rec.From)))
				printState(tw, rec.To, "")
				fmt.Fprintf(tw, "%s\t%s\t\n", rec.Event, orDash(rec.Message))
			}
			return tw.Flush()
		},
	}
}
