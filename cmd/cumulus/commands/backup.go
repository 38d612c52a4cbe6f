package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cumulus/pkg/backup"
	"github.com/openfroyo/cumulus/pkg/client"
	"github.com/openfroyo/cumulus/pkg/engine"
)

func newBackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "backup",
		Aliases: []string{"backups"},
		Short:   "Manage instance backups",
		Long: `Back up instances, restore backups into new resources and manage recurring
backup schedules.

A backup snapshots every volume attached to an instance. It is OK once all
of its snapshots are OK and Erred as soon as one of them fails.`,
	}

	cmd.AddCommand(newBackupCreateCommand())
	cmd.AddCommand(newBackupGetCommand())
	cmd.AddCommand(newBackupListCommand())
	cmd.AddCommand(newBackupDeleteCommand())
	cmd.AddCommand(newBackupRestoreCommand())
	cmd.AddCommand(newBackupRestorationsCommand())
	cmd.AddCommand(newScheduleCommand())

	return cmd
}

func newBackupCreateCommand() *cobra.Command {
	var (
		tenant      string
		instanceID  string
		description string
		keepFor     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Back up an instance",
		Example: `  # Back up an instance and keep the backup for a week
  cumulus backup create --tenant demo --instance 6f1c... --keep-for 168h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var keptUntil time.Time
			if keepFor > 0 {
				keptUntil = time.Now().Add(keepFor).UTC()
			}
			id, err := newClient().CreateBackup(cmd.Context(), tenant, instanceID, description, keptUntil)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]string{"id": id})
			}
			fmt.Printf("✓ Backup %s started\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "owning tenant")
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance to back up")
	cmd.Flags().StringVar(&description, "description", "", "backup description")
	cmd.Flags().DurationVar(&keepFor, "keep-for", 0, "delete the backup after this long (0 keeps it)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("instance")

	return cmd
}

func newBackupGetCommand() *cobra.Command {
	var labels string

	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show a backup with its snapshots and restorations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := engine.ParseLabelVersion(labels)
			if err != nil {
				return err
			}
			b, err := newClient().GetBackup(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(b)
			}
			if err := printResource(&b.Resource); err != nil {
				return err
			}
			fmt.Println("\nSnapshots:")
			if err := printResources(b.Snapshots); err != nil {
				return err
			}
			fmt.Println("\nRestorations:")
			return printRestorations(b.Restorations)
		},
	}

	cmd.Flags().StringVar(&labels, "labels", "", "state label vocabulary: current or legacy-backup")
	return cmd
}

func newBackupListCommand() *cobra.Command {
	var (
		tenant string
		labels string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the backups of a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := engine.ParseLabelVersion(labels)
			if err != nil {
				return err
			}
			list, err := newClient().ListBackups(cmd.Context(), tenant, version)
			if err != nil {
				return err
			}
			return printResources(list)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "owning tenant")
	cmd.Flags().StringVar(&labels, "labels", "", "state label vocabulary: current or legacy-backup")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newBackupDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a backup and its snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().DeleteBackup(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Deletion of backup %s scheduled\n", args[0])
			return nil
		},
	}
}

func newBackupRestoreCommand() *cobra.Command {
	var opts backup.RestoreOptions

	cmd := &cobra.Command{
		Use:   "restore BACKUP_ID",
		Short: "Restore a backup into a new instance",
		Long: `Create a restoration: new volumes from the backup's snapshots and a new
instance attaching them. The backup itself is not modified, and it can be
restored any number of times.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := newClient().CreateRestoration(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(rs)
			}
			fmt.Printf("✓ Restoration %s created\n", rs.ID)
			for _, id := range rs.CreatedResourceIDs {
				fmt.Printf("  - %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "name of the restored instance")
	cmd.Flags().StringVar(&opts.Flavor, "flavor", "", "flavor of the restored instance")
	cmd.Flags().StringSliceVar(&opts.SecurityGroupIDs, "security-group", nil, "security groups of the restored instance")
	return cmd
}

func newBackupRestorationsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restorations BACKUP_ID",
		Short: "List the restorations of a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := newClient().ListRestorations(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRestorations(list)
		},
	}
}

func newScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule",
		Aliases: []string{"schedules"},
		Short:   "Manage recurring backups",
	}

	var req client.ScheduleRequest
	create := &cobra.Command{
		Use:   "create",
		Short: "Back up an instance on an interval",
		Example: `  # Nightly backups, keep the last 7
  cumulus backup schedule create --tenant demo --instance 6f1c... --interval 24h --max-backups 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := newClient().CreateSchedule(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(sc)
			}
			fmt.Printf("✓ Schedule %s created, first backup %s\n", sc.ID, since(sc.NextTriggerAt))
			return nil
		},
	}
	create.Flags().StringVar(&req.Tenant, "tenant", "", "owning tenant")
	create.Flags().StringVar(&req.InstanceID, "instance", "", "instance to back up")
	create.Flags().DurationVar(&req.Interval, "interval", 24*time.Hour, "time between backups")
	create.Flags().DurationVar(&req.Retention, "retention", 0, "how long each backup is kept (0 keeps it)")
	create.Flags().IntVar(&req.MaxBackups, "max-backups", 0, "number of scheduled backups kept (0 keeps all)")
	_ = create.MarkFlagRequired("tenant")
	_ = create.MarkFlagRequired("instance")

	var tenant string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the backup schedules of a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			schedules, err := newClient().ListSchedules(cmd.Context(), tenant)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(schedules)
			}
			tw := tabWriter(os.Stdout)
			fmt.Fprintln(tw, "ID\tINSTANCE\tINTERVAL\tMAX\tACTIVE\tNEXT\tERROR\t")
			for _, sc := range schedules {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\t%s\t\n",
					sc.ID, sc.InstanceID, sc.Interval, sc.MaxBackups, sc.IsActive,
					since(sc.NextTriggerAt), orDash(sc.ErrorMessage))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&tenant, "tenant", "", "owning tenant")
	_ = list.MarkFlagRequired("tenant")

	remove := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a schedule; its backups are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().DeleteSchedule(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Schedule %s deleted\n", args[0])
			return nil
		},
	}

	activate := &cobra.Command{
		Use:   "activate ID",
		Short: "Re-enable a schedule deactivated by a failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().ActivateSchedule(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Schedule %s activated\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, remove, activate)
	return cmd
}
