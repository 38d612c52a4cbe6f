package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/ansiterm"

	"github.com/openfroyo/cumulus/pkg/client"
	"github.com/openfroyo/cumulus/pkg/engine"
)

// tabWriter formats rows into aligned columns.
func tabWriter(w io.Writer) *ansiterm.TabWriter {
	const (
		minwidth = 0
		tabwidth = 1
		padding  = 2
		padchar  = ' '
		flags    = 0
	)
	return ansiterm.NewTabWriter(w, minwidth, tabwidth, padding, padchar, flags)
}

var stateColor = map[engine.ResourceState]*ansiterm.Context{
	engine.StateOK:      ansiterm.Foreground(ansiterm.Green),
	engine.StateErred:   ansiterm.Foreground(ansiterm.Red),
	engine.StateDeleted: ansiterm.Foreground(ansiterm.Gray),
}

// printState writes a state cell, coloured when the output is a terminal.
func printState(tw *ansiterm.TabWriter, state engine.ResourceState, label string) {
	if label == "" {
		label = string(state)
	}
	ctx, ok := stateColor[state]
	if !ok {
		ctx = ansiterm.Foreground(ansiterm.Yellow)
	}
	ctx.Fprintf(tw, "%s\t", label)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// describeSpec summarises a spec in one cell.
func describeSpec(spec engine.Spec) string {
	switch s := spec.(type) {
	case *engine.VolumeSpec:
		return humanize.IBytes(uint64(s.SizeMiB) * humanize.MiByte)
	case *engine.InstanceSpec:
		return fmt.Sprintf("%s, %d volume(s)", s.Flavor, len(s.VolumeIDs))
	case *engine.SnapshotSpec:
		return "of " + s.SourceVolumeID
	case *engine.BackupSpec:
		if s.KeptUntil != "" {
			return "of " + s.InstanceID + ", kept until " + s.KeptUntil
		}
		return "of " + s.InstanceID
	case *engine.SecurityGroupSpec:
		return fmt.Sprintf("%d rule(s)", len(s.Rules))
	default:
		return ""
	}
}

func printResources(resources []client.Resource) error {
	if jsonOutput {
		return printJSON(resources)
	}
	tw := tabWriter(os.Stdout)
	fmt.Fprintln(tw, "ID\tKIND\tNAME\tSTATE\tDETAILS\tUPDATED\t")
	for _, r := range resources {
		fmt.Fprintf(tw, "%s\t%s\t%s\t", r.ID, r.Kind, orDash(engine.SpecName(r.Spec)))
		printState(tw, r.State, r.Label.Name)
		fmt.Fprintf(tw, "%s\t%s\t\n", describeSpec(r.Spec), since(r.UpdatedAt))
	}
	return tw.Flush()
}

func printResource(r *client.Resource) error {
	if jsonOutput {
		return printJSON(r)
	}
	tw := tabWriter(os.Stdout)
	fmt.Fprintf(tw, "ID:\t%s\t\n", r.ID)
	fmt.Fprintf(tw, "Kind:\t%s\t\n", r.Kind)
	fmt.Fprintf(tw, "Tenant:\t%s\t\n", r.Tenant)
	fmt.Fprintf(tw, "Name:\t%s\t\n", orDash(engine.SpecName(r.Spec)))
	fmt.Fprint(tw, "State:\t")
	printState(tw, r.State, r.Label.Name)
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "Remote ID:\t%s\t\n", orDash(r.RemoteID))
	fmt.Fprintf(tw, "Details:\t%s\t\n", orDash(describeSpec(r.Spec)))
	if r.ParentID != "" {
		fmt.Fprintf(tw, "Parent:\t%s\t\n", r.ParentID)
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(tw, "Error:\t%s\t\n", r.ErrorMessage)
	}
	fmt.Fprintf(tw, "Created:\t%s\t\n", since(r.CreatedAt))
	fmt.Fprintf(tw, "Updated:\t%s\t\n", since(r.UpdatedAt))
	return tw.Flush()
}

func printRestorations(list []*engine.BackupRestoration) error {
	if jsonOutput {
		return printJSON(list)
	}
	tw := tabWriter(os.Stdout)
	fmt.Fprintln(tw, "ID\tBACKUP\tSTATE\tRESOURCES\tCREATED\t")
	for _, rs := range list {
		fmt.Fprintf(tw, "%s\t%s\t", rs.ID, rs.BackupID)
		printState(tw, rs.State, "")
		fmt.Fprintf(tw, "%s\t%s\t\n", strings.Join(rs.CreatedResourceIDs, ","), since(rs.CreatedAt))
	}
	return tw.Flush()
}
