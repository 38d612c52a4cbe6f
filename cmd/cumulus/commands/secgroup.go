package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cumulus/pkg/engine"
	"github.com/openfroyo/cumulus/pkg/secgroup"
)

func newSecgroupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "secgroup",
		Aliases: []string{"security-group", "sg"},
		Short:   "Validate and create security groups",
		Long: `Validate security group rules locally and create security groups.

Rule files are JSON arrays:

  [
    {"protocol": "tcp", "from_port": 22, "to_port": 22, "cidr": "0.0.0.0/0"},
    {"protocol": "icmp", "icmp_type": -1, "icmp_code": -1, "cidr": "10.0.0.0/8"}
  ]`,
	}

	cmd.AddCommand(newSecgroupValidateCommand())
	cmd.AddCommand(newSecgroupCreateCommand())
	return cmd
}

func readRules(path string) ([]secgroup.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	var rules []secgroup.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	return rules, nil
}

// prepareRules validates rules and optionally collapses overlapping networks.
func prepareRules(rules []secgroup.Rule, merge bool) ([]secgroup.Rule, error) {
	if err := secgroup.ValidateAll(rules); err != nil {
		return nil, err
	}
	if !merge {
		return rules, nil
	}
	return secgroup.Merge(rules)
}

func newSecgroupValidateCommand() *cobra.Command {
	var merge bool

	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a rule file without contacting the cloud",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := readRules(args[0])
			if err != nil {
				return err
			}
			rules, err = prepareRules(rules, merge)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(rules)
			}
			for _, rule := range rules {
				marker := "✓"
				if rule.AllowsIngressFromAnywhere() {
					marker = "!"
				}
				fmt.Printf("%s %s\n", marker, rule)
			}
			fmt.Printf("\n%d rule(s) valid\n", len(rules))
			return nil
		},
	}

	cmd.Flags().BoolVar(&merge, "merge", false, "collapse rules whose networks overlap")
	return cmd
}

func newSecgroupCreateCommand() *cobra.Command {
	var (
		tenant      string
		name        string
		description string
		rulesFile   string
		merge       bool
		useDefault  bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a security group",
		Example: `  # Create a group from a rule file
  cumulus secgroup create --tenant demo --name web --rules web.json --merge

  # Create the default ssh group
  cumulus secgroup create --tenant demo --default`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := &engine.SecurityGroupSpec{Name: name, Description: description}
			switch {
			case useDefault:
				spec.Name, spec.Description, spec.Rules = secgroup.DefaultGroup()
			case rulesFile != "":
				rules, err := readRules(rulesFile)
				if err != nil {
					return err
				}
				if spec.Rules, err = prepareRules(rules, merge); err != nil {
					return err
				}
			}

			id, err := newClient().AdmitIntent(cmd.Context(), tenant, engine.KindSecurityGroup, spec)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]string{"id": id})
			}
			fmt.Printf("✓ Security group %s (%s) admitted with %d rule(s)\n", spec.Name, id, len(spec.Rules))
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "owning tenant")
	cmd.Flags().StringVar(&name, "name", "", "group name")
	cmd.Flags().StringVar(&description, "description", "", "group description")
	cmd.Flags().StringVar(&rulesFile, "rules", "", "JSON rule file")
	cmd.Flags().BoolVar(&merge, "merge", false, "collapse rules whose networks overlap")
	cmd.Flags().BoolVar(&useDefault, "default", false, "create the default ssh group")
	_ = cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagsMutuallyExclusive("default", "rules")

	return cmd
}
