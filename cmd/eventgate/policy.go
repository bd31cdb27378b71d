package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/carelinkhq/eventgate/internal/authz"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect visibility and schema policy",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a policy file and print its effective rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := authz.LoadPolicy(args[0])
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "policy is valid")

		classes := make([]string, 0, len(p.Visibility))
		for class := range p.Visibility {
			classes = append(classes, class)
		}
		sort.Strings(classes)
		for _, class := range classes {
			fmt.Fprintf(cmd.OutOrStdout(), "  visibility %-12s -> %v\n", class, p.Visibility[class])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  elevated actor types: %v\n", p.Privilege.Elevated)

		types := p.SchemaRegistry().Types()
		sort.Strings(types)
		fmt.Fprintf(cmd.OutOrStdout(), "  event types: %v\n", types)
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyCheckCmd)
}
