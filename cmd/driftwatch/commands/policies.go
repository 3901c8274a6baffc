package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Admission policies",
		Long: `Rego policies evaluated before every confirmed apply or remove. Built-in
policies protect system paths, reject world-writable files and warn on
sensitive environment variables. More are loaded from policies_dir.`,
	}
	cmd.AddCommand(newPoliciesListCommand())
	return cmd
}

func newPoliciesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				list := a.policies.List()
				if jsonOutput {
					return printJSON(list)
				}
				rows := make([][]string, 0, len(list))
				for _, p := range list {
					source := p.Source
					if p.Builtin {
						source = "builtin"
					}
					rows = append(rows, []string{p.Name, string(p.Severity), yesNo(p.Enabled), source, p.Description})
				}
				if err := table("NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION", rows); err != nil {
					return err
				}
				fmt.Printf("\n%d policies\n", len(list))
				return nil
			})
		},
	}
}
