package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail of apply and remove runs",
	}
	cmd.AddCommand(newAuditListCommand())
	return cmd
}

func newAuditListCommand() *cobra.Command {
	var (
		action string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries, newest first",
		Example: `  driftwatch audit list --action pack.apply --limit 20`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				entries, err := a.svc.ListAudit(ctx, action, limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(entries)
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					target, details := "-", ""
					if e.TargetID != nil {
						target = *e.TargetID
					}
					if e.Details != nil {
						details = *e.Details
					}
					rows = append(rows, []string{formatTime(e.Timestamp), e.Action, target, details})
				}
				return table("TIME\tACTION\tSERVER\tDETAILS", rows)
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "filter by action (pack.apply, pack.remove)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")

	return cmd
}
