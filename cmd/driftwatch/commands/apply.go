package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/driftwatch/pkg/policy"
	"github.com/openfroyo/driftwatch/pkg/service"
)

func newApplyCommand() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "apply <server-id> <pack>",
		Short: "Push a pack to a server",
		Long: `Push a pack's files, packages and settings to a server.

Without --confirm only the preview is printed and nothing is sent. With
--confirm every item is executed in declaration order; a failed item does not
stop the rest. When every item succeeds the pack is added to the server's
assignment.`,
		Example: `  # Preview what would change
  driftwatch apply web-01 nginx

  # Execute
  driftwatch apply web-01 nginx --confirm`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), confirm, func(ctx context.Context, a *app) error {
				res, err := a.svc.Apply(ctx, service.ApplyRequest{ServerID: args[0], Pack: args[1], Confirm: confirm})
				return printRunResult(res, err)
			})
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "execute instead of previewing")

	return cmd
}

func newRemoveCommand() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "remove <server-id> <pack>",
		Short: "Withdraw a pack from a server",
		Long: `Delete a pack's files and unset its settings on a server. Packages are
left installed. The base pack cannot be removed.

Without --confirm only the preview is printed.`,
		Example: `  driftwatch remove web-01 nginx --confirm`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), confirm, func(ctx context.Context, a *app) error {
				res, err := a.svc.Remove(ctx, service.RemoveRequest{ServerID: args[0], Pack: args[1], Confirm: confirm})
				return printRunResult(res, err)
			})
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "execute instead of previewing")

	return cmd
}

func printRunResult(res *service.RunResult, runErr error) error {
	if res == nil {
		return runErr
	}
	if jsonOutput {
		if err := printJSON(res); err != nil {
			return err
		}
		return runErr
	}

	if res.Policy != nil {
		printDecision(res.Policy)
	}
	if runErr != nil {
		if r := res.Report; r != nil && r.Aborted {
			fmt.Printf("Run %s: %s %s on %s -> %s\n  aborted: %s\n", r.RunID, r.Mode, r.PackName, r.ServerID, r.Status, r.AbortReason)
		}
		return runErr
	}

	if !res.Confirmed {
		fmt.Printf("Preview: %s %s on %s (nothing executed)\n\n", res.Mode, res.PackName, res.ServerID)
		for _, item := range res.Preview {
			fmt.Printf("  %-8s %-40s %s\n", item.Kind, item.Item, item.Action)
			indent(os.Stdout, "             $ ", item.Commands)
			if item.Note != "" {
				fmt.Printf("             note: %s\n", item.Note)
			}
		}
		fmt.Println("\nRe-run with --confirm to execute.")
		return nil
	}

	r := res.Report
	fmt.Printf("Run %s: %s %s on %s -> %s (%d items, %d changed, %d failed, %dms)\n",
		r.RunID, r.Mode, r.PackName, r.ServerID, r.Status, r.ItemCount, r.ChangedCount, r.FailedCount, r.DurationMs)
	if r.Aborted {
		fmt.Printf("  aborted: %s\n", r.AbortReason)
	}
	for _, item := range r.Results {
		status := padColor(okColor, 8, "ok")
		switch {
		case !item.Success:
			status = padColor(failColor, 8, "FAILED")
		case item.Changed:
			status = padColor(warnColor, 8, "changed")
		}
		fmt.Printf("  %s %-40s %s\n", status, item.Item, item.Action)
		if item.Error != "" {
			fmt.Printf("           error: %s\n", item.Error)
		}
		if item.Warning != "" {
			fmt.Printf("           warning: %s\n", item.Warning)
		}
		if item.Note != "" {
			fmt.Printf("           note: %s\n", item.Note)
		}
	}
	if !r.Success {
		return fmt.Errorf("run %s finished with %d failed items", r.RunID, r.FailedCount)
	}
	return nil
}

func printDecision(d *policy.Decision) {
	for _, v := range d.Violations {
		fmt.Printf("%s %s: %s\n", padColor(failColor, 5, "DENY"), v.Policy, v.Message)
	}
	for _, v := range d.Warnings {
		fmt.Printf("%s %s: %s\n", padColor(warnColor, 5, "WARN"), v.Policy, v.Message)
	}
	if len(d.Violations) > 0 || len(d.Warnings) > 0 {
		fmt.Println()
	}
}
