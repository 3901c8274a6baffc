package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/driftwatch/pkg/compliance"
	"github.com/openfroyo/driftwatch/pkg/engine"
	"github.com/openfroyo/driftwatch/pkg/service"
)

func newCheckCommand() *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "check <server-id> [pack]",
		Short: "Check a server for compliance",
		Long: `Verify that a server matches a pack, or every pack assigned to it.

Results are stored and run through the same alert lifecycle as scheduled
sweeps. With --history the stored results are printed instead and the server
is not contacted.`,
		Example: `  # Check every assigned pack
  driftwatch check web-01

  # Check one pack
  driftwatch check web-01 nginx

  # Show the last 10 stored results
  driftwatch check web-01 nginx --history 10`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if history > 0 {
				if len(args) != 2 {
					return fmt.Errorf("--history needs a pack")
				}
				return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
					results, err := a.svc.History(ctx, args[0], args[1], history)
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(results)
					}
					for _, r := range results {
						printCompliance(r, engine.TransitionNone)
					}
					return nil
				})
			}

			return withApp(cmd.Context(), true, func(ctx context.Context, a *app) error {
				var results []*service.CheckResult
				if len(args) == 2 {
					res, err := a.svc.Check(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					results = append(results, res)
				} else {
					var err error
					if results, err = a.svc.CheckServer(ctx, args[0]); err != nil {
						return err
					}
				}

				if jsonOutput {
					return printJSON(results)
				}
				for _, r := range results {
					printCompliance(r.Result, r.Transition)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&history, "history", 0, "print this many stored results instead of checking")

	return cmd
}

func printCompliance(r *compliance.Result, transition engine.Transition) {
	verdict := okColor.Sprint(engine.DriftStatusOf(r.IsCompliant))
	if !r.IsCompliant {
		verdict = failColor.Sprintf("%s (%d mismatches)", engine.DriftStatusOf(r.IsCompliant), len(r.Mismatches))
	}
	fmt.Printf("%s %s on %s: %s [%dms]", formatTime(r.CheckedAt), r.PackName, r.ServerID, verdict, r.CheckDurationMs)
	if transition != engine.TransitionNone && transition != "" {
		fmt.Printf(" alert %s", transition)
	}
	fmt.Println()
	for _, m := range r.Mismatches {
		fmt.Printf("  %-18s %-40s expected %v, got %v\n", m.Type, m.Item, m.Expected, m.Actual)
	}
}
