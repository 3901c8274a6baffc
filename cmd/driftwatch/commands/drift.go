package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/driftwatch/pkg/drift"
	"github.com/openfroyo/driftwatch/pkg/stores"
)

func newDriftCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Drift detection",
		Long: `Run compliance sweeps across every server with drift detection enabled.

Drift is a pack that was compliant and no longer is. The sweep stores each
result, opens an alert on the transition to non-compliant, refreshes it while
the drift persists and resolves it once the server is compliant again.`,
	}

	cmd.AddCommand(newDriftRunCommand())

	return cmd
}

func newDriftRunCommand() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one drift sweep now",
		Example: `  # Sweep every eligible server
  driftwatch drift run

  # Limit concurrency
  driftwatch drift run --workers 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app) error {
				cfg := a.cfg.Drift
				if workers > 0 {
					cfg.Workers = workers
				}
				stats, err := a.newScheduler(cfg).RunOnce(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(stats)
				}
				printSweep(stats)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent servers (default from config)")

	return cmd
}

func printSweep(s *drift.RunStats) {
	fmt.Printf("Sweep %s finished in %s\n", s.RunID, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	_ = table("SERVERS\tSKIPPED\tUNREACHABLE\tCHECKS\tCOMPLIANT\tDRIFTED\tFAILED\tBUSY\tOPENED\tREFRESHED\tRESOLVED",
		[][]string{{
			strconv.Itoa(s.Servers), strconv.Itoa(s.Skipped), strconv.Itoa(s.Unreachable),
			strconv.Itoa(s.Checks), strconv.Itoa(s.Compliant), strconv.Itoa(s.NonCompliant),
			strconv.Itoa(s.Failed), strconv.Itoa(s.Busy),
			strconv.Itoa(s.Opened), strconv.Itoa(s.Refreshed), strconv.Itoa(s.Resolved),
		}})
}

func newAlertsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Drift alerts",
	}
	cmd.AddCommand(newAlertsListCommand())
	return cmd
}

func newAlertsListCommand() *cobra.Command {
	var (
		serverID string
		pack     string
		status   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drift alerts",
		Example: `  # Open alerts
  driftwatch alerts list --status open

  # Everything for one server
  driftwatch alerts list --server web-01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.AlertFilter{Limit: limit}
			if serverID != "" {
				filter.ServerID = &serverID
			}
			if pack != "" {
				filter.PackName = &pack
			}
			if status != "" {
				st := stores.AlertStatus(status)
				if st != stores.AlertStatusOpen && st != stores.AlertStatusResolved {
					return fmt.Errorf("invalid status %q (open or resolved)", status)
				}
				filter.Status = &st
			}

			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				alerts, err := a.svc.ListAlerts(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(alerts)
				}

				rows := make([][]string, 0, len(alerts))
				for _, al := range alerts {
					resolved := "-"
					if al.ResolvedAt != nil {
						resolved = formatTime(*al.ResolvedAt)
					}
					rows = append(rows, []string{
						shortID(al.ID), al.ServerID, al.PackName, string(al.Status),
						strconv.Itoa(al.MismatchCount), formatTime(al.OpenedAt), formatTime(al.UpdatedAt), resolved,
					})
				}
				return table("ID\tSERVER\tPACK\tSTATUS\tMISMATCHES\tOPENED\tUPDATED\tRESOLVED", rows)
			})
		},
	}

	cmd.Flags().StringVar(&serverID, "server", "", "filter by server id")
	cmd.Flags().StringVar(&pack, "pack", "", "filter by pack")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, resolved)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum alerts to list")

	return cmd
}
