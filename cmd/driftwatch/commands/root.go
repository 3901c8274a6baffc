package commands

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	noColor    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "driftwatch",
		Short: "driftwatch - remote configuration reconciliation and drift detection",
		Long: `driftwatch pushes declarative configuration packs to Linux servers over SSH
and keeps checking that they stay that way.

Features:
  - Packs of files, packages and environment settings
  - Every remote command validated against a fixed whitelist
  - Apply and remove with preview before confirmation
  - Compliance checks with per-item mismatch classification
  - Scheduled drift sweeps with alert open, refresh and resolve
  - Rego admission policies`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor || jsonOutput {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newRemoveCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newAlertsCommand())
	rootCmd.AddCommand(newPacksCommand())
	rootCmd.AddCommand(newServersCommand())
	rootCmd.AddCommand(newPoliciesCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
