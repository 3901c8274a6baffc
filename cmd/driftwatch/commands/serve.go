package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/driftwatch/pkg/config"
	"github.com/openfroyo/driftwatch/pkg/drift"
	"github.com/openfroyo/driftwatch/pkg/policy"
	"github.com/openfroyo/driftwatch/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	var runOnStart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the drift scheduler",
		Long: `Run scheduled drift sweeps until interrupted.

While serving:
  - Every eligible server is checked each drift.interval
  - Alerts are delivered to the configured notification sinks
  - Metrics are exposed on telemetry.metrics.listen_address
  - Edits to the config file change the sweep interval without a restart;
    an interval already elapsed since the last sweep starts one at once
  - Edits to policies_dir reload the admission policies`,
		Example: `  driftwatch serve -c /etc/driftwatch/config.yaml
  driftwatch serve --run-on-start`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Telemetry.ServiceVersion = version
			if runOnStart {
				cfg.Drift.RunOnStart = true
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.close(context.Background()); cerr != nil {
					a.logger.Warn().Err(cerr).Msg("Shutdown incomplete")
				}
			}()
			return serve(a.tel.WithContext(ctx), a)
		},
	}

	cmd.Flags().BoolVar(&runOnStart, "run-on-start", false, "sweep immediately instead of waiting one interval")

	return cmd
}

func serve(ctx context.Context, a *app) error {
	logger := telemetry.FromContext(ctx).With().Str("component", "serve").Logger()

	if err := a.tel.StartMetricsServer(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	scheduler := a.newScheduler(a.cfg.Drift, drift.WithSweepHook(func(drift.RunStats) {
		if n := a.pool.Reap(); n > 0 {
			logger.Debug().Int("closed", n).Msg("Closed idle connections")
		}
	}))
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	if configPath != "" {
		watcher := config.NewWatcher(configPath, a.cfg, func(old, updated *config.Config) {
			if updated.Drift.Interval != old.Drift.Interval {
				logger.Info().
					Dur("old", old.Drift.Interval).
					Dur("new", updated.Drift.Interval).
					Msg("Drift interval changed")
				scheduler.Reschedule(updated.Drift.Interval)
			}
			if updated.StorePath != old.StorePath || updated.PacksDir != old.PacksDir {
				logger.Warn().Msg("Store and pack directory changes take effect after a restart")
			}
		}, a.logger)
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	if a.cfg.PoliciesDir != "" {
		loader := policy.NewLoader(a.logger)
		if err := loader.Watch(ctx, a.cfg.PoliciesDir, a.policies); err != nil {
			return err
		}
		defer loader.Stop()
	}

	state := scheduler.State()
	logger.Info().
		Dur("interval", state.Interval).
		Time("next_run", state.NextRunAt).
		Msg("driftwatch serving")

	<-ctx.Done()
	logger.Info().Msg("Stopping")
	return nil
}
