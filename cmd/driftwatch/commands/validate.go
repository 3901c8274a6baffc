package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/driftwatch/pkg/packs"
	"github.com/openfroyo/driftwatch/pkg/policy"
	"github.com/openfroyo/driftwatch/pkg/whitelist"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, packs and policies",
		Long: `Validate the configuration file, every pack in packs_dir and every policy
in policies_dir without touching the database or any server.

This command checks:
  - Config syntax and value constraints
  - Pack schema and field constraints
  - Every command each pack would send, in both modes, against the whitelist
  - Rego policy compilation`,
		Example: `  driftwatch validate -c /etc/driftwatch/config.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := zerolog.New(nil).Level(zerolog.Disabled)

			catalog, err := packs.LoadCatalog(cfg.PacksDir)
			if err != nil {
				return err
			}

			actions := whitelist.DefaultCatalog()
			if cfg.ExtraActionsFile != "" {
				extra, err := whitelist.LoadCatalogFile(cfg.ExtraActionsFile)
				if err != nil {
					return err
				}
				if actions, err = actions.Merge(extra); err != nil {
					return err
				}
			}
			validator, err := whitelist.New(actions)
			if err != nil {
				return err
			}

			commands := 0
			for _, pack := range catalog.List() {
				for _, mode := range []packs.Mode{packs.ModeApply, packs.ModeRemove} {
					ops, err := packs.Plan(pack, mode)
					if err != nil {
						return fmt.Errorf("pack %s (%s): %w", pack.Name, mode, err)
					}
					for _, op := range ops {
						for _, step := range op.Steps {
							if err := validator.Check(step.Line, step.ActionType); err != nil {
								return fmt.Errorf("pack %s (%s) item %s: %w", pack.Name, mode, op.Item, err)
							}
							commands++
						}
					}
				}
			}

			engine, err := policy.NewEngine(logger)
			if err != nil {
				return err
			}
			if cfg.PoliciesDir != "" {
				loaded, err := policy.NewLoader(logger).LoadDir(cfg.PoliciesDir)
				if err != nil {
					return err
				}
				if err := engine.Load(cmd.Context(), loaded); err != nil {
					return err
				}
			}

			log.Info().
				Int("packs", catalog.Len()).
				Int("commands", commands).
				Int("policies", len(engine.List())).
				Msg("Configuration is valid")
			return nil
		},
	}

	return cmd
}
