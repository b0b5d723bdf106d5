package main

import (
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	var down bool
	var target int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply River's job queue migrations",
		Long: "Apply River's job queue migrations. Application tables are created from\n" +
			"migrations/*.sql by the deployment's own migration tooling.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			pool, err := openPool(cmd.Context(), cfg, ctx.logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			direction := rivermigrate.DirectionUp
			var opts *rivermigrate.MigrateOpts
			if down {
				direction = rivermigrate.DirectionDown
				// one step unless a target is given
				opts = &rivermigrate.MigrateOpts{MaxSteps: 1}
			}
			if target > 0 {
				opts = &rivermigrate.MigrateOpts{TargetVersion: target}
			}
			return migrateRiver(cmd.Context(), pool, ctx.logger, direction, opts)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back instead of applying")
	cmd.Flags().IntVar(&target, "target-version", 0, "Stop at this River schema version")
	return cmd
}
