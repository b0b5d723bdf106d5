package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

type sweepOutput struct {
	Downgraded int   `json:"downgraded"`
	Credited   int   `json:"credited"`
	Purged     int64 `json:"purged"`
	Errors     int   `json:"errors"`
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one scheduler pass: expire memberships, credit subscriptions, purge notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			c, err := newCore(cmd.Context(), cfg, ctx.logger, nil)
			if err != nil {
				return err
			}
			defer c.close()

			report := c.sched.RunOnce(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(sweepOutput(report)); err != nil {
				return err
			}
			if report.Errors > 0 {
				return fmt.Errorf("sweep finished with %d errors", report.Errors)
			}
			return nil
		},
	}
}
