package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRevertCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revert <tweak-id>",
		Short: "Revert the latest application of a tweak",
		Long: `The revert command replays the snapshots of the tweak's most recent history
entry in reverse. An id without a version reverts whichever version was applied
last. Reverting a tweak that is already reverted changes nothing.

Example:
  tweakctl revert privacy.disable_telemetry@1.0
  tweakctl revert privacy.disable_telemetry`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx, cmd.Name()); err != nil {
				return err
			}
			if err := a.manager.Authorize(ctx); err != nil {
				return err
			}
			if err := a.recoverOnStartup(ctx); err != nil {
				return err
			}

			r, err := a.manager.Revert(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, toResultOutput(r))
			}
			if r.Noop {
				fmt.Fprintf(out, "%s: already reverted (history %d)\n", r.TweakID, r.HistoryID)
				return nil
			}
			fmt.Fprintf(out, "%s: %s (history %d)\n", r.TweakID, r.Status, r.HistoryID)
			return nil
		},
	}
}
