package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type checkOutput struct {
	HistoryID int64    `json:"history_id"`
	TweakID   string   `json:"tweak_id"`
	Status    string   `json:"status"`
	Checked   int      `json:"checked"`
	Passed    bool     `json:"passed"`
	Promoted  bool     `json:"promoted,omitempty"`
	Failures  []string `json:"failures,omitempty"`
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-run the verify checks of every applied tweak",
		Long: `The verify command re-runs the stored verify actions of every applied tweak
and reports drift. Tweaks whose verification was deferred, for example until a
reboot, are marked verified once all their checks pass.

Exit status is 2 when any tweak fails its checks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx, cmd.Name()); err != nil {
				return err
			}
			checks, err := a.manager.VerifyActive(ctx)
			if err != nil {
				return err
			}

			rows := make([]checkOutput, len(checks))
			failed := 0
			for i, c := range checks {
				rows[i] = checkOutput{
					HistoryID: c.HistoryID,
					TweakID:   c.TweakID,
					Status:    string(c.Status),
					Checked:   c.Checked,
					Passed:    c.Passed(),
					Promoted:  c.Promoted,
					Failures:  c.Failures,
				}
				if !c.Passed() {
					failed++
				}
			}

			out := cmd.OutOrStdout()
			if a.jsonOut {
				if err := printJSON(out, rows); err != nil {
					return err
				}
			} else {
				if len(rows) == 0 {
					fmt.Fprintln(out, "no applied tweaks")
				}
				for _, r := range rows {
					switch {
					case !r.Passed:
						fmt.Fprintf(out, "DRIFT  %s: %s\n", r.TweakID, strings.Join(r.Failures, "; "))
					case r.Promoted:
						fmt.Fprintf(out, "OK     %s: verified\n", r.TweakID)
					case r.Checked == 0:
						fmt.Fprintf(out, "-      %s: no checks\n", r.TweakID)
					default:
						fmt.Fprintf(out, "OK     %s\n", r.TweakID)
					}
				}
			}

			if failed > 0 {
				return &exitError{code: 2, err: fmt.Errorf("%d tweak(s) failed verification", failed)}
			}
			return nil
		},
	}
}
