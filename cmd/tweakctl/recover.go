package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tweakengine/internal/recovery"
)

type issueOutput struct {
	HistoryID int64  `json:"history_id"`
	TweakID   string `json:"tweak_id"`
	Status    string `json:"status"`
	Snapshots int    `json:"snapshots"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
	Outcome   string `json:"outcome,omitempty"`
	Error     string `json:"error,omitempty"`
}

type reportOutput struct {
	Detected  int           `json:"detected"`
	Recovered int           `json:"recovered"`
	Failed    int           `json:"failed"`
	Issues    []issueOutput `json:"issues"`
	Fatal     string        `json:"fatal,omitempty"`
}

func toIssueOutput(is recovery.Issue) issueOutput {
	return issueOutput{
		HistoryID: is.HistoryID,
		TweakID:   is.TweakID,
		Status:    string(is.Status),
		Snapshots: is.Snapshots,
		Kind:      string(is.Kind),
		Reason:    is.Reason,
	}
}

func newRecoverCmd(a *app) *cobra.Command {
	var (
		scanOnly   bool
		staleAfter time.Duration
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reconcile history entries left by interrupted runs",
		Long: `The recover command finds history entries that an interrupted run left in a
non-terminal state and drives each one to a terminal state, rolling back
whatever was applied. --scan-only reports the entries without touching them.

Unlike the recovery that runs before apply and revert, recover considers
every entry regardless of age. Pass --stale-after when another tweakctl may
still be running.

Exit status: 0 when there was nothing to do or everything was recovered,
2 when only part was recovered and 3 when nothing could be.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx, cmd.Name()); err != nil {
				return err
			}
			sc := a.scanner(staleAfter)
			out := cmd.OutOrStdout()

			if scanOnly {
				issues, err := sc.Scan(ctx)
				if err != nil {
					return err
				}
				rows := make([]issueOutput, len(issues))
				for i, is := range issues {
					rows[i] = toIssueOutput(is)
				}
				if a.jsonOut {
					return printJSON(out, rows)
				}
				return printIssues(out, rows)
			}

			report, err := sc.Recover(ctx)
			if perr := printReport(out, a.jsonOut, report); perr != nil {
				return perr
			}
			if err != nil {
				return &exitError{code: report.ExitCode(), err: err}
			}
			if code := report.ExitCode(); code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&scanOnly, "scan-only", false, "report interrupted entries without recovering them")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "skip entries updated more recently than this")
	return cmd
}

func printReport(w io.Writer, jsonOut bool, r *recovery.Report) error {
	rows := make([]issueOutput, len(r.Details))
	for i, d := range r.Details {
		rows[i] = toIssueOutput(d.Issue)
		rows[i].Outcome = string(d.Status)
		if d.Err != nil {
			rows[i].Error = d.Err.Error()
		}
	}
	if jsonOut {
		ro := reportOutput{Detected: r.Detected, Recovered: r.Recovered, Failed: r.Failed, Issues: rows}
		if r.Fatal != nil {
			ro.Fatal = r.Fatal.Error()
		}
		return printJSON(w, ro)
	}

	fmt.Fprintf(w, "detected %d, recovered %d, failed %d\n", r.Detected, r.Recovered, r.Failed)
	if len(rows) == 0 {
		return nil
	}
	return printIssues(w, rows)
}

func printIssues(w io.Writer, rows []issueOutput) error {
	if len(rows) == 0 {
		fmt.Fprintln(w, "nothing to recover")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTWEAK\tSTATUS\tKIND\tOUTCOME\tREASON")
	for _, r := range rows {
		outcome := r.Outcome
		if r.Error != "" {
			outcome = "error: " + r.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.HistoryID, r.TweakID, r.Status, r.Kind, outcome, r.Reason)
	}
	return tw.Flush()
}
