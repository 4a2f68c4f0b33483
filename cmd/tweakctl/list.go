package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tweakengine/internal/store"
)

type entryOutput struct {
	HistoryID  int64      `json:"history_id"`
	TweakID    string     `json:"tweak_id"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	RevertedAt *time.Time `json:"reverted_at,omitempty"`
	Actions    int        `json:"actions"`
	Error      string     `json:"error,omitempty"`
}

func toEntryOutput(e store.HistoryEntry) entryOutput {
	return entryOutput{
		HistoryID:  e.ID,
		TweakID:    e.TweakID,
		Status:     string(e.Status),
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
		VerifiedAt: e.VerifiedAt,
		RevertedAt: e.RevertedAt,
		Actions:    e.ActionCount,
		Error:      e.ErrorMessage,
	}
}

func printEntries(w io.Writer, jsonOut bool, entries []store.HistoryEntry) error {
	if jsonOut {
		rows := make([]entryOutput, len(entries))
		for i, e := range entries {
			rows[i] = toEntryOutput(e)
		}
		return printJSON(w, rows)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "no entries")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTWEAK\tSTATUS\tUPDATED\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.TweakID, e.Status, e.UpdatedAt.Format(time.RFC3339), e.ErrorMessage)
	}
	return tw.Flush()
}

func newListCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active tweaks",
		Long: `The list command shows the tweaks currently in effect: one entry per tweak,
the latest applied version. With --all it shows every history entry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx, cmd.Name()); err != nil {
				return err
			}
			var (
				entries []store.HistoryEntry
				err     error
			)
			if all {
				entries, err = a.manager.History(ctx, "")
			} else {
				entries, err = a.manager.Active(ctx)
			}
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), a.jsonOut, entries)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every history entry, not only active tweaks")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var showEvents bool
	cmd := &cobra.Command{
		Use:   "history [tweak-id]",
		Short: "Show the history of one tweak or of all tweaks",
		Long: `The history command lists history entries newest first. An id without a
version includes every version of the tweak. --events lists the events recorded
for exactly that id instead.

Example:
  tweakctl history
  tweakctl history privacy.disable_telemetry
  tweakctl history privacy.disable_telemetry@1.0 --events`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx, cmd.Name()); err != nil {
				return err
			}
			var tweakID string
			if len(args) == 1 {
				tweakID = args[0]
			}

			if showEvents {
				evs, err := a.store.Events(ctx, tweakID, 0)
				if err != nil {
					return err
				}
				return printEvents(cmd.OutOrStdout(), a.jsonOut, evs)
			}

			entries, err := a.manager.History(ctx, tweakID)
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), a.jsonOut, entries)
		},
	}
	cmd.Flags().BoolVar(&showEvents, "events", false, "show recorded events")
	return cmd
}

type eventOutput struct {
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	TweakID   string    `json:"tweak_id"`
	HistoryID int64     `json:"history_id,omitempty"`
	Result    string    `json:"result"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

func printEvents(w io.Writer, jsonOut bool, evs []store.EventRecord) error {
	if jsonOut {
		rows := make([]eventOutput, len(evs))
		for i, e := range evs {
			rows[i] = eventOutput{
				RunID: e.RunID, Name: e.Name, TweakID: e.TweakID, HistoryID: e.HistoryID,
				Result: e.Result, Error: e.Error, At: e.At,
			}
		}
		return printJSON(w, rows)
	}
	if len(evs) == 0 {
		fmt.Fprintln(w, "no events")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tEVENT\tTWEAK\tHISTORY\tRESULT\tERROR")
	for _, e := range evs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.At.Format(time.RFC3339), e.Name, e.TweakID, e.HistoryID, e.Result, e.Error)
	}
	return tw.Flush()
}
