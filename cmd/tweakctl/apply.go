package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tweakengine/internal/engine"
)

type resultOutput struct {
	TweakID   string `json:"tweak_id"`
	HistoryID int64  `json:"history_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Noop      bool   `json:"noop"`
}

func toResultOutput(r *engine.Result) resultOutput {
	return resultOutput{TweakID: r.TweakID, HistoryID: r.HistoryID, Status: string(r.Status), Noop: r.Noop}
}

func newApplyCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "apply <definition>...",
		Short: "Apply one tweak, or several as a batch",
		Long: `The apply command validates the given tweak definitions, snapshots the state
they change and applies them. Several definitions form a batch: if any member
fails, the members already applied are reverted newest first.

Bare file names are looked up in the configured definitions directory.

Example:
  tweakctl apply disable_telemetry.yaml
  tweakctl apply --dry-run ./tweaks/power.json
  tweakctl apply a.yaml b.yaml c.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context(), cmd.Name()); err != nil {
				return err
			}
			paths := make([]string, len(args))
			for i, p := range args {
				paths[i] = a.cfg.ResolveDefinition(p)
			}
			if dryRun {
				return runDryRun(cmd, a, paths)
			}
			return runApply(cmd, a, paths)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would change without changing anything")
	return cmd
}

func runApply(cmd *cobra.Command, a *app, paths []string) error {
	ctx := cmd.Context()
	if err := a.manager.Authorize(ctx); err != nil {
		return err
	}
	if err := a.recoverOnStartup(ctx); err != nil {
		return err
	}

	var (
		results []*engine.Result
		err     error
	)
	if len(paths) == 1 {
		var r *engine.Result
		r, err = a.manager.Apply(ctx, paths[0])
		if r != nil {
			results = append(results, r)
		}
	} else {
		results, err = a.manager.ApplyBatch(ctx, paths)
	}

	out := cmd.OutOrStdout()
	if a.jsonOut {
		rows := make([]resultOutput, 0, len(results))
		for _, r := range results {
			rows = append(rows, toResultOutput(r))
		}
		if perr := printJSON(out, rows); perr != nil {
			return perr
		}
		return err
	}

	for _, r := range results {
		switch {
		case r.Noop:
			fmt.Fprintf(out, "%s: already in effect, nothing changed\n", r.TweakID)
		default:
			fmt.Fprintf(out, "%s: %s (history %d)\n", r.TweakID, r.Status, r.HistoryID)
		}
	}
	return err
}

type planOutput struct {
	TweakID string            `json:"tweak_id"`
	Noop    bool              `json:"noop"`
	Steps   []engine.PlanStep `json:"steps,omitempty"`
}

func runDryRun(cmd *cobra.Command, a *app, paths []string) error {
	ctx := cmd.Context()
	plans := make([]planOutput, 0, len(paths))
	for _, p := range paths {
		plan, err := a.manager.DryRun(ctx, p)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		plans = append(plans, planOutput{TweakID: plan.Definition.ID.String(), Noop: plan.Noop, Steps: plan.Steps})
	}

	out := cmd.OutOrStdout()
	if a.jsonOut {
		return printJSON(out, plans)
	}
	for _, p := range plans {
		if p.Noop {
			fmt.Fprintf(out, "%s: already in effect, nothing would change\n", p.TweakID)
			continue
		}
		fmt.Fprintf(out, "%s: %d change(s)\n", p.TweakID, len(p.Steps))
		for i, s := range p.Steps {
			fmt.Fprintf(out, "  %d. %s\n     current: %s\n", i+1, s.Action, s.Current)
		}
	}
	return nil
}
