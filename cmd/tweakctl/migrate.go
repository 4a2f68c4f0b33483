package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tweakengine/internal/store"
)

type migrationOutput struct {
	CurrentVersion int             `json:"current_version"`
	LatestVersion  int             `json:"latest_version"`
	Applied        []appliedOutput `json:"applied"`
	Pending        []int           `json:"pending,omitempty"`
	Problems       []store.Problem `json:"problems,omitempty"`
}

type appliedOutput struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
}

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect the history database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied migrations and check history consistency",
		Long: `The status command lists the schema migrations applied to the history
database and runs its consistency checks. Opening the database applies any
pending migrations first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx, "migrate status"); err != nil {
				return err
			}
			problems, err := a.store.Verify(ctx)
			if err != nil {
				return err
			}
			if err := a.printMigrations(cmd, problems); err != nil {
				return err
			}
			if len(problems) > 0 {
				return fmt.Errorf("history database has %d problem(s)", len(problems))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Undo the most recent schema migration",
		Long: `The down command reverts the newest applied migration, for handing the
database back to an older tweakctl build. Any later tweakctl command run by
this build migrates it forward again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx, "migrate down"); err != nil {
				return err
			}
			if err := store.RollbackMigration(ctx, a.store.DB()); err != nil {
				return err
			}
			a.log().Info("schema migration rolled back")
			return a.printMigrations(cmd, nil)
		},
	})
	return cmd
}

func (a *app) printMigrations(cmd *cobra.Command, problems []store.Problem) error {
	status, err := store.GetMigrationStatus(cmd.Context(), a.store.DB())
	if err != nil {
		return err
	}
	mo := migrationOutput{
		CurrentVersion: status.CurrentVersion,
		LatestVersion:  status.LatestVersion,
		Problems:       problems,
	}
	for _, m := range status.Applied {
		mo.Applied = append(mo.Applied, appliedOutput{Version: m.Version, Description: m.Description, AppliedAt: m.AppliedAt})
	}
	for _, m := range status.Pending {
		mo.Pending = append(mo.Pending, m.Version)
	}

	out := cmd.OutOrStdout()
	if a.jsonOut {
		return printJSON(out, mo)
	}
	fmt.Fprintf(out, "schema version %d of %d\n", mo.CurrentVersion, mo.LatestVersion)
	for _, m := range mo.Applied {
		fmt.Fprintf(out, "  v%d  %s  %s\n", m.Version, m.AppliedAt.Format(time.RFC3339), m.Description)
	}
	for _, v := range mo.Pending {
		fmt.Fprintf(out, "  v%d  pending\n", v)
	}
	for _, p := range mo.Problems {
		fmt.Fprintf(out, "problem: entry %d: %s\n", p.HistoryID, p.Message)
	}
	return nil
}
