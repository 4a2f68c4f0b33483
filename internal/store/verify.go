package store

import (
	"context"
	"fmt"
)

// Problem is one inconsistency found by Verify.
type Problem struct {
	HistoryID int64
	Message   string
}

// Verify checks the database file and the history invariants the engine
// relies on. It returns the problems found; the error is reserved for
// failures to run the checks.
func (s *Store) Verify(ctx context.Context) ([]Problem, error) {
	var problems []Problem

	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		problems = append(problems, Problem{Message: "sqlite integrity check: " + result})
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id, h.status, h.action_count, COUNT(s.id)
		FROM tweak_history h LEFT JOIN snapshots s ON s.history_id = h.id
		GROUP BY h.id`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var status string
		var actions, snaps int
		if err := rows.Scan(&id, &status, &actions, &snaps); err != nil {
			return nil, fmt.Errorf("scan snapshot count: %w", err)
		}
		if p, ok := checkEntry(id, ParseStatus(status), actions, snaps); !ok {
			problems = append(problems, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read snapshot counts: %w", err)
	}

	return problems, nil
}

func checkEntry(id int64, status Status, actions, snaps int) (Problem, bool) {
	switch status {
	case StatusApplied, StatusAppliedUnverified, StatusVerified:
		if snaps == 0 {
			return Problem{HistoryID: id, Message: fmt.Sprintf("%s entry has no snapshots", status)}, false
		}
		if actions > 0 && snaps != actions {
			return Problem{HistoryID: id, Message: fmt.Sprintf("%s entry has %d snapshots for %d actions", status, snaps, actions)}, false
		}
	case StatusReverted:
		if snaps > 0 {
			return Problem{HistoryID: id, Message: fmt.Sprintf("reverted entry still holds %d snapshots", snaps)}, false
		}
	case StatusOrphaned:
		return Problem{HistoryID: id, Message: "entry has an unrecognized status"}, false
	}
	return Problem{}, true
}
