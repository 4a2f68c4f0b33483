// Package recovery reconciles history entries left behind by interrupted runs.
//
// Scan is read-only. Recover drives every issue it finds to a terminal state
// through the same rollback path the engine uses after a failed apply. A
// rollback or invariant failure stops the run: the system is then in a state
// recovery cannot vouch for.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tweakengine/internal/clock"
	"tweakengine/internal/events"
	"tweakengine/internal/logging"
	"tweakengine/internal/state"
	"tweakengine/internal/store"
	"tweakengine/internal/tweakerr"
)

// Kind classifies a recovery issue.
type Kind string

const (
	KindStuckDefined        Kind = "stuck_defined"
	KindInterruptedApply    Kind = "interrupted_apply"
	KindInterruptedRevert   Kind = "interrupted_revert"
	KindUnreconciledFailure Kind = "unreconciled_failure"
	KindMissingSnapshots    Kind = "missing_snapshots"
)

var reasons = map[Kind]string{
	KindStuckDefined:        "interrupted before any action ran",
	KindInterruptedApply:    "interrupted while applying",
	KindInterruptedRevert:   "interrupted while reverting",
	KindUnreconciledFailure: "failed with changes still recorded",
	KindMissingSnapshots:    "applied but no snapshots recorded",
}

// candidates are the statuses Scan inspects.
var candidates = []store.Status{
	store.StatusDefined,
	store.StatusValidated,
	store.StatusApplying,
	store.StatusApplied,
	store.StatusAppliedUnverified,
	store.StatusVerified,
	store.StatusFailed,
	store.StatusReverting,
}

// Issue is one entry that needs reconciling.
type Issue struct {
	HistoryID int64
	TweakID   string
	Status    store.Status
	Snapshots int
	Kind      Kind
	Reason    string
}

// Rollbacker is the engine surface recovery needs.
type Rollbacker interface {
	Authorize(ctx context.Context) error
	RollbackEntry(ctx context.Context, id int64) error
}

// Scanner finds and reconciles interrupted entries.
type Scanner struct {
	Store   *store.Store
	Manager Rollbacker
	Clock   clock.Clock
	// StaleAfter skips entries updated more recently than this, which may
	// belong to a run still in progress. Zero disables the check.
	StaleAfter time.Duration
	Events     *events.Dispatcher
	RunID      string
	Logger     *slog.Logger
}

func (s *Scanner) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now()
}

func (s *Scanner) logger() *slog.Logger {
	return logging.OrDiscard(s.Logger).With("component", "recovery")
}

// Scan lists the entries needing recovery, newest first. It writes nothing.
func (s *Scanner) Scan(ctx context.Context) ([]Issue, error) {
	entries, err := s.Store.ListEntries(ctx, store.Filter{Statuses: candidates})
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}

	now := s.now()
	var issues []Issue
	for _, e := range entries {
		if s.StaleAfter > 0 && now.Sub(e.UpdatedAt) < s.StaleAfter {
			s.logger().Debug("skipping recent entry", "history_id", e.ID, "status", e.Status)
			continue
		}
		n, err := s.Store.SnapshotCount(ctx, e.ID)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		kind, ok := classify(e.Status, n)
		if !ok {
			continue
		}
		issues = append(issues, Issue{
			HistoryID: e.ID,
			TweakID:   e.TweakID,
			Status:    e.Status,
			Snapshots: n,
			Kind:      kind,
			Reason:    reasons[kind],
		})
	}
	return issues, nil
}

func classify(st store.Status, snapshots int) (Kind, bool) {
	switch st {
	case store.StatusDefined, store.StatusValidated:
		return KindStuckDefined, true
	case store.StatusApplying:
		return KindInterruptedApply, true
	case store.StatusReverting:
		return KindInterruptedRevert, true
	case store.StatusFailed:
		return KindUnreconciledFailure, snapshots > 0
	case store.StatusApplied, store.StatusAppliedUnverified, store.StatusVerified:
		return KindMissingSnapshots, snapshots == 0
	}
	return "", false
}

// Detail is the outcome for one issue.
type Detail struct {
	Issue  Issue
	Status store.Status
	Err    error
}

// Report summarizes a recovery run.
type Report struct {
	Detected  int
	Recovered int
	Failed    int
	Details   []Detail
	// Fatal is the error that aborted the run, if any.
	Fatal error
}

// ExitCode maps the report to a process exit code: 0 when there was nothing
// to do or everything was recovered, 2 when only part was, 3 when nothing was.
func (r *Report) ExitCode() int {
	switch {
	case r.Detected == 0, r.Recovered == r.Detected:
		return 0
	case r.Recovered > 0:
		return 2
	default:
		return 3
	}
}

// Recover reconciles every issue Scan reports. It never creates history
// entries. The returned error is the fatal error that stopped the run.
func (s *Scanner) Recover(ctx context.Context) (*Report, error) {
	report := &Report{}
	issues, err := s.Scan(ctx)
	if err != nil {
		return report, err
	}
	report.Detected = len(issues)
	if len(issues) == 0 {
		return report, nil
	}
	if err := s.Manager.Authorize(ctx); err != nil {
		return report, err
	}

	log := s.logger()
	for _, is := range issues {
		log.Info("recovering entry", "history_id", is.HistoryID, "tweak_id", is.TweakID, "kind", is.Kind)
		err := s.reconcile(ctx, is)
		d := Detail{Issue: is, Err: err}
		if st, serr := state.New(s.Store, s.Clock, is.HistoryID).Current(ctx); serr == nil {
			d.Status = st
		}
		report.Details = append(report.Details, d)
		s.emit(ctx, is, err)

		if err == nil {
			report.Recovered++
			continue
		}
		report.Failed++
		log.Error("recovery failed", "history_id", is.HistoryID, "error", err)
		if tweakerr.IsFatal(err) {
			report.Fatal = err
			return report, err
		}
	}
	return report, nil
}

func (s *Scanner) reconcile(ctx context.Context, is Issue) error {
	mach := state.New(s.Store, s.Clock, is.HistoryID)
	switch is.Kind {
	case KindStuckDefined:
		_, err := mach.Transition(ctx, state.EventAbandon, state.WithError("abandoned by recovery: "+is.Reason))
		return err
	case KindInterruptedApply:
		if _, err := mach.Transition(ctx, state.EventFail, state.WithError("recovered: "+is.Reason)); err != nil {
			return err
		}
		return s.Manager.RollbackEntry(ctx, is.HistoryID)
	case KindInterruptedRevert, KindUnreconciledFailure:
		return s.Manager.RollbackEntry(ctx, is.HistoryID)
	case KindMissingSnapshots:
		return tweakerr.Invariantf("entry %d (%s) is %s without snapshots", is.HistoryID, is.TweakID, is.Status)
	}
	return tweakerr.Invariantf("unhandled recovery kind %q", is.Kind)
}

func (s *Scanner) emit(ctx context.Context, is Issue, err error) {
	e := events.Event{
		Name:      events.NameRecover,
		RunID:     s.RunID,
		TweakID:   is.TweakID,
		HistoryID: is.HistoryID,
		Result:    events.ResultSuccess,
		At:        s.now(),
	}
	if err != nil {
		e.Result, e.Error = events.ResultFailure, err.Error()
	}
	s.Events.Emit(ctx, e)
}
