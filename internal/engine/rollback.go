package engine

import (
	"context"
	"errors"
	"fmt"

	"tweakengine/internal/action"
	"tweakengine/internal/events"
	"tweakengine/internal/state"
	"tweakengine/internal/store"
	"tweakengine/internal/tweakerr"
	"tweakengine/internal/tweakid"
)

// Revert undoes the most recent application of tweakID. An unversioned id
// falls back to the latest entry of any version. Reverting an entry that is
// already reverted succeeds without touching the system.
func (m *Manager) Revert(ctx context.Context, tweakID string) (*Result, error) {
	if err := m.Authorize(ctx); err != nil {
		return nil, err
	}
	id, err := tweakid.Parse(tweakID)
	if err != nil {
		return nil, tweakerr.Validationf("tweak_id", "%v", err)
	}

	entry, err := m.store.LatestEntry(ctx, id.String())
	if err == nil && entry == nil && id.Unversioned() {
		entry, err = m.store.LatestEntryByBase(ctx, id.Base())
	}
	if err != nil {
		return nil, fmt.Errorf("look up %s: %w", id, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w %s", ErrNoHistory, id)
	}

	log := m.logger.With("tweak_id", entry.TweakID, "history_id", entry.ID)
	switch entry.Status {
	case store.StatusReverted:
		log.Info("already reverted")
		m.emitResult(ctx, events.NameRevert, entry.TweakID, entry.ID, events.ResultNoop, "")
		return &Result{TweakID: entry.TweakID, HistoryID: entry.ID, Status: entry.Status, Noop: true}, nil
	case store.StatusApplied, store.StatusAppliedUnverified, store.StatusVerified, store.StatusFailed:
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRevertible, entry.TweakID, entry.Status)
	}

	err = m.rollback(ctx, entry.ID)
	m.emit(ctx, events.NameRevert, entry.TweakID, entry.ID, err)
	if err != nil {
		log.Error("revert failed", "error", err)
		return nil, err
	}

	st, err := state.New(m.store, m.clock, entry.ID).Current(ctx)
	if err != nil {
		return nil, err
	}
	log.Info("tweak reverted", "status", st)
	return &Result{TweakID: entry.TweakID, HistoryID: entry.ID, Status: st, Noop: st != store.StatusReverted}, nil
}

// RollbackEntry replays the snapshots of history entry id in reverse and
// moves it to reverted. It does not consult the privilege gate; callers that
// mutate on behalf of a user run Authorize first.
func (m *Manager) RollbackEntry(ctx context.Context, id int64) error {
	return m.rollback(ctx, id)
}

func (m *Manager) rollback(ctx context.Context, id int64) error {
	mach := state.New(m.store, m.clock, id)
	cur, err := mach.Current(ctx)
	if err != nil {
		return fmt.Errorf("rollback entry %d: %w", id, err)
	}
	if cur == store.StatusReverted {
		// Another run finished the rollback between our read and this one.
		return nil
	}
	records, err := m.store.Snapshots(ctx, id)
	if err != nil {
		return fmt.Errorf("rollback entry %d: %w", id, err)
	}

	if len(records) == 0 {
		switch cur {
		case store.StatusApplied, store.StatusAppliedUnverified, store.StatusVerified:
			return tweakerr.Invariantf("entry %d is %s but has no snapshots", id, cur)
		case store.StatusReverting:
			_, err := mach.Transition(ctx, state.EventComplete)
			return err
		case store.StatusDefined, store.StatusValidated, store.StatusFailed:
			// Nothing was captured, so nothing was changed.
			return nil
		default:
			return fmt.Errorf("%w: entry %d is %s", ErrNotRevertible, id, cur)
		}
	}

	snaps := make([]action.Snapshot, len(records))
	for i, r := range records {
		s, err := action.DecodeSnapshot(action.Kind(r.ActionType), r.Metadata)
		if err != nil {
			return &tweakerr.InvariantError{Message: fmt.Sprintf("entry %d snapshot %d unreadable", id, r.Sequence), Err: err}
		}
		snaps[i] = s
	}

	if cur != store.StatusReverting {
		if _, err := mach.Transition(ctx, state.EventRevert); err != nil {
			return err
		}
	}

	for i := len(snaps) - 1; i >= 0; i-- {
		if err := m.exec.Rollback(ctx, snaps[i]); err != nil {
			var rb *tweakerr.RollbackError
			if errors.As(err, &rb) {
				rb.HistoryID = id
			} else {
				err = &tweakerr.RollbackError{Target: snaps[i].Target(), HistoryID: id, Err: err}
			}
			if _, ferr := mach.Transition(ctx, state.EventFail, state.WithError(err.Error())); ferr != nil {
				return fmt.Errorf("%w; record failure: %w", err, ferr)
			}
			return err
		}
	}

	_, err = mach.Transition(ctx, state.EventComplete)
	return err
}
