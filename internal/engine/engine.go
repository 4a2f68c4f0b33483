// Package engine applies and reverts tweaks transactionally.
//
// A Manager ties the pieces together: definitions are validated, composed
// against the tweaks already active, snapshotted action by action into the
// history store and only then applied. Any failure after the history entry
// exists replays the stored snapshots in reverse. Every status change goes
// through the state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tweakengine/internal/action"
	"tweakengine/internal/clock"
	"tweakengine/internal/definition"
	"tweakengine/internal/events"
	"tweakengine/internal/logging"
	"tweakengine/internal/privilege"
	"tweakengine/internal/state"
	"tweakengine/internal/store"
	"tweakengine/internal/system"
	"tweakengine/internal/tweakerr"
	"tweakengine/internal/tweakid"
	"tweakengine/internal/validation"
)

var (
	// ErrNoHistory is returned when a tweak has never been applied.
	ErrNoHistory = errors.New("engine: no history for tweak")

	// ErrNotRevertible is returned for entries whose status does not allow a revert.
	ErrNotRevertible = errors.New("engine: entry is not revertible")

	// ErrVerifyFailed marks a verify action that did not match after apply.
	ErrVerifyFailed = errors.New("engine: verification failed")

	// ErrEntryTakenOver is returned when another process moved the history
	// entry of a running apply to a state this run did not put it in,
	// usually by recovering it. The run undoes its own changes and leaves
	// the entry alone.
	ErrEntryTakenOver = errors.New("engine: history entry taken over by another process")
)

// Options configures a Manager.
type Options struct {
	Store  *store.Store
	System system.System
	Clock  clock.Clock
	// Gate must approve every mutating call. Nil selects privilege.OS().
	Gate   privilege.Gate
	Events *events.Dispatcher
	Logger *slog.Logger
	RunID  string
}

// Manager orchestrates apply, revert and verification of tweaks.
// Calls are not meant to run concurrently on one Manager.
type Manager struct {
	store  *store.Store
	exec   *action.Executor
	clock  clock.Clock
	gate   privilege.Gate
	events *events.Dispatcher
	logger *slog.Logger
	runID  string
}

// New returns a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Gate == nil {
		opts.Gate = privilege.OS()
	}
	logger := logging.OrDiscard(opts.Logger).With("component", "engine")
	if opts.RunID != "" {
		logger = logger.With("run_id", opts.RunID)
	}
	return &Manager{
		store:  opts.Store,
		exec:   action.NewExecutor(opts.System, logger),
		clock:  opts.Clock,
		gate:   opts.Gate,
		events: opts.Events,
		logger: logger,
		runID:  opts.RunID,
	}, nil
}

// Result describes the outcome of one apply or revert.
type Result struct {
	TweakID   string
	HistoryID int64
	Status    store.Status
	// Noop is set when nothing on the system had to change.
	Noop bool
}

// Authorize runs the privilege gate.
func (m *Manager) Authorize(ctx context.Context) error {
	if err := m.gate.Check(ctx); err != nil {
		return fmt.Errorf("privilege check: %w", err)
	}
	return nil
}

// Apply loads the definition at path and applies it.
func (m *Manager) Apply(ctx context.Context, path string) (*Result, error) {
	def, err := definition.Load(path)
	if err != nil {
		return nil, err
	}
	return m.ApplyDefinition(ctx, def)
}

// ApplyDefinition validates def against the active tweaks and applies it.
func (m *Manager) ApplyDefinition(ctx context.Context, def *definition.Definition) (*Result, error) {
	if err := m.Authorize(ctx); err != nil {
		return nil, err
	}
	if err := m.compose(ctx, []*definition.Definition{def}); err != nil {
		return nil, err
	}
	return m.apply(ctx, def)
}

// ApplyBatch applies the definitions at paths in order as one composition.
// When a member fails, the members already applied by this call are reverted
// newest first.
func (m *Manager) ApplyBatch(ctx context.Context, paths []string) ([]*Result, error) {
	defs := make([]*definition.Definition, 0, len(paths))
	for _, p := range paths {
		def, err := definition.Load(p)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return m.ApplyDefinitions(ctx, defs)
}

// ApplyDefinitions is ApplyBatch for definitions already loaded.
func (m *Manager) ApplyDefinitions(ctx context.Context, defs []*definition.Definition) ([]*Result, error) {
	if err := m.Authorize(ctx); err != nil {
		return nil, err
	}
	if err := m.compose(ctx, defs); err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(defs))
	for _, def := range defs {
		res, err := m.apply(ctx, def)
		if err != nil {
			if uerr := m.unwindBatch(ctx, results); uerr != nil {
				return results, fmt.Errorf("batch member %s: %w; unwinding batch: %w", def.ID, err, uerr)
			}
			return results, fmt.Errorf("batch member %s: %w", def.ID, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (m *Manager) unwindBatch(ctx context.Context, done []*Result) error {
	for i := len(done) - 1; i >= 0; i-- {
		r := done[i]
		if r.Noop {
			continue
		}
		m.logger.Info("reverting batch member", "tweak_id", r.TweakID, "history_id", r.HistoryID)
		err := m.rollback(ctx, r.HistoryID)
		m.emit(ctx, events.NameRevert, r.TweakID, r.HistoryID, err)
		if err != nil {
			return err
		}
		r.Status = store.StatusReverted
	}
	return nil
}

// compose runs the definition and composition rules. It never writes.
func (m *Manager) compose(ctx context.Context, defs []*definition.Definition) error {
	for _, def := range defs {
		if err := validation.ValidateDefinition(def); err != nil {
			return fmt.Errorf("%s: %w", def.ID, err)
		}
	}
	active, err := m.activeSet(ctx)
	if err != nil {
		return err
	}
	return validation.ValidateComposition(defs, active)
}

// activeSet reads the active entries together with the conflicts their
// stored definitions declare.
func (m *Manager) activeSet(ctx context.Context) ([]validation.Active, error) {
	entries, err := m.store.ActiveEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active tweaks: %w", err)
	}
	return m.toActive(entries)
}

func (m *Manager) toActive(entries []store.HistoryEntry) ([]validation.Active, error) {
	active := make([]validation.Active, 0, len(entries))
	for _, e := range entries {
		id, err := tweakid.Parse(e.TweakID)
		if err != nil {
			return nil, tweakerr.Invariantf("history entry %d holds invalid tweak id %q", e.ID, e.TweakID)
		}
		a := validation.Active{ID: id}
		if len(e.Definition) > 0 {
			def, err := definition.Parse(e.Definition)
			if err != nil {
				m.logger.Warn("stored definition unreadable, conflicts ignored", "history_id", e.ID, "error", err)
			} else {
				a.ConflictsWith = def.ConflictsWith
			}
		}
		active = append(active, a)
	}
	return active, nil
}

// apply runs steps after composition for one definition.
func (m *Manager) apply(ctx context.Context, def *definition.Definition) (*Result, error) {
	log := m.logger.With("tweak_id", def.ID.String())

	satisfied, err := m.satisfied(ctx, def)
	if err != nil {
		return nil, err
	}
	if satisfied {
		log.Info("tweak already in effect, nothing to apply")
		m.emitResult(ctx, events.NameNoop, def.ID.String(), 0, events.ResultNoop, "")
		return &Result{TweakID: def.ID.String(), Noop: true}, nil
	}

	entry, err := m.admit(ctx, def)
	if err != nil {
		return nil, err
	}
	log = log.With("history_id", entry.ID)
	mach := state.New(m.store, m.clock, entry.ID)

	final, applied, err := m.execute(ctx, mach, def)
	if err != nil {
		log.Error("apply failed, rolling back", "error", err)
		err = m.abort(ctx, mach, def, err, applied)
		m.emit(ctx, events.NameApply, def.ID.String(), entry.ID, err)
		return nil, err
	}

	log.Info("tweak applied", "status", final)
	m.emit(ctx, events.NameApply, def.ID.String(), entry.ID, nil)
	return &Result{TweakID: def.ID.String(), HistoryID: entry.ID, Status: final}, nil
}

// admit creates the history entry for def. The active set is read again
// under the write lock, so a concurrent run that took the base id or a
// conflicting tweak since compose makes this fail instead of producing two
// active entries.
func (m *Manager) admit(ctx context.Context, def *definition.Definition) (*store.HistoryEntry, error) {
	var entry *store.HistoryEntry
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		entries, err := tx.ActiveEntries(ctx)
		if err != nil {
			return err
		}
		active, err := m.toActive(entries)
		if err != nil {
			return err
		}
		if err := validation.ValidateAdmission(def, active); err != nil {
			return fmt.Errorf("%s: %w", def.ID, err)
		}
		entry, err = tx.CreateEntry(ctx, store.NewEntry{
			TweakID:       def.ID.String(),
			TweakBase:     def.ID.Base(),
			SchemaVersion: def.SchemaVersion,
			ActionCount:   len(def.Apply),
			Definition:    def.Source,
		})
		if err != nil {
			return fmt.Errorf("create history entry: %w", err)
		}
		return nil
	})
	return entry, err
}

// satisfied runs the verify actions as a pre-check. A definition without
// verify actions is never satisfied.
func (m *Manager) satisfied(ctx context.Context, def *definition.Definition) (bool, error) {
	if len(def.Verify) == 0 {
		return false, nil
	}
	for _, a := range def.Verify {
		ok, err := m.exec.Verify(ctx, a)
		if err != nil {
			var re *tweakerr.ReadError
			if errors.As(err, &re) {
				return false, nil
			}
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// execute runs the apply actions of def. It also returns the snapshots of
// every action it started, in order, so that abort can undo them even when
// the history entry is no longer this run's to replay.
func (m *Manager) execute(ctx context.Context, mach *state.Machine, def *definition.Definition) (store.Status, []action.Snapshot, error) {
	if _, err := mach.Transition(ctx, state.EventValidate); err != nil {
		return "", nil, err
	}
	if _, err := mach.Transition(ctx, state.EventApply); err != nil {
		return "", nil, err
	}

	var applied []action.Snapshot
	for i, a := range def.Apply {
		snap, err := m.exec.Capture(ctx, a)
		if err != nil {
			return "", applied, fmt.Errorf("action %d: %w", i, err)
		}
		blob, err := snap.Encode()
		if err != nil {
			return "", applied, fmt.Errorf("action %d: encode snapshot: %w", i, err)
		}
		if _, err := m.store.InsertSnapshot(ctx, mach.ID(), string(snap.Kind), blob); err != nil {
			return "", applied, fmt.Errorf("action %d: %w", i, err)
		}
		applied = append(applied, snap)
		if err := m.exec.Apply(ctx, a); err != nil {
			return "", applied, fmt.Errorf("action %d: %w", i, err)
		}
	}

	if def.VerifySemantics == definition.VerifyDeferred {
		st, err := mach.Transition(ctx, state.EventDefer)
		return st, applied, err
	}
	if err := m.verifyAll(ctx, def.Verify); err != nil {
		return "", applied, err
	}
	st, err := mach.Transition(ctx, state.EventSucceed)
	if err != nil || len(def.Verify) == 0 {
		return st, applied, err
	}
	st, err = mach.Transition(ctx, state.EventVerify)
	return st, applied, err
}

func (m *Manager) verifyAll(ctx context.Context, checks []action.Action) error {
	for _, a := range checks {
		ok, err := m.exec.Verify(ctx, a)
		if err != nil {
			return &tweakerr.ApplyError{Target: a.Target(), Err: err}
		}
		if !ok {
			return &tweakerr.ApplyError{Target: a.Target(), Err: ErrVerifyFailed}
		}
	}
	return nil
}

// abort marks the entry failed and undoes whatever was snapshotted.
func (m *Manager) abort(ctx context.Context, mach *state.Machine, def *definition.Definition, cause error, applied []action.Snapshot) error {
	cur, err := mach.Current(ctx)
	if err != nil {
		return fmt.Errorf("apply %s: %w; read status: %w", def.ID, cause, err)
	}
	if !ownedByApply(cur) {
		return m.disown(ctx, mach.ID(), cur, def, cause, applied)
	}

	ev := state.EventFail
	if cur == store.StatusDefined || cur == store.StatusValidated {
		ev = state.EventAbandon
	}
	if state.CanTransition(cur, ev) {
		if _, err := mach.Transition(ctx, ev, state.WithError(cause.Error())); err != nil {
			return fmt.Errorf("apply %s: %w; record failure: %w", def.ID, cause, err)
		}
	}

	if err := m.rollback(ctx, mach.ID()); err != nil {
		return fmt.Errorf("apply %s: %w; %w", def.ID, cause, err)
	}
	return fmt.Errorf("apply %s (rolled back): %w", def.ID, cause)
}

// ownedByApply reports whether st is a status the apply path itself sets
// before it can fail. Anything else was written by another process.
func ownedByApply(st store.Status) bool {
	switch st {
	case store.StatusDefined, store.StatusValidated, store.StatusApplying, store.StatusApplied:
		return true
	}
	return false
}

// disown undoes the actions this run started without touching the history
// entry, which another process has already driven elsewhere. Restoring a
// snapshot the other process replayed as well writes the same pre-state
// again.
func (m *Manager) disown(ctx context.Context, id int64, cur store.Status, def *definition.Definition, cause error, applied []action.Snapshot) error {
	log := m.logger.With("tweak_id", def.ID.String(), "history_id", id)
	log.Warn("history entry changed by another process, undoing own changes", "status", cur, "actions", len(applied))

	taken := fmt.Errorf("apply %s: %w (entry %d is %s): %w", def.ID, ErrEntryTakenOver, id, cur, cause)
	for i := len(applied) - 1; i >= 0; i-- {
		if err := m.exec.Rollback(ctx, applied[i]); err != nil {
			var rb *tweakerr.RollbackError
			if errors.As(err, &rb) {
				rb.HistoryID = id
			} else {
				err = &tweakerr.RollbackError{Target: applied[i].Target(), HistoryID: id, Err: err}
			}
			log.Error("undo after takeover failed", "error", err)
			return fmt.Errorf("%w; %w", taken, err)
		}
	}
	return taken
}

func (m *Manager) emit(ctx context.Context, name events.Name, tweakID string, historyID int64, err error) {
	if err != nil {
		m.emitResult(ctx, name, tweakID, historyID, events.ResultFailure, err.Error())
		return
	}
	m.emitResult(ctx, name, tweakID, historyID, events.ResultSuccess, "")
}

func (m *Manager) emitResult(ctx context.Context, name events.Name, tweakID string, historyID int64, result events.Result, msg string) {
	m.events.Emit(ctx, events.Event{
		Name:      name,
		RunID:     m.runID,
		TweakID:   tweakID,
		HistoryID: historyID,
		Result:    result,
		Error:     msg,
		At:        m.clock.Now(),
	})
}
