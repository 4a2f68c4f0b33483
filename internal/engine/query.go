package engine

import (
	"context"
	"errors"
	"fmt"

	"tweakengine/internal/action"
	"tweakengine/internal/definition"
	"tweakengine/internal/state"
	"tweakengine/internal/store"
	"tweakengine/internal/tweakerr"
	"tweakengine/internal/tweakid"
	"tweakengine/internal/validation"
)

// Plan is what Apply would do, computed without side effects.
type Plan struct {
	Definition *definition.Definition
	// Noop is set when every verify action already passes.
	Noop  bool
	Steps []PlanStep
}

// PlanStep pairs one apply action with the state it would overwrite.
type PlanStep struct {
	Action string
	// Current is the captured pre-state as stored in a snapshot.
	Current string
}

// DryRun validates the definition at path and reports what applying it would
// change. It creates no history and mutates nothing.
func (m *Manager) DryRun(ctx context.Context, path string) (*Plan, error) {
	def, err := definition.Load(path)
	if err != nil {
		return nil, err
	}
	return m.Plan(ctx, def)
}

// Plan is DryRun for a definition already loaded.
func (m *Manager) Plan(ctx context.Context, def *definition.Definition) (*Plan, error) {
	if err := m.compose(ctx, []*definition.Definition{def}); err != nil {
		return nil, err
	}
	plan := &Plan{Definition: def}

	noop, err := m.satisfied(ctx, def)
	if err != nil {
		return nil, err
	}
	if noop {
		plan.Noop = true
		return plan, nil
	}

	for i, a := range def.Apply {
		snap, err := m.exec.Capture(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		blob, err := snap.Encode()
		if err != nil {
			return nil, fmt.Errorf("action %d: encode snapshot: %w", i, err)
		}
		plan.Steps = append(plan.Steps, PlanStep{Action: action.Describe(a), Current: string(blob)})
	}
	return plan, nil
}

// Explain returns the human-readable explanation of the definition at path.
func (m *Manager) Explain(path string) (string, error) {
	def, err := definition.Load(path)
	if err != nil {
		return "", err
	}
	if err := validation.ValidateDefinition(def); err != nil {
		return "", err
	}
	return definition.Explain(def), nil
}

// Active returns the entries currently holding their tweak's base id.
func (m *Manager) Active(ctx context.Context) ([]store.HistoryEntry, error) {
	return m.store.ActiveEntries(ctx)
}

// History lists entries newest first. An empty tweakID lists everything; an
// unversioned one lists every version.
func (m *Manager) History(ctx context.Context, tweakID string) ([]store.HistoryEntry, error) {
	var f store.Filter
	if tweakID != "" {
		id, err := tweakid.Parse(tweakID)
		if err != nil {
			return nil, tweakerr.Validationf("tweak_id", "%v", err)
		}
		if id.Unversioned() {
			f.Base = id.Base()
		} else {
			f.TweakID = id.String()
		}
	}
	return m.store.ListEntries(ctx, f)
}

// Check is the verification outcome of one active entry.
type Check struct {
	HistoryID int64
	TweakID   string
	Status    store.Status
	// Checked counts the verify actions run.
	Checked  int
	Failures []string
	// Promoted is set when a deferred entry moved to verified.
	Promoted bool
}

// Passed reports whether every verify action matched.
func (c Check) Passed() bool {
	return len(c.Failures) == 0
}

// VerifyActive re-runs the stored verify actions of every applied entry.
// Deferred entries whose checks all pass are promoted to verified; nothing
// else is written.
func (m *Manager) VerifyActive(ctx context.Context) ([]Check, error) {
	entries, err := m.store.ListEntries(ctx, store.Filter{
		Statuses: []store.Status{store.StatusApplied, store.StatusAppliedUnverified, store.StatusVerified},
	})
	if err != nil {
		return nil, fmt.Errorf("load applied tweaks: %w", err)
	}

	checks := make([]Check, 0, len(entries))
	for _, e := range entries {
		c := Check{HistoryID: e.ID, TweakID: e.TweakID, Status: e.Status}
		def, err := definition.Parse(e.Definition)
		if err != nil {
			c.Failures = append(c.Failures, fmt.Sprintf("stored definition unreadable: %v", err))
			checks = append(checks, c)
			continue
		}

		for _, a := range def.Verify {
			c.Checked++
			ok, err := m.exec.Verify(ctx, a)
			var re *tweakerr.ReadError
			switch {
			case errors.As(err, &re):
				c.Failures = append(c.Failures, re.Error())
			case err != nil:
				return checks, err
			case !ok:
				c.Failures = append(c.Failures, a.Target()+" does not match")
			}
		}

		if e.Status == store.StatusAppliedUnverified && c.Checked > 0 && c.Passed() {
			st, err := state.New(m.store, m.clock, e.ID).Transition(ctx, state.EventVerify)
			if err != nil {
				return checks, err
			}
			c.Status, c.Promoted = st, true
			m.logger.Info("deferred tweak verified", "tweak_id", e.TweakID, "history_id", e.ID)
		}
		checks = append(checks, c)
	}
	return checks, nil
}
