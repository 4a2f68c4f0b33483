package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweakengine/internal/action"
	"tweakengine/internal/clock"
	"tweakengine/internal/definition"
	"tweakengine/internal/engine"
	"tweakengine/internal/privilege"
	"tweakengine/internal/state"
	"tweakengine/internal/store"
	"tweakengine/internal/system"
	"tweakengine/internal/tweakerr"
)

const (
	hklm   = system.HiveLocalMachine
	polKey = `SOFTWARE\Policies\Recovery`
)

type fixture struct {
	scanner *Scanner
	store   *store.Store
	mem     *system.Memory
	clock   *clock.Manual
	dbPath  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	dbPath := filepath.Join(t.TempDir(), "history.db")
	st, err := store.Open(context.Background(), dbPath, store.Options{Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mem := system.NewMemory()
	mgr, err := engine.New(engine.Options{Store: st, System: mem.System(), Clock: clk, Gate: privilege.Allow()})
	require.NoError(t, err)

	return &fixture{
		scanner: &Scanner{Store: st, Manager: mgr, Clock: clk},
		store:   st,
		mem:     mem,
		clock:   clk,
		dbPath:  dbPath,
	}
}

// entry creates a history entry and walks it through events.
func (f *fixture) entry(t *testing.T, tweakID string, evs ...state.Event) int64 {
	t.Helper()
	ctx := context.Background()
	base, _, _ := strings.Cut(tweakID, "@")
	e, err := f.store.CreateEntry(ctx, store.NewEntry{TweakID: tweakID, TweakBase: base, SchemaVersion: 1, ActionCount: 1})
	require.NoError(t, err)
	mach := state.New(f.store, f.clock, e.ID)
	for _, ev := range evs {
		_, err := mach.Transition(ctx, ev)
		require.NoError(t, err)
	}
	return e.ID
}

// capture records the pre-state of setting name to v, as the engine would
// before applying.
func (f *fixture) capture(t *testing.T, historyID int64, name string, v uint32) *action.RegistryValue {
	t.Helper()
	ctx := context.Background()
	a := &action.RegistryValue{Hive: hklm, Path: polKey, Name: name, Value: system.DWord(v)}
	snap, err := action.NewExecutor(f.mem.System(), nil).Capture(ctx, a)
	require.NoError(t, err)
	blob, err := snap.Encode()
	require.NoError(t, err)
	_, err = f.store.InsertSnapshot(ctx, historyID, string(snap.Kind), blob)
	require.NoError(t, err)
	return a
}

func (f *fixture) status(t *testing.T, id int64) store.Status {
	t.Helper()
	e, err := f.store.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e.Status
}

var (
	toApplying = []state.Event{state.EventValidate, state.EventApply}
	toApplied  = []state.Event{state.EventValidate, state.EventApply, state.EventSucceed}
)

func TestScanClassifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	defined := f.entry(t, "a.defined@1.0")
	validated := f.entry(t, "a.validated@1.0", state.EventValidate)
	applying := f.entry(t, "a.applying@1.0", toApplying...)

	reverting := f.entry(t, "a.reverting@1.0", toApplying...)
	f.capture(t, reverting, "R", 1)
	for _, ev := range []state.Event{state.EventSucceed, state.EventRevert} {
		_, err := state.New(f.store, f.clock, reverting).Transition(ctx, ev)
		require.NoError(t, err)
	}

	failedWithSnaps := f.entry(t, "a.failed@1.0", toApplying...)
	f.capture(t, failedWithSnaps, "F", 1)
	_, err := state.New(f.store, f.clock, failedWithSnaps).Transition(ctx, state.EventFail)
	require.NoError(t, err)

	missing := f.entry(t, "a.missing@1.0", toApplied...)

	// Not issues: a clean failure, a healthy applied entry, a reverted one.
	f.entry(t, "b.abandoned@1.0", state.EventAbandon)
	healthy := f.entry(t, "b.healthy@1.0", toApplying...)
	f.capture(t, healthy, "H", 1)
	_, err = state.New(f.store, f.clock, healthy).Transition(ctx, state.EventSucceed)
	require.NoError(t, err)

	issues, err := f.scanner.Scan(ctx)
	require.NoError(t, err)

	got := map[int64]Kind{}
	for _, is := range issues {
		got[is.HistoryID] = is.Kind
		assert.NotEmpty(t, is.Reason)
	}
	assert.Equal(t, map[int64]Kind{
		defined:         KindStuckDefined,
		validated:       KindStuckDefined,
		applying:        KindInterruptedApply,
		reverting:       KindInterruptedRevert,
		failedWithSnaps: KindUnreconciledFailure,
		missing:         KindMissingSnapshots,
	}, got)
	assert.Zero(t, f.mem.Mutations(), "scan is read-only")
}

func TestRecoverCrashAfterApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mem.PutValue(hklm, polKey, "First", system.DWord(5))

	// Two actions snapshotted and applied, then the process died before
	// recording success.
	id := f.entry(t, "perf.crash@1.0", toApplying...)
	f.capture(t, id, "First", 1)
	f.mem.PutValue(hklm, polKey, "First", system.DWord(1))
	f.capture(t, id, "Second", 2)
	f.mem.PutValue(hklm, polKey, "Second", system.DWord(2))

	report, err := f.scanner.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Detected)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, 0, report.ExitCode())
	require.Len(t, report.Details, 1)
	assert.Equal(t, store.StatusReverted, report.Details[0].Status)

	v, ok := f.mem.Value(hklm, polKey, "First")
	require.True(t, ok)
	assert.Equal(t, system.DWord(5), v)
	_, ok = f.mem.Value(hklm, polKey, "Second")
	assert.False(t, ok)

	e, err := f.store.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReverted, e.Status)
	assert.Contains(t, e.ErrorMessage, "interrupted while applying")
}

func TestRecoverCrashBetweenCaptureAndApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.entry(t, "perf.early@1.0", toApplying...)
	f.capture(t, id, "Only", 1)

	report, err := f.scanner.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, store.StatusReverted, f.status(t, id))
	_, ok := f.mem.Value(hklm, polKey, "Only")
	assert.False(t, ok)
	assert.False(t, f.mem.HasKey(hklm, polKey), "created key chain removed")
}

func TestRecoverStuckDefinedTouchesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.entry(t, "perf.defined@1.0")
	b := f.entry(t, "perf.validated@1.0", state.EventValidate)

	report, err := f.scanner.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Recovered)
	assert.Equal(t, store.StatusFailed, f.status(t, a))
	assert.Equal(t, store.StatusFailed, f.status(t, b))
	assert.Zero(t, f.mem.Mutations())

	again, err := f.scanner.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Detected, "recovery reaches a terminal state")
}

func TestRecoverUnreconciledFailureAndInterruptedRevert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failed := f.entry(t, "perf.failed@1.0", toApplying...)
	f.capture(t, failed, "F", 1)
	f.mem.PutValue(hklm, polKey, "F", system.DWord(1))
	_, err := state.New(f.store, f.clock, failed).Transition(ctx, state.EventFail)
	require.NoError(t, err)

	reverting := f.entry(t, "perf.reverting@1.0", toApplying...)
	f.capture(t, reverting, "R", 1)
	f.mem.PutValue(hklm, polKey, "R", system.DWord(1))
	for _, ev := range []state.Event{state.EventSucceed, state.EventRevert} {
		_, err := state.New(f.store, f.clock, reverting).Transition(ctx, ev)
		require.NoError(t, err)
	}

	report, err := f.scanner.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Recovered)
	assert.Equal(t, store.StatusReverted, f.status(t, failed))
	assert.Equal(t, store.StatusReverted, f.status(t, reverting))
	_, ok := f.mem.Value(hklm, polKey, "F")
	assert.False(t, ok)
	_, ok = f.mem.Value(hklm, polKey, "R")
	assert.False(t, ok)
}

func TestRecoverMissingSnapshotsIsFatal(t *testing.T) {
	f := newFixture(t)
	id := f.entry(t, "perf.ghost@1.0", toApplied...)

	report, err := f.scanner.Recover(context.Background())
	require.Error(t, err)
	var inv *tweakerr.InvariantError
	assert.ErrorAs(t, err, &inv)
	assert.Equal(t, err, report.Fatal)
	assert.Equal(t, 3, report.ExitCode())
	assert.Equal(t, store.StatusApplied, f.status(t, id), "invariant violations are reported, not rewritten")
}

func TestRecoverStopsOnRollbackFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mem.PutValue(hklm, polKey, "Old", system.DWord(3))

	older := f.entry(t, "perf.older@1.0")
	newer := f.entry(t, "perf.newer@1.0", toApplying...)
	f.capture(t, newer, "Old", 4)
	f.mem.Fail(system.OpSetValue, errors.New("hive unloaded"))

	report, err := f.scanner.Recover(ctx)
	require.Error(t, err)
	assert.True(t, tweakerr.IsFatal(err))
	assert.Equal(t, 2, report.Detected)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Recovered)
	assert.Equal(t, 3, report.ExitCode())

	assert.Equal(t, store.StatusFailed, f.status(t, newer))
	assert.Equal(t, store.StatusDefined, f.status(t, older), "run aborted before later issues")
}

func TestStaleAfterSkipsRecentEntries(t *testing.T) {
	f := newFixture(t)
	f.scanner.StaleAfter = 10 * time.Minute

	f.entry(t, "perf.busy@1.0", toApplying...)
	issues, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, issues)

	f.clock.Advance(11 * time.Minute)
	issues, err = f.scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, KindInterruptedApply, issues[0].Kind)
}

func TestRecoverRequiresPrivilegeOnlyWhenWorkExists(t *testing.T) {
	f := newFixture(t)
	mgr, err := engine.New(engine.Options{Store: f.store, System: f.mem.System(), Clock: f.clock, Gate: privilege.Deny(nil)})
	require.NoError(t, err)
	f.scanner.Manager = mgr

	report, err := f.scanner.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.ExitCode())

	f.entry(t, "perf.defined@1.0")
	_, err = f.scanner.Recover(context.Background())
	assert.ErrorIs(t, err, privilege.ErrNotElevated)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		r    Report
		want int
	}{
		{"nothing to do", Report{}, 0},
		{"fully recovered", Report{Detected: 2, Recovered: 2}, 0},
		{"partial", Report{Detected: 3, Recovered: 1, Failed: 2}, 2},
		{"none recovered", Report{Detected: 2, Failed: 1}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.ExitCode())
		})
	}
}

// setHook runs after once, when the first SetValue returns.
type setHook struct {
	system.Registry
	after func()
}

func (h *setHook) SetValue(ctx context.Context, hive system.Hive, path, name string, v system.Value, create bool) error {
	err := h.Registry.SetValue(ctx, hive, path, name, v, create)
	if fn := h.after; fn != nil {
		h.after = nil
		fn()
	}
	return err
}

const twoValueYAML = `
id: privacy.pair@1.0
name: Privacy pair
tier: 1
risk_level: low
requires_reboot: false
rollback_guaranteed: true
scope: [registry]
actions:
  apply:
    - {type: registry, path: 'HKLM\SOFTWARE\Policies\Recovery', key: One, value: 1, value_type: DWORD}
    - {type: registry, path: 'HKLM\SOFTWARE\Policies\Recovery', key: Two, value: 2, value_type: DWORD}
`

// recoverDuringApply applies twoValueYAML on the fixture store while a
// second handle on the same database runs a recovery pass with staleAfter
// right after the first value is written.
func recoverDuringApply(t *testing.T, f *fixture, staleAfter time.Duration) (*Report, error) {
	t.Helper()
	ctx := context.Background()

	other, err := store.Open(ctx, f.dbPath, store.Options{Clock: f.clock})
	require.NoError(t, err)
	t.Cleanup(func() { other.Close() })
	otherMgr, err := engine.New(engine.Options{Store: other, System: f.mem.System(), Clock: f.clock, Gate: privilege.Allow()})
	require.NoError(t, err)
	startup := &Scanner{Store: other, Manager: otherMgr, Clock: f.clock, StaleAfter: staleAfter}

	sys := f.mem.System()
	hook := &setHook{Registry: sys.Registry}
	sys.Registry = hook
	mgr, err := engine.New(engine.Options{Store: f.store, System: sys, Clock: f.clock, Gate: privilege.Allow()})
	require.NoError(t, err)

	var report *Report
	var recoverErr error
	hook.after = func() { report, recoverErr = startup.Recover(ctx) }

	def, err := definition.Parse([]byte(twoValueYAML))
	require.NoError(t, err)
	_, err = mgr.ApplyDefinition(ctx, def)
	require.NoError(t, recoverErr)
	return report, err
}

func TestStartupWindowLeavesLiveApplyAlone(t *testing.T) {
	f := newFixture(t)

	report, err := recoverDuringApply(t, f, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, report.Detected)

	for _, name := range []string{"One", "Two"} {
		_, ok := f.mem.Value(hklm, polKey, name)
		assert.True(t, ok, "%s should be applied", name)
	}
	active, err := f.store.ActiveEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, store.StatusApplied, active[0].Status)
}

func TestRecoverWithoutWindowTakesOverLiveApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := recoverDuringApply(t, f, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrEntryTakenOver)
	assert.Equal(t, 1, report.Recovered)

	for _, name := range []string{"One", "Two"} {
		_, ok := f.mem.Value(hklm, polKey, name)
		assert.False(t, ok, "%s should be undone", name)
	}
	entries, err := f.store.ListEntries(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.StatusReverted, entries[0].Status)
	n, err := f.store.SnapshotCount(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	issues, err := f.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, issues)
}
