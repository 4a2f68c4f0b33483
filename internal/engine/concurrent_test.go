package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweakengine/internal/privilege"
	"tweakengine/internal/state"
	"tweakengine/internal/store"
	"tweakengine/internal/system"
	"tweakengine/internal/tweakerr"
)

// hookRegistry calls afterGet or afterSet once, right after the first
// matching call returns, to let another run interleave with this one.
type hookRegistry struct {
	system.Registry
	afterGet func()
	afterSet func()
}

func (h *hookRegistry) GetValue(ctx context.Context, hive system.Hive, path, name string) (system.Value, bool, error) {
	v, ok, err := h.Registry.GetValue(ctx, hive, path, name)
	if fn := h.afterGet; fn != nil {
		h.afterGet = nil
		fn()
	}
	return v, ok, err
}

func (h *hookRegistry) SetValue(ctx context.Context, hive system.Hive, path, name string, v system.Value, create bool) error {
	err := h.Registry.SetValue(ctx, hive, path, name, v, create)
	if fn := h.afterSet; fn != nil {
		h.afterSet = nil
		fn()
	}
	return err
}

// hooked returns a manager on the fixture store whose registry calls go
// through the returned hookRegistry.
func (f *fixture) hooked(t *testing.T) (*Manager, *hookRegistry) {
	t.Helper()
	sys := f.mem.System()
	reg := &hookRegistry{Registry: sys.Registry}
	sys.Registry = reg
	mgr, err := New(Options{Store: f.store, System: sys, Clock: f.clock, Gate: privilege.Allow(), RunID: "run-a"})
	require.NoError(t, err)
	return mgr, reg
}

// peer opens a second handle on the fixture database and returns a manager
// on it, standing in for another tweakctl process.
func (f *fixture) peer(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(f.dir, "history.db"), store.Options{Clock: f.clock})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	mgr, err := New(Options{Store: st, System: f.mem.System(), Clock: f.clock, Gate: privilege.Allow(), RunID: "run-b"})
	require.NoError(t, err)
	return mgr, st
}

func TestConcurrentApplyOfOneBaseAdmitsOnlyOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, reg := f.hooked(t)
	b, _ := f.peer(t)

	v1 := regTweak{ID: "perf.x@1.0", Path: `HKLM\SOFTWARE\Policies\X`, Key: "Mode", Value: 1}
	v2 := regTweak{ID: "perf.x@2.0", Path: `HKLM\SOFTWARE\Policies\X`, Key: "Mode", Value: 2}

	var peerErr error
	reg.afterGet = func() {
		_, peerErr = b.ApplyDefinition(ctx, v2.def(t))
	}

	_, err := a.ApplyDefinition(ctx, v1.def(t))
	require.NoError(t, peerErr)
	require.Error(t, err)
	assert.True(t, tweakerr.IsValidation(err), "got %v", err)
	assert.Contains(t, err.Error(), "already active as perf.x@2.0")

	active, err := f.store.ActiveEntries(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "perf.x@2.0", active[0].TweakID)
	assert.Len(t, f.entries(t), 1, "the losing run must not leave a history entry")

	v, ok := f.mem.Value(hklm, `SOFTWARE\Policies\X`, "Mode")
	require.True(t, ok)
	assert.Equal(t, system.DWord(2), v)
}

func TestConcurrentApplyOfConflictingTweakIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, reg := f.hooked(t)
	b, _ := f.peer(t)

	mine := regTweak{ID: "net.mine@1.0", Path: `HKLM\SOFTWARE\Policies\Net`, Key: "Mine", Value: 1, Conflicts: []string{"net.theirs"}}
	theirs := regTweak{ID: "net.theirs@1.0", Path: `HKLM\SOFTWARE\Policies\Net`, Key: "Theirs", Value: 1}

	var peerErr error
	reg.afterGet = func() {
		_, peerErr = b.ApplyDefinition(ctx, theirs.def(t))
	}

	_, err := a.ApplyDefinition(ctx, mine.def(t))
	require.NoError(t, peerErr)
	assert.True(t, tweakerr.IsValidation(err), "got %v", err)

	_, ok := f.mem.Value(hklm, `SOFTWARE\Policies\Net`, "Mine")
	assert.False(t, ok)
}

func TestApplyTakenOverMidwayUndoesOwnChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, reg := f.hooked(t)
	b, peerStore := f.peer(t)

	// After the first value is written, the other process decides the entry
	// is abandoned, fails it and replays its snapshots.
	var peerErr error
	reg.afterSet = func() {
		applying, err := peerStore.ListEntries(ctx, store.Filter{Statuses: []store.Status{store.StatusApplying}})
		if err != nil || len(applying) != 1 {
			peerErr = err
			return
		}
		id := applying[0].ID
		if _, peerErr = state.New(peerStore, f.clock, id).Transition(ctx, state.EventFail); peerErr != nil {
			return
		}
		peerErr = b.RollbackEntry(ctx, id)
	}

	_, err := a.Apply(ctx, f.write(t, "bundle", threeValueYAML))
	require.NoError(t, peerErr)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntryTakenOver)
	assert.ErrorIs(t, err, store.ErrNotApplying)
	assert.False(t, tweakerr.IsFatal(err))

	for _, name := range []string{"First", "Second", "Third"} {
		_, ok := f.mem.Value(hklm, `SOFTWARE\Policies\Bundle`, name)
		assert.False(t, ok, "%s should not survive the takeover", name)
	}

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, store.StatusReverted, entries[0].Status)
	n, err := f.store.SnapshotCount(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRollbackOfEntryRevertedElsewhereIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, _ := f.peer(t)

	tw := regTweak{ID: "perf.once@1.0", Path: `HKLM\SOFTWARE\Policies\Once`, Key: "On", Value: 1}
	res, err := f.mgr.ApplyDefinition(ctx, tw.def(t))
	require.NoError(t, err)

	require.NoError(t, b.RollbackEntry(ctx, res.HistoryID))
	f.mem.PutValue(hklm, `SOFTWARE\Policies\Once`, "On", system.DWord(9))

	require.NoError(t, f.mgr.RollbackEntry(ctx, res.HistoryID))
	v, ok := f.mem.Value(hklm, `SOFTWARE\Policies\Once`, "On")
	require.True(t, ok)
	assert.Equal(t, system.DWord(9), v, "a second rollback must not replay anything")
}
