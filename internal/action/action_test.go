package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweakengine/internal/system"
	"tweakengine/internal/tweakerr"
)

func newExecutor(t *testing.T) (*Executor, *system.Memory) {
	t.Helper()
	mem := system.NewMemory()
	return NewExecutor(mem.System(), nil), mem
}

func u32(v uint32) *uint32 { return &v }

func TestDecodeRegistry(t *testing.T) {
	a, err := Decode([]byte(`{"type":"registry","path":"HKLM\\Software\\Demo","key":"Flag","value":1,"value_type":"REG_DWORD","force_create":true}`))
	require.NoError(t, err)

	rv, ok := a.(*RegistryValue)
	require.True(t, ok)
	assert.Equal(t, system.HiveLocalMachine, rv.Hive)
	assert.Equal(t, `Software\Demo`, rv.Path)
	assert.True(t, rv.ForceCreate)
	assert.True(t, rv.MatchKind)
	assert.True(t, rv.Value.Equal(system.DWord(1)))
}

func TestDecodeRegistryInfersKind(t *testing.T) {
	a, err := Decode([]byte(`{"type":"registry","path":"HKCU\\Control Panel\\Desktop","key":"MenuShowDelay","value":"0x10"}`))
	require.NoError(t, err)
	assert.Equal(t, system.KindString, a.(*RegistryValue).Value.Kind)

	a, err = Decode([]byte(`{"type":"registry","path":"HKCU\\Control Panel\\Desktop","key":"X","value":16}`))
	require.NoError(t, err)
	assert.True(t, a.(*RegistryValue).Value.Equal(system.DWord(16)))
}

func TestDecodeVerifyExpected(t *testing.T) {
	a, err := DecodeVerify([]byte(`{"type":"registry","path":"HKLM\\Software\\Demo","key":"Flag","expected":1}`))
	require.NoError(t, err)

	rv := a.(*RegistryValue)
	assert.False(t, rv.MatchKind)
	assert.Equal(t, uint64(1), rv.Value.Integer)
}

func TestDecodeOtherKinds(t *testing.T) {
	a, err := Decode([]byte(`{"type":"service","service_name":"DiagTrack","start_type":"disabled","state":"stopped"}`))
	require.NoError(t, err)
	assert.Equal(t, &Service{Name: "DiagTrack", StartType: system.StartDisabled, State: system.StateStopped}, a)

	a, err = Decode([]byte(`{"type":"powercfg","scheme_guid":"s","subgroup_guid":"g","setting_guid":"x","value_ac":0}`))
	require.NoError(t, err)
	p := a.(*PowerSetting)
	require.NotNil(t, p.AC)
	assert.Nil(t, p.DC)

	a, err = Decode([]byte(`{"type":"bcdedit","id_type":"{current}","datatype":"useplatformtick","value":true}`))
	require.NoError(t, err)
	assert.Equal(t, "Yes", a.(*BootEntry).Value)
}

func TestDecodeErrors(t *testing.T) {
	for _, in := range []string{
		`{"type":"teleport"}`,
		`{"type":"registry","path":"HKZZ\\x","key":"k","value":1}`,
		`{"type":"registry","path":"HKLM\\x","key":"k"}`,
		`{"type":"registry","path":"HKLM\\x","key":"k","value":99999999999,"value_type":"DWORD"}`,
		`{"type":"service","service_name":"x"}`,
		`{"type":"powercfg","scheme_guid":"s","subgroup_guid":"g","setting_guid":"x"}`,
		`{"type":"bcdedit","id_type":"{current}","datatype":"nx"}`,
	} {
		_, err := Decode([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestIsPolicyPath(t *testing.T) {
	assert.True(t, IsPolicyPath(`SOFTWARE\Policies\Microsoft\Windows\DataCollection`))
	assert.True(t, IsPolicyPath(`Policies\Demo`))
	assert.False(t, IsPolicyPath(`SOFTWARE\PoliciesX\Demo`))
}

func TestRegistryRoundTripMissingKeyChain(t *testing.T) {
	ex, mem := newExecutor(t)
	ctx := context.Background()
	mem.PutKey(system.HiveLocalMachine, `Software`)

	a := &RegistryValue{Hive: system.HiveLocalMachine, Path: `Software\Demo\Leaf`, Name: "Flag", Value: system.DWord(1), ForceCreate: true, MatchKind: true}

	snap, err := ex.Capture(ctx, a)
	require.NoError(t, err)
	assert.False(t, snap.Registry.ValueExisted)
	assert.False(t, snap.Registry.KeyExisted)
	assert.Equal(t, []string{`Software\Demo\Leaf`, `Software\Demo`}, snap.Registry.CreatedKeys)

	require.NoError(t, ex.Apply(ctx, a))
	ok, err := ex.Verify(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, ex.Rollback(ctx, snap))
	_, found := mem.Value(system.HiveLocalMachine, `Software\Demo\Leaf`, "Flag")
	assert.False(t, found)
	assert.False(t, mem.HasKey(system.HiveLocalMachine, `Software\Demo`))
	assert.True(t, mem.HasKey(system.HiveLocalMachine, `Software`))
}

func TestRegistryRoundTripExistingValue(t *testing.T) {
	ex, mem := newExecutor(t)
	ctx := context.Background()
	old := system.Value{Kind: system.KindString, String: "before"}
	mem.PutValue(system.HiveCurrentUser, `Control Panel\Desktop`, "Wallpaper", old)

	a := &RegistryValue{Hive: system.HiveCurrentUser, Path: `Control Panel\Desktop`, Name: "Wallpaper", Value: system.DWord(0)}
	snap, err := ex.Capture(ctx, a)
	require.NoError(t, err)
	require.NoError(t, ex.Apply(ctx, a))
	require.NoError(t, ex.Rollback(ctx, snap))

	got, found := mem.Value(system.HiveCurrentUser, `Control Panel\Desktop`, "Wallpaper")
	require.True(t, found)
	assert.True(t, got.Equal(old))
}

func TestRegistryApplyRequiresKey(t *testing.T) {
	ex, _ := newExecutor(t)
	a := &RegistryValue{Hive: system.HiveLocalMachine, Path: `Software\Missing`, Name: "X", Value: system.DWord(1)}

	err := ex.Apply(context.Background(), a)
	var ap *tweakerr.ApplyError
	require.ErrorAs(t, err, &ap)
	assert.ErrorIs(t, err, system.ErrKeyNotFound)
}

func TestRegistryPolicyPathCreatedImplicitly(t *testing.T) {
	ex, mem := newExecutor(t)
	a := &RegistryValue{Hive: system.HiveLocalMachine, Path: `Software\Policies\Demo`, Name: "X", Value: system.DWord(1)}

	require.NoError(t, ex.Apply(context.Background(), a))
	assert.True(t, mem.HasKey(system.HiveLocalMachine, `Software\Policies\Demo`))
}

func TestRegistryVerifyReadFailureIsFalse(t *testing.T) {
	ex, mem := newExecutor(t)
	mem.Fail(system.OpGetValue, errors.New("denied"))

	ok, err := ex.Verify(context.Background(), &RegistryValue{Hive: system.HiveLocalMachine, Path: "x", Name: "y", Value: system.DWord(1)})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestCaptureReadError(t *testing.T) {
	ex, mem := newExecutor(t)
	mem.Fail(system.OpGetValue, errors.New("denied"))

	_, err := ex.Capture(context.Background(), &RegistryValue{Hive: system.HiveLocalMachine, Path: "x", Name: "y"})
	var re *tweakerr.ReadError
	assert.ErrorAs(t, err, &re)
	assert.Zero(t, mem.Mutations())
}

func TestServiceRollbackRestoresStartTypeFirst(t *testing.T) {
	ex, mem := newExecutor(t)
	ctx := context.Background()
	mem.PutService("DiagTrack", system.ServiceStatus{StartType: system.StartAutomatic, State: system.StateRunning})

	a := &Service{Name: "DiagTrack", StartType: system.StartDisabled, State: system.StateStopped}
	snap, err := ex.Capture(ctx, a)
	require.NoError(t, err)
	require.NoError(t, ex.Apply(ctx, a))

	ok, err := ex.Verify(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)

	mem.Fail(system.OpServiceStart, errors.New("dependency failed"))
	require.NoError(t, ex.Rollback(ctx, snap), "run state restore is best effort")

	st, _ := mem.Service("DiagTrack")
	assert.Equal(t, system.StartAutomatic, st.StartType)
	assert.Equal(t, system.StateStopped, st.State)
}

func TestServiceRollbackStartTypeFailureIsFatal(t *testing.T) {
	ex, mem := newExecutor(t)
	mem.Fail(system.OpServiceConfig, errors.New("denied"))

	err := ex.Rollback(context.Background(), Snapshot{Kind: KindService, Service: &ServiceSnapshot{Name: "x", OldStartType: system.StartManual}})
	assert.True(t, tweakerr.IsFatal(err))
}

func TestServiceVerifyMissingIsReadError(t *testing.T) {
	ex, _ := newExecutor(t)
	ok, err := ex.Verify(context.Background(), &Service{Name: "ghost", State: system.StateRunning})
	assert.False(t, ok)
	var re *tweakerr.ReadError
	assert.ErrorAs(t, err, &re)
}

func TestPowerRoundTrip(t *testing.T) {
	ex, mem := newExecutor(t)
	ctx := context.Background()
	setting := system.PowerSetting{Scheme: "s", Subgroup: "g", Setting: "x"}
	mem.PutPower(setting, 600, 300)

	a := &PowerSetting{Setting: setting, AC: u32(0)}
	snap, err := ex.Capture(ctx, a)
	require.NoError(t, err)
	require.NoError(t, ex.Apply(ctx, a))

	ac, dc, _ := mem.PowerValues(setting)
	assert.Equal(t, uint32(0), ac)
	assert.Equal(t, uint32(300), dc)

	require.NoError(t, ex.Rollback(ctx, snap))
	ac, dc, _ = mem.PowerValues(setting)
	assert.Equal(t, uint32(600), ac)
	assert.Equal(t, uint32(300), dc)
}

func TestBootRoundTrip(t *testing.T) {
	ex, mem := newExecutor(t)
	ctx := context.Background()

	a := &BootEntry{Entry: "{current}", Element: "useplatformtick", Value: "Yes"}
	snap, err := ex.Capture(ctx, a)
	require.NoError(t, err)
	assert.False(t, snap.Boot.Existed)

	require.NoError(t, ex.Apply(ctx, a))
	ok, err := ex.Verify(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, ex.Rollback(ctx, snap))
	_, found := mem.BootValue("{current}", "useplatformtick")
	assert.False(t, found)
}

func TestSnapshotEncodeDecode(t *testing.T) {
	old := system.DWord(7)
	s := Snapshot{Kind: KindRegistry, Registry: &RegistrySnapshot{
		Hive: system.HiveLocalMachine, Path: `Software\Demo`, Name: "Flag",
		ValueExisted: true, OldValue: &old, KeyExisted: true,
	}}

	blob, err := s.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(blob), `"value_existed":true`)

	got, err := DecodeSnapshot(KindRegistry, blob)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = Snapshot{Kind: KindBoot}.Encode()
	assert.Error(t, err)
	_, err = DecodeSnapshot("teleport", blob)
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, `set HKEY_LOCAL_MACHINE\Software\Demo\Flag = 1 (REG_DWORD)`,
		Describe(&RegistryValue{Hive: system.HiveLocalMachine, Path: `Software\Demo`, Name: "Flag", Value: system.DWord(1)}))
	assert.Equal(t, "delete boot {current} nx", Describe(&BootEntry{Entry: "{current}", Element: "nx", Delete: true}))
	assert.Equal(t, "set power s/g/x: AC=0 DC=unchanged",
		Describe(&PowerSetting{Setting: system.PowerSetting{Scheme: "s", Subgroup: "g", Setting: "x"}, AC: u32(0)}))
}
