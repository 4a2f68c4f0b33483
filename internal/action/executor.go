package action

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"tweakengine/internal/system"
	"tweakengine/internal/tweakerr"
)

// Executor runs actions against a System.
type Executor struct {
	sys    system.System
	logger *slog.Logger
}

// NewExecutor returns an Executor. A nil logger discards output.
func NewExecutor(sys system.System, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{sys: sys, logger: logger}
}

func unknown(v any) error {
	return tweakerr.Invariantf("unhandled action variant %T", v)
}

// Capture reads the state a will overwrite. It never mutates.
func (e *Executor) Capture(ctx context.Context, a Action) (Snapshot, error) {
	switch a := a.(type) {
	case *RegistryValue:
		return e.captureRegistry(ctx, a)
	case *Service:
		st, err := e.sys.Services.Query(ctx, a.Name)
		if err != nil {
			return Snapshot{}, &tweakerr.ReadError{Target: a.Target(), Err: err}
		}
		return Snapshot{Kind: KindService, Service: &ServiceSnapshot{
			Name:         a.Name,
			OldStartType: st.StartType,
			OldState:     st.State,
		}}, nil
	case *PowerSetting:
		ac, dc, err := e.sys.Power.Query(ctx, a.Setting)
		if err != nil {
			return Snapshot{}, &tweakerr.ReadError{Target: a.Target(), Err: err}
		}
		return Snapshot{Kind: KindPower, Power: &PowerSnapshot{Setting: a.Setting, OldAC: ac, OldDC: dc}}, nil
	case *BootEntry:
		v, found, err := e.sys.Boot.Get(ctx, a.Entry, a.Element)
		if err != nil {
			return Snapshot{}, &tweakerr.ReadError{Target: a.Target(), Err: err}
		}
		return Snapshot{Kind: KindBoot, Boot: &BootSnapshot{
			Entry:    a.Entry,
			Element:  a.Element,
			Existed:  found,
			OldValue: v,
		}}, nil
	default:
		return Snapshot{}, unknown(a)
	}
}

func (e *Executor) captureRegistry(ctx context.Context, a *RegistryValue) (Snapshot, error) {
	reg := e.sys.Registry
	readErr := func(err error) (Snapshot, error) {
		return Snapshot{}, &tweakerr.ReadError{Target: a.Target(), Err: err}
	}

	v, found, err := reg.GetValue(ctx, a.Hive, a.Path, a.Name)
	if err != nil {
		return readErr(err)
	}
	keyExisted, err := reg.KeyExists(ctx, a.Hive, a.Path)
	if err != nil {
		return readErr(err)
	}

	snap := &RegistrySnapshot{
		Hive:         a.Hive,
		Path:         a.Path,
		Name:         a.Name,
		ValueExisted: found,
		KeyExisted:   keyExisted,
	}
	if found {
		snap.OldValue = &v
	}
	if !keyExisted {
		for p := a.Path; p != ""; p = system.ParentPath(p) {
			exists, err := reg.KeyExists(ctx, a.Hive, p)
			if err != nil {
				return readErr(err)
			}
			if exists {
				break
			}
			snap.CreatedKeys = append(snap.CreatedKeys, p)
		}
	}
	return Snapshot{Kind: KindRegistry, Registry: snap}, nil
}

// Apply performs the mutation described by a.
func (e *Executor) Apply(ctx context.Context, a Action) error {
	var err error
	switch a := a.(type) {
	case *RegistryValue:
		create := a.ForceCreate || a.IsPolicy()
		err = e.sys.Registry.SetValue(ctx, a.Hive, a.Path, a.Name, a.Value, create)
	case *Service:
		err = e.applyService(ctx, a)
	case *PowerSetting:
		if a.AC != nil {
			err = e.sys.Power.SetAC(ctx, a.Setting, *a.AC)
		}
		if err == nil && a.DC != nil {
			err = e.sys.Power.SetDC(ctx, a.Setting, *a.DC)
		}
	case *BootEntry:
		if a.Delete {
			err = e.sys.Boot.Delete(ctx, a.Entry, a.Element)
		} else {
			err = e.sys.Boot.Set(ctx, a.Entry, a.Element, a.Value)
		}
	default:
		return unknown(a)
	}
	if err != nil {
		return &tweakerr.ApplyError{Target: a.Target(), Err: err}
	}
	e.logger.Debug("action applied", "target", a.Target())
	return nil
}

func (e *Executor) applyService(ctx context.Context, a *Service) error {
	if a.StartType != "" {
		if err := e.sys.Services.SetStartType(ctx, a.Name, a.StartType); err != nil {
			return err
		}
	}
	switch a.State {
	case system.StateRunning:
		return e.sys.Services.Start(ctx, a.Name)
	case system.StateStopped:
		return e.sys.Services.Stop(ctx, a.Name)
	}
	return nil
}

// Verify reports whether the system currently matches a. Registry and boot
// checks treat an unreadable target as a mismatch; services and power
// settings must exist, so a failed read is returned as a ReadError.
func (e *Executor) Verify(ctx context.Context, a Action) (bool, error) {
	switch a := a.(type) {
	case *RegistryValue:
		v, found, err := e.sys.Registry.GetValue(ctx, a.Hive, a.Path, a.Name)
		if err != nil || !found {
			return false, nil
		}
		if a.MatchKind {
			return v.Equal(a.Value), nil
		}
		return v.SameData(a.Value), nil
	case *Service:
		st, err := e.sys.Services.Query(ctx, a.Name)
		if err != nil {
			return false, &tweakerr.ReadError{Target: a.Target(), Err: err}
		}
		if a.StartType != "" && st.StartType != a.StartType {
			return false, nil
		}
		if a.State != "" && st.State != a.State {
			return false, nil
		}
		return true, nil
	case *PowerSetting:
		ac, dc, err := e.sys.Power.Query(ctx, a.Setting)
		if err != nil {
			return false, &tweakerr.ReadError{Target: a.Target(), Err: err}
		}
		if a.AC != nil && ac != *a.AC {
			return false, nil
		}
		if a.DC != nil && dc != *a.DC {
			return false, nil
		}
		return true, nil
	case *BootEntry:
		v, found, err := e.sys.Boot.Get(ctx, a.Entry, a.Element)
		if err != nil {
			return false, nil
		}
		if a.Delete {
			return !found, nil
		}
		return found && strings.EqualFold(v, a.Value), nil
	default:
		return false, unknown(a)
	}
}

// Rollback restores the state recorded in s.
func (e *Executor) Rollback(ctx context.Context, s Snapshot) error {
	if _, err := s.payload(); err != nil {
		return tweakerr.Invariantf("rollback: %v", err)
	}

	var err error
	switch s.Kind {
	case KindRegistry:
		err = e.rollbackRegistry(ctx, s.Registry)
	case KindService:
		err = e.rollbackService(ctx, s.Service)
	case KindPower:
		err = e.sys.Power.SetAC(ctx, s.Power.Setting, s.Power.OldAC)
		if err == nil {
			err = e.sys.Power.SetDC(ctx, s.Power.Setting, s.Power.OldDC)
		}
	case KindBoot:
		if s.Boot.Existed {
			err = e.sys.Boot.Set(ctx, s.Boot.Entry, s.Boot.Element, s.Boot.OldValue)
		} else {
			err = e.sys.Boot.Delete(ctx, s.Boot.Entry, s.Boot.Element)
		}
	default:
		return unknown(s.Kind)
	}
	if err != nil {
		return &tweakerr.RollbackError{Target: s.Target(), Err: err}
	}
	e.logger.Debug("action rolled back", "target", s.Target())
	return nil
}

func (e *Executor) rollbackRegistry(ctx context.Context, s *RegistrySnapshot) error {
	reg := e.sys.Registry
	if s.ValueExisted {
		if s.OldValue == nil {
			return fmt.Errorf("snapshot marks value as existing but holds no old value")
		}
		if err := reg.SetValue(ctx, s.Hive, s.Path, s.Name, *s.OldValue, true); err != nil {
			return fmt.Errorf("restore value: %w", err)
		}
		return nil
	}

	if err := reg.DeleteValue(ctx, s.Hive, s.Path, s.Name); err != nil {
		return fmt.Errorf("delete value: %w", err)
	}
	for _, key := range s.CreatedKeys {
		empty, err := reg.KeyEmpty(ctx, s.Hive, key)
		if err != nil {
			return fmt.Errorf("inspect key %s: %w", key, err)
		}
		if !empty {
			e.logger.Info("leaving created key in place, no longer empty", "key", key)
			break
		}
		if err := reg.DeleteKey(ctx, s.Hive, key); err != nil {
			return fmt.Errorf("delete key %s: %w", key, err)
		}
	}
	return nil
}

func (e *Executor) rollbackService(ctx context.Context, s *ServiceSnapshot) error {
	svc := e.sys.Services
	if s.OldStartType != "" {
		if err := svc.SetStartType(ctx, s.Name, s.OldStartType); err != nil {
			return fmt.Errorf("restore start type: %w", err)
		}
	}

	cur, err := svc.Query(ctx, s.Name)
	if err != nil {
		e.logger.Warn("service state not restored", "service", s.Name, "error", err)
		return nil
	}
	if cur.State == s.OldState {
		return nil
	}
	switch s.OldState {
	case system.StateRunning:
		err = svc.Start(ctx, s.Name)
	case system.StateStopped:
		err = svc.Stop(ctx, s.Name)
	}
	if err != nil {
		e.logger.Warn("service state not restored", "service", s.Name, "want", s.OldState, "error", err)
	}
	return nil
}
