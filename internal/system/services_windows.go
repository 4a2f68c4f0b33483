//go:build windows

package system

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

type winServices struct {
	wait time.Duration
}

var startTypes = map[uint32]StartType{
	windows.SERVICE_BOOT_START:   StartBoot,
	windows.SERVICE_SYSTEM_START: StartSystem,
	mgr.StartAutomatic:           StartAutomatic,
	mgr.StartManual:              StartManual,
	mgr.StartDisabled:            StartDisabled,
}

func startTypeCode(st StartType) (uint32, error) {
	for code, name := range startTypes {
		if name == st {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown service start type %q", st)
}

func (w *winServices) open(name string) (*mgr.Mgr, *mgr.Service, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, nil, fmt.Errorf("connect service manager: %w", err)
	}
	s, err := m.OpenService(name)
	if err != nil {
		m.Disconnect()
		if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
			return nil, nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
		}
		return nil, nil, fmt.Errorf("open service %s: %w", name, err)
	}
	return m, s, nil
}

func (w *winServices) Query(_ context.Context, name string) (ServiceStatus, error) {
	m, s, err := w.open(name)
	if err != nil {
		return ServiceStatus{}, err
	}
	defer m.Disconnect()
	defer s.Close()

	cfg, err := s.Config()
	if err != nil {
		return ServiceStatus{}, fmt.Errorf("query config: %w", err)
	}
	st, err := s.Query()
	if err != nil {
		return ServiceStatus{}, fmt.Errorf("query status: %w", err)
	}

	status := ServiceStatus{StartType: startTypes[cfg.StartType], State: StateStopped}
	if st.State != svc.Stopped && st.State != svc.StopPending {
		status.State = StateRunning
	}
	return status, nil
}

func (w *winServices) SetStartType(_ context.Context, name string, st StartType) error {
	code, err := startTypeCode(st)
	if err != nil {
		return err
	}
	m, s, err := w.open(name)
	if err != nil {
		return err
	}
	defer m.Disconnect()
	defer s.Close()

	cfg, err := s.Config()
	if err != nil {
		return fmt.Errorf("query config: %w", err)
	}
	cfg.StartType = code
	if err := s.UpdateConfig(cfg); err != nil {
		return fmt.Errorf("update config: %w", err)
	}
	return nil
}

func (w *winServices) Start(ctx context.Context, name string) error {
	m, s, err := w.open(name)
	if err != nil {
		return err
	}
	defer m.Disconnect()
	defer s.Close()

	if err := s.Start(); err != nil && !errors.Is(err, windows.ERROR_SERVICE_ALREADY_RUNNING) {
		return fmt.Errorf("start service: %w", err)
	}
	return w.waitFor(ctx, s, svc.Running)
}

func (w *winServices) Stop(ctx context.Context, name string) error {
	m, s, err := w.open(name)
	if err != nil {
		return err
	}
	defer m.Disconnect()
	defer s.Close()

	if _, err := s.Control(svc.Stop); err != nil && !errors.Is(err, windows.ERROR_SERVICE_NOT_ACTIVE) {
		return fmt.Errorf("stop service: %w", err)
	}
	return w.waitFor(ctx, s, svc.Stopped)
}

func (w *winServices) waitFor(ctx context.Context, s *mgr.Service, want svc.State) error {
	deadline := time.Now().Add(w.wait)
	for {
		st, err := s.Query()
		if err != nil {
			return fmt.Errorf("query status: %w", err)
		}
		if st.State == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("service did not reach state %d within %s", want, w.wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}
