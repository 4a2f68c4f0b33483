//go:build !windows

package system

import "context"

// Native returns backends that fail with ErrUnsupported. The engine itself
// still runs, so list, history and recovery scans work on any platform.
func Native(Options) System {
	return System{
		Registry: noRegistry{},
		Services: noServices{},
		Power:    noPower{},
		Boot:     noBoot{},
	}
}

type noRegistry struct{}

func (noRegistry) KeyExists(context.Context, Hive, string) (bool, error) {
	return false, ErrUnsupported
}

func (noRegistry) KeyEmpty(context.Context, Hive, string) (bool, error) {
	return false, ErrUnsupported
}

func (noRegistry) GetValue(context.Context, Hive, string, string) (Value, bool, error) {
	return Value{}, false, ErrUnsupported
}

func (noRegistry) SetValue(context.Context, Hive, string, string, Value, bool) error {
	return ErrUnsupported
}

func (noRegistry) DeleteValue(context.Context, Hive, string, string) error {
	return ErrUnsupported
}

func (noRegistry) DeleteKey(context.Context, Hive, string) error {
	return ErrUnsupported
}

type noServices struct{}

func (noServices) Query(context.Context, string) (ServiceStatus, error) {
	return ServiceStatus{}, ErrUnsupported
}

func (noServices) SetStartType(context.Context, string, StartType) error {
	return ErrUnsupported
}

func (noServices) Start(context.Context, string) error { return ErrUnsupported }

func (noServices) Stop(context.Context, string) error { return ErrUnsupported }

type noPower struct{}

func (noPower) Query(context.Context, PowerSetting) (uint32, uint32, error) {
	return 0, 0, ErrUnsupported
}

func (noPower) SetAC(context.Context, PowerSetting, uint32) error { return ErrUnsupported }

func (noPower) SetDC(context.Context, PowerSetting, uint32) error { return ErrUnsupported }

type noBoot struct{}

func (noBoot) Get(context.Context, string, string) (string, bool, error) {
	return "", false, ErrUnsupported
}

func (noBoot) Set(context.Context, string, string, string) error { return ErrUnsupported }

func (noBoot) Delete(context.Context, string, string) error { return ErrUnsupported }
