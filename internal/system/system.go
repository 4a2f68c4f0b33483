// Package system exposes the operating-system primitives the engine mutates:
// registry values, services, power-scheme settings and boot configuration.
//
// The interfaces here are deliberately narrow. They carry no engine logic and
// no undo; snapshotting and rollback live in the action package.
package system

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrKeyNotFound is returned when a registry key does not exist and the
	// caller did not ask for it to be created.
	ErrKeyNotFound = errors.New("system: registry key not found")

	// ErrKeyNotEmpty is returned when deleting a key that still has values or subkeys.
	ErrKeyNotEmpty = errors.New("system: registry key not empty")

	// ErrServiceNotFound is returned for unknown service names.
	ErrServiceNotFound = errors.New("system: service not found")

	// ErrUnsupported is returned by every primitive on platforms without the backend.
	ErrUnsupported = errors.New("system: not supported on this platform")
)

// Registry reads and writes registry values.
type Registry interface {
	KeyExists(ctx context.Context, hive Hive, path string) (bool, error)
	KeyEmpty(ctx context.Context, hive Hive, path string) (bool, error)
	// GetValue returns found=false with a nil error when the value or its key is absent.
	GetValue(ctx context.Context, hive Hive, path, name string) (v Value, found bool, err error)
	// SetValue writes a value. With create=false a missing key yields ErrKeyNotFound.
	SetValue(ctx context.Context, hive Hive, path, name string, v Value, create bool) error
	// DeleteValue removes a value. Absent values are not an error.
	DeleteValue(ctx context.Context, hive Hive, path, name string) error
	// DeleteKey removes an empty key. Absent keys are not an error.
	DeleteKey(ctx context.Context, hive Hive, path string) error
}

// StartType is a service start mode.
type StartType string

const (
	StartBoot      StartType = "boot"
	StartSystem    StartType = "system"
	StartAutomatic StartType = "automatic"
	StartManual    StartType = "manual"
	StartDisabled  StartType = "disabled"
)

// ParseStartType validates a start type name.
func ParseStartType(s string) (StartType, error) {
	switch st := StartType(strings.ToLower(s)); st {
	case StartBoot, StartSystem, StartAutomatic, StartManual, StartDisabled:
		return st, nil
	case "auto":
		return StartAutomatic, nil
	case "demand":
		return StartManual, nil
	}
	return "", fmt.Errorf("unknown service start type %q", s)
}

// RunState is the coarse run state of a service.
type RunState string

const (
	StateRunning RunState = "running"
	StateStopped RunState = "stopped"
)

// ParseRunState validates a run state name.
func ParseRunState(s string) (RunState, error) {
	switch st := RunState(strings.ToLower(s)); st {
	case StateRunning, StateStopped:
		return st, nil
	}
	return "", fmt.Errorf("unknown service state %q", s)
}

// ServiceStatus is the queried configuration and state of a service.
type ServiceStatus struct {
	StartType StartType
	State     RunState
}

// Services controls Windows services.
type Services interface {
	Query(ctx context.Context, name string) (ServiceStatus, error)
	SetStartType(ctx context.Context, name string, st StartType) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
}

// PowerSetting locates one setting inside a power scheme.
type PowerSetting struct {
	Scheme   string `json:"scheme_guid"`
	Subgroup string `json:"subgroup_guid"`
	Setting  string `json:"setting_guid"`
}

func (p PowerSetting) String() string {
	return p.Scheme + "/" + p.Subgroup + "/" + p.Setting
}

// Power reads and writes power-scheme value indices.
type Power interface {
	Query(ctx context.Context, s PowerSetting) (ac, dc uint32, err error)
	SetAC(ctx context.Context, s PowerSetting, v uint32) error
	SetDC(ctx context.Context, s PowerSetting, v uint32) error
}

// Boot reads and writes boot-configuration elements.
type Boot interface {
	// Get returns found=false when the element is not set on the entry.
	Get(ctx context.Context, entry, element string) (value string, found bool, err error)
	Set(ctx context.Context, entry, element, value string) error
	// Delete removes an element. Absent elements are not an error.
	Delete(ctx context.Context, entry, element string) error
}

// System bundles every primitive the actions need.
type System struct {
	Registry Registry
	Services Services
	Power    Power
	Boot     Boot
}

const defaultServiceWait = 30 * time.Second

// Options configures the native backends.
type Options struct {
	// Runner executes powercfg and bcdedit. Nil selects the platform runner.
	Runner CommandRunner

	// ServiceWait bounds how long Start and Stop wait for the service to settle.
	ServiceWait time.Duration
}
