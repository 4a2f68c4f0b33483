// Package action implements the units of system mutation a tweak is made of.
//
// Every Action can be captured, applied, verified and rolled back through an
// Executor. Capture produces a Snapshot holding exactly the state needed to
// undo the action; rollback works from the Snapshot alone so interrupted runs
// can be undone without the original definition.
package action

import (
	"fmt"
	"strings"

	"tweakengine/internal/system"
)

// Kind tags an action and its snapshot.
type Kind string

const (
	KindRegistry Kind = "registry"
	KindService  Kind = "service"
	KindPower    Kind = "powercfg"
	KindBoot     Kind = "bcdedit"
)

// Kinds lists every action kind.
var Kinds = []Kind{KindRegistry, KindService, KindPower, KindBoot}

// Action is implemented only by the variants in this package.
type Action interface {
	Kind() Kind
	// Target names the mutated object for logs and errors.
	Target() string
	sealed()
}

// RegistryValue sets one registry value.
type RegistryValue struct {
	Hive  system.Hive
	Path  string
	Name  string
	Value system.Value
	// ForceCreate creates a missing key chain for non-policy paths.
	ForceCreate bool
	// MatchKind makes Verify compare the value type as well as the data.
	MatchKind bool
}

func (*RegistryValue) Kind() Kind { return KindRegistry }
func (*RegistryValue) sealed()    {}

func (a *RegistryValue) Target() string {
	return fmt.Sprintf(`%s\%s\%s`, a.Hive, a.Path, a.Name)
}

// IsPolicy reports whether the value lives under a Policies key. Those keys
// are created on demand.
func (a *RegistryValue) IsPolicy() bool {
	return IsPolicyPath(a.Path)
}

// IsPolicyPath reports whether path contains a Policies segment.
func IsPolicyPath(path string) bool {
	return strings.Contains(strings.ToLower(`\`+path+`\`), `\policies\`)
}

// Service changes a service's start type and/or run state. Empty fields are left alone.
type Service struct {
	Name      string
	StartType system.StartType
	State     system.RunState
}

func (*Service) Kind() Kind { return KindService }
func (*Service) sealed()    {}

func (a *Service) Target() string { return "service " + a.Name }

// PowerSetting sets the AC and/or DC index of a power-scheme setting.
type PowerSetting struct {
	Setting system.PowerSetting
	AC      *uint32
	DC      *uint32
}

func (*PowerSetting) Kind() Kind { return KindPower }
func (*PowerSetting) sealed()    {}

func (a *PowerSetting) Target() string { return "power " + a.Setting.String() }

// BootEntry overwrites or deletes one boot-configuration element.
type BootEntry struct {
	Entry   string
	Element string
	Value   string
	Delete  bool
}

func (*BootEntry) Kind() Kind { return KindBoot }
func (*BootEntry) sealed()    {}

func (a *BootEntry) Target() string { return "boot " + a.Entry + " " + a.Element }

// Describe renders a one-line human description of a.
func Describe(a Action) string {
	switch a := a.(type) {
	case *RegistryValue:
		return fmt.Sprintf("set %s = %s (%s)", a.Target(), a.Value.Format(), a.Value.Kind)
	case *Service:
		var parts []string
		if a.StartType != "" {
			parts = append(parts, "start type "+string(a.StartType))
		}
		if a.State != "" {
			parts = append(parts, "state "+string(a.State))
		}
		return fmt.Sprintf("set %s: %s", a.Target(), strings.Join(parts, ", "))
	case *PowerSetting:
		return fmt.Sprintf("set %s: AC=%s DC=%s", a.Target(), optional(a.AC), optional(a.DC))
	case *BootEntry:
		if a.Delete {
			return "delete " + a.Target()
		}
		return fmt.Sprintf("set %s = %s", a.Target(), a.Value)
	default:
		return fmt.Sprintf("unknown action %T", a)
	}
}

func optional(v *uint32) string {
	if v == nil {
		return "unchanged"
	}
	return fmt.Sprintf("%d", *v)
}
