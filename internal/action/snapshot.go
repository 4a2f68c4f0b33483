package action

import (
	"encoding/json"
	"fmt"

	"tweakengine/internal/system"
)

// Snapshot is the pre-mutation state of one action. Exactly one payload is
// set, matching Kind.
type Snapshot struct {
	Kind     Kind
	Registry *RegistrySnapshot
	Service  *ServiceSnapshot
	Power    *PowerSnapshot
	Boot     *BootSnapshot
}

// RegistrySnapshot records a value and the key chain around it.
type RegistrySnapshot struct {
	Hive         system.Hive   `json:"hive"`
	Path         string        `json:"path"`
	Name         string        `json:"key"`
	ValueExisted bool          `json:"value_existed"`
	OldValue     *system.Value `json:"old_value,omitempty"`
	KeyExisted   bool          `json:"subkey_existed"`
	// CreatedKeys lists keys that did not exist at capture time, deepest first.
	CreatedKeys []string `json:"created_keys,omitempty"`
}

// ServiceSnapshot records a service's configuration.
type ServiceSnapshot struct {
	Name         string           `json:"service_name"`
	OldStartType system.StartType `json:"old_start_type"`
	OldState     system.RunState  `json:"old_state"`
}

// PowerSnapshot records both indices of a power setting.
type PowerSnapshot struct {
	Setting system.PowerSetting `json:"setting"`
	OldAC   uint32              `json:"old_value_ac"`
	OldDC   uint32              `json:"old_value_dc"`
}

// BootSnapshot records one boot element.
type BootSnapshot struct {
	Entry    string `json:"id_type"`
	Element  string `json:"datatype"`
	Existed  bool   `json:"existed"`
	OldValue string `json:"old_value,omitempty"`
}

func (s Snapshot) payload() (any, error) {
	var p any
	switch s.Kind {
	case KindRegistry:
		if s.Registry != nil {
			p = s.Registry
		}
	case KindService:
		if s.Service != nil {
			p = s.Service
		}
	case KindPower:
		if s.Power != nil {
			p = s.Power
		}
	case KindBoot:
		if s.Boot != nil {
			p = s.Boot
		}
	default:
		return nil, fmt.Errorf("unknown snapshot kind %q", s.Kind)
	}
	if p == nil {
		return nil, fmt.Errorf("%s snapshot has no payload", s.Kind)
	}
	return p, nil
}

// Target names what the snapshot restores.
func (s Snapshot) Target() string {
	switch {
	case s.Registry != nil:
		return fmt.Sprintf(`%s\%s\%s`, s.Registry.Hive, s.Registry.Path, s.Registry.Name)
	case s.Service != nil:
		return "service " + s.Service.Name
	case s.Power != nil:
		return "power " + s.Power.Setting.String()
	case s.Boot != nil:
		return "boot " + s.Boot.Entry + " " + s.Boot.Element
	}
	return string(s.Kind)
}

// Encode serializes the payload to the opaque metadata blob stored with the snapshot.
func (s Snapshot) Encode() ([]byte, error) {
	p, err := s.payload()
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodeSnapshot rebuilds a Snapshot from its kind tag and metadata blob.
func DecodeSnapshot(kind Kind, blob []byte) (Snapshot, error) {
	s := Snapshot{Kind: kind}
	var target any
	switch kind {
	case KindRegistry:
		s.Registry = &RegistrySnapshot{}
		target = s.Registry
	case KindService:
		s.Service = &ServiceSnapshot{}
		target = s.Service
	case KindPower:
		s.Power = &PowerSnapshot{}
		target = s.Power
	case KindBoot:
		s.Boot = &BootSnapshot{}
		target = s.Boot
	default:
		return Snapshot{}, fmt.Errorf("unknown snapshot kind %q", kind)
	}
	if err := json.Unmarshal(blob, target); err != nil {
		return Snapshot{}, fmt.Errorf("decode %s snapshot: %w", kind, err)
	}
	return s, nil
}
