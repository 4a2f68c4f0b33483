package action

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"tweakengine/internal/system"
)

// raw is the union of every action's definition fields.
type raw struct {
	Type string `json:"type"`

	// registry
	Path         string `json:"path"`
	Key          string `json:"key"`
	Value        any    `json:"value"`
	ValueType    string `json:"value_type"`
	Expected     any    `json:"expected"`
	ExpectedType string `json:"expected_type"`
	ForceCreate  bool   `json:"force_create"`

	// service
	ServiceName string `json:"service_name"`
	StartType   string `json:"start_type"`
	State       string `json:"state"`

	// powercfg
	SchemeGUID   string  `json:"scheme_guid"`
	SubgroupGUID string  `json:"subgroup_guid"`
	SettingGUID  string  `json:"setting_guid"`
	ValueAC      *uint32 `json:"value_ac"`
	ValueDC      *uint32 `json:"value_dc"`

	// bcdedit
	IDType   string `json:"id_type"`
	Datatype string `json:"datatype"`
	Delete   bool   `json:"delete"`
}

// Decode builds an apply action from its JSON definition.
func Decode(data []byte) (Action, error) {
	return decode(data, false)
}

// DecodeVerify builds a verify check. Registry checks may use expected and
// expected_type in place of value and value_type; without a type only the
// data is compared.
func DecodeVerify(data []byte) (Action, error) {
	return decode(data, true)
}

func decode(data []byte, verify bool) (Action, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var r raw
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}

	switch Kind(r.Type) {
	case KindRegistry:
		return r.registry(verify)
	case KindService:
		return r.service()
	case KindPower:
		return r.power()
	case KindBoot:
		return r.boot()
	}
	return nil, fmt.Errorf("unknown action type %q", r.Type)
}

func (r *raw) registry(verify bool) (Action, error) {
	hive, path, err := system.SplitPath(r.Path)
	if err != nil {
		return nil, err
	}

	value, typ := r.Value, r.ValueType
	if verify && value == nil {
		value, typ = r.Expected, r.ExpectedType
		if typ == "" {
			typ = r.ValueType
		}
	}
	if value == nil {
		return nil, fmt.Errorf("registry action %s\\%s has no value", r.Path, r.Key)
	}

	matchKind := !verify || typ != ""
	if typ == "" {
		typ = inferKind(value)
	}
	kind, err := system.ParseValueKind(typ)
	if err != nil {
		return nil, err
	}
	v, err := convertValue(kind, value)
	if err != nil {
		return nil, fmt.Errorf("registry value %s: %w", r.Key, err)
	}

	return &RegistryValue{
		Hive:        hive,
		Path:        path,
		Name:        r.Key,
		Value:       v,
		ForceCreate: r.ForceCreate,
		MatchKind:   matchKind,
	}, nil
}

// inferKind picks DWORD for numbers and SZ for text when no type was given.
func inferKind(v any) string {
	switch v.(type) {
	case string:
		return "SZ"
	case []any:
		return "MULTI_SZ"
	default:
		return "DWORD"
	}
}

func convertValue(kind system.ValueKind, in any) (system.Value, error) {
	v := system.Value{Kind: kind}
	switch kind {
	case system.KindDWord, system.KindQWord:
		bits := 32
		if kind == system.KindQWord {
			bits = 64
		}
		n, err := toUint(in, bits)
		if err != nil {
			return v, err
		}
		v.Integer = n
	case system.KindString, system.KindExpand:
		v.String = toText(in)
	case system.KindMulti:
		items, ok := in.([]any)
		if !ok {
			return v, fmt.Errorf("MULTI_SZ expects a list, got %T", in)
		}
		for _, it := range items {
			v.Strings = append(v.Strings, toText(it))
		}
	case system.KindBinary:
		s, ok := in.(string)
		if !ok {
			return v, fmt.Errorf("BINARY expects a hex string, got %T", in)
		}
		b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
		if err != nil {
			return v, fmt.Errorf("BINARY: %w", err)
		}
		v.Binary = b
	default:
		return v, fmt.Errorf("unsupported value type %s", kind)
	}
	return v, nil
}

func toUint(in any, bits int) (uint64, error) {
	switch x := in.(type) {
	case json.Number:
		return strconv.ParseUint(x.String(), 10, bits)
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		if strings.HasPrefix(s, "0x") {
			return strconv.ParseUint(s[2:], 16, bits)
		}
		return strconv.ParseUint(s, 10, bits)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("expected integer, got %T", in)
}

func toText(in any) string {
	switch x := in.(type) {
	case string:
		return x
	case bool:
		if x {
			return "Yes"
		}
		return "No"
	case nil:
		return ""
	}
	return fmt.Sprint(in)
}

func (r *raw) service() (Action, error) {
	if r.ServiceName == "" {
		return nil, fmt.Errorf("service action has no service_name")
	}
	a := &Service{Name: r.ServiceName}
	if r.StartType != "" {
		st, err := system.ParseStartType(r.StartType)
		if err != nil {
			return nil, err
		}
		a.StartType = st
	}
	if r.State != "" {
		st, err := system.ParseRunState(r.State)
		if err != nil {
			return nil, err
		}
		a.State = st
	}
	if a.StartType == "" && a.State == "" {
		return nil, fmt.Errorf("service action %s sets neither start_type nor state", r.ServiceName)
	}
	return a, nil
}

func (r *raw) power() (Action, error) {
	if r.SchemeGUID == "" || r.SubgroupGUID == "" || r.SettingGUID == "" {
		return nil, fmt.Errorf("powercfg action needs scheme_guid, subgroup_guid and setting_guid")
	}
	if r.ValueAC == nil && r.ValueDC == nil {
		return nil, fmt.Errorf("powercfg action %s sets neither value_ac nor value_dc", r.SettingGUID)
	}
	return &PowerSetting{
		Setting: system.PowerSetting{Scheme: r.SchemeGUID, Subgroup: r.SubgroupGUID, Setting: r.SettingGUID},
		AC:      r.ValueAC,
		DC:      r.ValueDC,
	}, nil
}

func (r *raw) boot() (Action, error) {
	if r.IDType == "" || r.Datatype == "" {
		return nil, fmt.Errorf("bcdedit action needs id_type and datatype")
	}
	a := &BootEntry{Entry: r.IDType, Element: r.Datatype, Delete: r.Delete}
	if !a.Delete {
		if r.Value == nil {
			return nil, fmt.Errorf("bcdedit action %s has neither value nor delete", r.Datatype)
		}
		a.Value = toText(r.Value)
	}
	return a, nil
}
