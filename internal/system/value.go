package system

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
)

// Hive is a registry root key.
type Hive string

// Supported hives.
const (
	HiveLocalMachine  Hive = "HKEY_LOCAL_MACHINE"
	HiveCurrentUser   Hive = "HKEY_CURRENT_USER"
	HiveClassesRoot   Hive = "HKEY_CLASSES_ROOT"
	HiveUsers         Hive = "HKEY_USERS"
	HiveCurrentConfig Hive = "HKEY_CURRENT_CONFIG"
)

var hiveAliases = map[string]Hive{
	"HKEY_LOCAL_MACHINE":  HiveLocalMachine,
	"HKLM":                HiveLocalMachine,
	"HKEY_CURRENT_USER":   HiveCurrentUser,
	"HKCU":                HiveCurrentUser,
	"HKEY_CLASSES_ROOT":   HiveClassesRoot,
	"HKCR":                HiveClassesRoot,
	"HKEY_USERS":          HiveUsers,
	"HKU":                 HiveUsers,
	"HKEY_CURRENT_CONFIG": HiveCurrentConfig,
	"HKCC":                HiveCurrentConfig,
}

// ParseHive resolves a full or abbreviated hive name.
func ParseHive(s string) (Hive, error) {
	if h, ok := hiveAliases[strings.ToUpper(s)]; ok {
		return h, nil
	}
	return "", fmt.Errorf("unknown registry hive %q", s)
}

// SplitPath splits "HKLM\Software\Foo" into its hive and subkey path.
func SplitPath(full string) (Hive, string, error) {
	full = strings.Trim(strings.ReplaceAll(full, "/", `\`), `\`)
	root, rest, _ := strings.Cut(full, `\`)
	h, err := ParseHive(root)
	if err != nil {
		return "", "", err
	}
	if rest == "" {
		return "", "", fmt.Errorf("registry path %q has no subkey", full)
	}
	return h, rest, nil
}

// ParentPath returns the subkey path one level up, or "" at the top.
func ParentPath(path string) string {
	i := strings.LastIndex(path, `\`)
	if i < 0 {
		return ""
	}
	return path[:i]
}

// ValueKind is a registry value type. Numbering follows the Windows REG_* constants.
type ValueKind uint32

const (
	KindNone   ValueKind = 0
	KindString ValueKind = 1
	KindExpand ValueKind = 2
	KindBinary ValueKind = 3
	KindDWord  ValueKind = 4
	KindMulti  ValueKind = 7
	KindQWord  ValueKind = 11
)

var kindNames = map[ValueKind]string{
	KindNone:   "NONE",
	KindString: "SZ",
	KindExpand: "EXPAND_SZ",
	KindBinary: "BINARY",
	KindDWord:  "DWORD",
	KindMulti:  "MULTI_SZ",
	KindQWord:  "QWORD",
}

func (k ValueKind) String() string {
	if s, ok := kindNames[k]; ok {
		return "REG_" + s
	}
	return fmt.Sprintf("REG_%d", uint32(k))
}

// ParseValueKind accepts "DWORD", "REG_DWORD" and the other REG_* names.
func ParseValueKind(s string) (ValueKind, error) {
	name := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "REG_")
	for k, n := range kindNames {
		if n == name && k != KindNone {
			return k, nil
		}
	}
	return KindNone, fmt.Errorf("unknown registry value type %q", s)
}

// Value is a typed registry value. Only the field matching Kind is meaningful.
type Value struct {
	Kind    ValueKind `json:"kind"`
	Integer uint64    `json:"integer,omitempty"`
	String  string    `json:"string,omitempty"`
	Strings []string  `json:"strings,omitempty"`
	Binary  []byte    `json:"binary,omitempty"`
}

// DWord returns a REG_DWORD value.
func DWord(v uint32) Value { return Value{Kind: KindDWord, Integer: uint64(v)} }

// QWord returns a REG_QWORD value.
func QWord(v uint64) Value { return Value{Kind: KindQWord, Integer: v} }

// String returns a REG_SZ value.
func String(s string) Value { return Value{Kind: KindString, String: s} }

// Equal reports whether both values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindDWord, KindQWord:
		return v.Integer == o.Integer
	case KindString, KindExpand:
		return v.String == o.String
	case KindMulti:
		return slices.Equal(v.Strings, o.Strings)
	case KindBinary:
		return bytes.Equal(v.Binary, o.Binary)
	default:
		return true
	}
}

// SameData compares payloads ignoring the kind, treating DWORD and QWORD as
// one integer family and SZ and EXPAND_SZ as one string family.
func (v Value) SameData(o Value) bool {
	if v.integral() && o.integral() {
		return v.Integer == o.Integer
	}
	if v.textual() && o.textual() {
		return v.String == o.String
	}
	return v.Equal(o)
}

func (v Value) integral() bool { return v.Kind == KindDWord || v.Kind == KindQWord }
func (v Value) textual() bool  { return v.Kind == KindString || v.Kind == KindExpand }

// Format renders the payload for display.
func (v Value) Format() string {
	switch v.Kind {
	case KindDWord, KindQWord:
		return fmt.Sprintf("%d", v.Integer)
	case KindString, KindExpand:
		return fmt.Sprintf("%q", v.String)
	case KindMulti:
		return fmt.Sprintf("%q", v.Strings)
	case KindBinary:
		return fmt.Sprintf("%x", v.Binary)
	default:
		return "<none>"
	}
}
