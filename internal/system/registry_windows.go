//go:build windows

package system

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/windows/registry"
)

// winRegistry is the live registry, always through the 64-bit view.
type winRegistry struct{}

func rootKey(h Hive) (registry.Key, error) {
	switch h {
	case HiveLocalMachine:
		return registry.LOCAL_MACHINE, nil
	case HiveCurrentUser:
		return registry.CURRENT_USER, nil
	case HiveClassesRoot:
		return registry.CLASSES_ROOT, nil
	case HiveUsers:
		return registry.USERS, nil
	case HiveCurrentConfig:
		return registry.CURRENT_CONFIG, nil
	}
	return 0, fmt.Errorf("unknown registry hive %q", h)
}

func openKey(h Hive, path string, access uint32) (registry.Key, error) {
	root, err := rootKey(h)
	if err != nil {
		return 0, err
	}
	return registry.OpenKey(root, path, access|registry.WOW64_64KEY)
}

func (winRegistry) KeyExists(_ context.Context, h Hive, path string) (bool, error) {
	k, err := openKey(h, path, registry.QUERY_VALUE)
	if errors.Is(err, registry.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	k.Close()
	return true, nil
}

func (winRegistry) KeyEmpty(_ context.Context, h Hive, path string) (bool, error) {
	k, err := openKey(h, path, registry.QUERY_VALUE|registry.ENUMERATE_SUB_KEYS)
	if errors.Is(err, registry.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	defer k.Close()

	info, err := k.Stat()
	if err != nil {
		return false, fmt.Errorf("stat key: %w", err)
	}
	return info.SubKeyCount == 0 && info.ValueCount == 0, nil
}

func (winRegistry) GetValue(_ context.Context, h Hive, path, name string) (Value, bool, error) {
	k, err := openKey(h, path, registry.QUERY_VALUE)
	if errors.Is(err, registry.ErrNotExist) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, err
	}
	defer k.Close()

	_, typ, err := k.GetValue(name, nil)
	if errors.Is(err, registry.ErrNotExist) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, fmt.Errorf("query value type: %w", err)
	}

	v := Value{Kind: ValueKind(typ)}
	switch v.Kind {
	case KindDWord, KindQWord:
		v.Integer, _, err = k.GetIntegerValue(name)
	case KindString, KindExpand:
		v.String, _, err = k.GetStringValue(name)
	case KindMulti:
		v.Strings, _, err = k.GetStringsValue(name)
	case KindBinary:
		v.Binary, _, err = k.GetBinaryValue(name)
	default:
		err = fmt.Errorf("unsupported value type %s", v.Kind)
	}
	if err != nil {
		return Value{}, false, fmt.Errorf("read value %s: %w", name, err)
	}
	return v, true, nil
}

func (winRegistry) SetValue(_ context.Context, h Hive, path, name string, v Value, create bool) error {
	var (
		k   registry.Key
		err error
	)
	if create {
		var root registry.Key
		root, err = rootKey(h)
		if err != nil {
			return err
		}
		k, _, err = registry.CreateKey(root, path, registry.SET_VALUE|registry.WOW64_64KEY)
	} else {
		k, err = openKey(h, path, registry.SET_VALUE)
		if errors.Is(err, registry.ErrNotExist) {
			return fmt.Errorf("%w: %s\\%s", ErrKeyNotFound, h, path)
		}
	}
	if err != nil {
		return err
	}
	defer k.Close()

	switch v.Kind {
	case KindDWord:
		return k.SetDWordValue(name, uint32(v.Integer))
	case KindQWord:
		return k.SetQWordValue(name, v.Integer)
	case KindString:
		return k.SetStringValue(name, v.String)
	case KindExpand:
		return k.SetExpandStringValue(name, v.String)
	case KindMulti:
		return k.SetStringsValue(name, v.Strings)
	case KindBinary:
		return k.SetBinaryValue(name, v.Binary)
	}
	return fmt.Errorf("unsupported value type %s", v.Kind)
}

func (winRegistry) DeleteValue(_ context.Context, h Hive, path, name string) error {
	k, err := openKey(h, path, registry.SET_VALUE)
	if errors.Is(err, registry.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer k.Close()

	if err := k.DeleteValue(name); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return err
	}
	return nil
}

func (r winRegistry) DeleteKey(ctx context.Context, h Hive, path string) error {
	empty, err := r.KeyEmpty(ctx, h, path)
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("%w: %s\\%s", ErrKeyNotEmpty, h, path)
	}

	parent, err := openKey(h, ParentPath(path), registry.ENUMERATE_SUB_KEYS|registry.SET_VALUE)
	if errors.Is(err, registry.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer parent.Close()

	leaf := path
	if p := ParentPath(path); p != "" {
		leaf = path[len(p)+1:]
	}
	if err := registry.DeleteKey(parent, leaf); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return err
	}
	return nil
}
