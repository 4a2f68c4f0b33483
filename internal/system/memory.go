package system

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Operation names accepted by Memory.Fail and Memory.Calls.
const (
	OpKeyExists     = "registry.key_exists"
	OpKeyEmpty      = "registry.key_empty"
	OpGetValue      = "registry.get_value"
	OpSetValue      = "registry.set_value"
	OpDeleteValue   = "registry.delete_value"
	OpDeleteKey     = "registry.delete_key"
	OpServiceQuery  = "service.query"
	OpServiceConfig = "service.set_start_type"
	OpServiceStart  = "service.start"
	OpServiceStop   = "service.stop"
	OpPowerQuery    = "power.query"
	OpPowerSetAC    = "power.set_ac"
	OpPowerSetDC    = "power.set_dc"
	OpBootGet       = "boot.get"
	OpBootSet       = "boot.set"
	OpBootDelete    = "boot.delete"
)

var mutatingOps = map[string]bool{
	OpSetValue: true, OpDeleteValue: true, OpDeleteKey: true,
	OpServiceConfig: true, OpServiceStart: true, OpServiceStop: true,
	OpPowerSetAC: true, OpPowerSetDC: true,
	OpBootSet: true, OpBootDelete: true,
}

type fault struct {
	after int
	err   error
}

// Memory is an in-memory System with fault injection. Registry paths and
// names compare case-insensitively, as they do on Windows.
type Memory struct {
	mu       sync.Mutex
	keys     map[string]bool
	values   map[string]Value
	services map[string]ServiceStatus
	power    map[string][2]uint32
	boot     map[string]map[string]string
	faults   map[string]fault
	calls    map[string]int
}

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{
		keys:     make(map[string]bool),
		values:   make(map[string]Value),
		services: make(map[string]ServiceStatus),
		power:    make(map[string][2]uint32),
		boot:     make(map[string]map[string]string),
		faults:   make(map[string]fault),
		calls:    make(map[string]int),
	}
}

// System returns the Memory wired as every primitive.
func (m *Memory) System() System {
	return System{
		Registry: memRegistry{m},
		Services: memServices{m},
		Power:    memPower{m},
		Boot:     memBoot{m},
	}
}

// Fail makes every call to op return err.
func (m *Memory) Fail(op string, err error) {
	m.FailAfter(op, 0, err)
}

// FailAfter lets n calls to op succeed, then fails the rest with err.
func (m *Memory) FailAfter(op string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = fault{after: m.calls[op] + n, err: err}
}

// Heal removes every injected fault.
func (m *Memory) Heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = make(map[string]fault)
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Mutations returns the number of state-changing calls made so far.
func (m *Memory) Mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for op, c := range m.calls {
		if mutatingOps[op] {
			n += c
		}
	}
	return n
}

// enter records a call and returns the injected fault, if any. Caller holds mu.
func (m *Memory) enter(op string) error {
	m.calls[op]++
	if f, ok := m.faults[op]; ok && m.calls[op] > f.after {
		return f.err
	}
	return nil
}

func keyID(h Hive, path string) string {
	return string(h) + `\` + strings.ToLower(strings.Trim(path, `\`))
}

func valueID(h Hive, path, name string) string {
	return keyID(h, path) + "|" + strings.ToLower(name)
}

// PutKey creates a key and its ancestors.
func (m *Memory) PutKey(h Hive, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createKey(h, path)
}

func (m *Memory) createKey(h Hive, path string) {
	for p := strings.Trim(path, `\`); p != ""; p = ParentPath(p) {
		m.keys[keyID(h, p)] = true
	}
}

// PutValue seeds a value, creating its key.
func (m *Memory) PutValue(h Hive, path, name string, v Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createKey(h, path)
	m.values[valueID(h, path, name)] = v
}

// Value returns a seeded or written value without counting a call.
func (m *Memory) Value(h Hive, path, name string) (Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[valueID(h, path, name)]
	return v, ok
}

// HasKey reports whether a key exists without counting a call.
func (m *Memory) HasKey(h Hive, path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[keyID(h, path)]
}

// PutService seeds a service.
func (m *Memory) PutService(name string, st ServiceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[strings.ToLower(name)] = st
}

// Service returns a service's state without counting a call.
func (m *Memory) Service(name string) (ServiceStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.services[strings.ToLower(name)]
	return st, ok
}

// PutPower seeds a power setting.
func (m *Memory) PutPower(s PowerSetting, ac, dc uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.power[strings.ToLower(s.String())] = [2]uint32{ac, dc}
}

// PowerValues returns a setting's AC and DC indices without counting a call.
func (m *Memory) PowerValues(s PowerSetting) (uint32, uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.power[strings.ToLower(s.String())]
	return v[0], v[1], ok
}

// PutBoot seeds a boot element.
func (m *Memory) PutBoot(entry, element, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putBoot(entry, element, value)
}

func (m *Memory) putBoot(entry, element, value string) {
	e := strings.ToLower(entry)
	if m.boot[e] == nil {
		m.boot[e] = make(map[string]string)
	}
	m.boot[e][strings.ToLower(element)] = value
}

// BootValue returns a boot element without counting a call.
func (m *Memory) BootValue(entry, element string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.boot[strings.ToLower(entry)][strings.ToLower(element)]
	return v, ok
}

type memRegistry struct{ m *Memory }

func (r memRegistry) KeyExists(_ context.Context, h Hive, path string) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter(OpKeyExists); err != nil {
		return false, err
	}
	return r.m.keys[keyID(h, path)], nil
}

func (r memRegistry) KeyEmpty(_ context.Context, h Hive, path string) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter(OpKeyEmpty); err != nil {
		return false, err
	}
	return r.m.keyEmpty(h, path), nil
}

func (m *Memory) keyEmpty(h Hive, path string) bool {
	id := keyID(h, path)
	for v := range m.values {
		if strings.HasPrefix(v, id+"|") {
			return false
		}
	}
	for k := range m.keys {
		if strings.HasPrefix(k, id+`\`) {
			return false
		}
	}
	return true
}

func (r memRegistry) GetValue(_ context.Context, h Hive, path, name string) (Value, bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter(OpGetValue); err != nil {
		return Value{}, false, err
	}
	v, ok := r.m.values[valueID(h, path, name)]
	return v, ok, nil
}

func (r memRegistry) SetValue(_ context.Context, h Hive, path, name string, v Value, create bool) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter(OpSetValue); err != nil {
		return err
	}
	if !r.m.keys[keyID(h, path)] {
		if !create {
			return fmt.Errorf("%w: %s\\%s", ErrKeyNotFound, h, path)
		}
		r.m.createKey(h, path)
	}
	r.m.values[valueID(h, path, name)] = v
	return nil
}

func (r memRegistry) DeleteValue(_ context.Context, h Hive, path, name string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter(OpDeleteValue); err != nil {
		return err
	}
	delete(r.m.values, valueID(h, path, name))
	return nil
}

func (r memRegistry) DeleteKey(_ context.Context, h Hive, path string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.enter(OpDeleteKey); err != nil {
		return err
	}
	if !r.m.keys[keyID(h, path)] {
		return nil
	}
	if !r.m.keyEmpty(h, path) {
		return fmt.Errorf("%w: %s\\%s", ErrKeyNotEmpty, h, path)
	}
	delete(r.m.keys, keyID(h, path))
	return nil
}

type memServices struct{ m *Memory }

func (s memServices) Query(_ context.Context, name string) (ServiceStatus, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.enter(OpServiceQuery); err != nil {
		return ServiceStatus{}, err
	}
	st, ok := s.m.services[strings.ToLower(name)]
	if !ok {
		return ServiceStatus{}, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return st, nil
}

func (s memServices) update(op, name string, fn func(*ServiceStatus)) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.enter(op); err != nil {
		return err
	}
	key := strings.ToLower(name)
	st, ok := s.m.services[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	fn(&st)
	s.m.services[key] = st
	return nil
}

func (s memServices) SetStartType(_ context.Context, name string, t StartType) error {
	return s.update(OpServiceConfig, name, func(st *ServiceStatus) { st.StartType = t })
}

func (s memServices) Start(_ context.Context, name string) error {
	return s.update(OpServiceStart, name, func(st *ServiceStatus) { st.State = StateRunning })
}

func (s memServices) Stop(_ context.Context, name string) error {
	return s.update(OpServiceStop, name, func(st *ServiceStatus) { st.State = StateStopped })
}

type memPower struct{ m *Memory }

func (p memPower) Query(_ context.Context, s PowerSetting) (uint32, uint32, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if err := p.m.enter(OpPowerQuery); err != nil {
		return 0, 0, err
	}
	v, ok := p.m.power[strings.ToLower(s.String())]
	if !ok {
		return 0, 0, fmt.Errorf("power setting %s not found", s)
	}
	return v[0], v[1], nil
}

func (p memPower) set(op string, s PowerSetting, idx int, v uint32) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if err := p.m.enter(op); err != nil {
		return err
	}
	key := strings.ToLower(s.String())
	cur, ok := p.m.power[key]
	if !ok {
		return fmt.Errorf("power setting %s not found", s)
	}
	cur[idx] = v
	p.m.power[key] = cur
	return nil
}

func (p memPower) SetAC(_ context.Context, s PowerSetting, v uint32) error {
	return p.set(OpPowerSetAC, s, 0, v)
}

func (p memPower) SetDC(_ context.Context, s PowerSetting, v uint32) error {
	return p.set(OpPowerSetDC, s, 1, v)
}

type memBoot struct{ m *Memory }

func (b memBoot) Get(_ context.Context, entry, element string) (string, bool, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	if err := b.m.enter(OpBootGet); err != nil {
		return "", false, err
	}
	v, ok := b.m.boot[strings.ToLower(entry)][strings.ToLower(element)]
	return v, ok, nil
}

func (b memBoot) Set(_ context.Context, entry, element, value string) error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	if err := b.m.enter(OpBootSet); err != nil {
		return err
	}
	b.m.putBoot(entry, element, value)
	return nil
}

func (b memBoot) Delete(_ context.Context, entry, element string) error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	if err := b.m.enter(OpBootDelete); err != nil {
		return err
	}
	delete(b.m.boot[strings.ToLower(entry)], strings.ToLower(element))
	return nil
}
