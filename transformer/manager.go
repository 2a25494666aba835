package transformer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/eddielth/lora-trans/config"
	"github.com/eddielth/lora-trans/logger"
	"github.com/eddielth/lora-trans/record"
)

// Manager 管理设备映射规则, and owns the dashboard record they write into
type Manager struct {
	rules  map[string]*Rule
	record *record.Record
	mutex  sync.RWMutex
}

// NewManager 创建一个新的转换器管理器
func NewManager(devices []config.DeviceRule, rec *record.Record) (*Manager, error) {
	rules, err := compileAll(devices)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = record.New()
	}

	for name, rule := range rules {
		logger.Info("loaded mapping rule for device %s (%d fields required)", name, rule.RequiredFields())
	}

	return &Manager{rules: rules, record: rec}, nil
}

func compileAll(devices []config.DeviceRule) (map[string]*Rule, error) {
	rules := make(map[string]*Rule, len(devices))
	for _, d := range devices {
		if _, dup := rules[d.Name]; dup {
			return nil, fmt.Errorf("duplicate rule for device %s", d.Name)
		}
		rule, err := Compile(d)
		if err != nil {
			return nil, err
		}
		rules[d.Name] = rule
	}
	return rules, nil
}

// Record returns the record the manager writes into
func (m *Manager) Record() *record.Record {
	return m.record
}

// Devices lists the device names that have a rule, sorted
func (m *Manager) Devices() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	names := make([]string, 0, len(m.rules))
	for name := range m.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rule returns the compiled rule of a device
func (m *Manager) Rule(deviceName string) (*Rule, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	rule, ok := m.rules[deviceName]
	return rule, ok
}

// Apply maps the fields of one message into the record and returns the record afterwards.
// All values are computed first; on any error the record is left as it was.
func (m *Manager) Apply(deviceName string, fields []string) (record.Snapshot, error) {
	rule, ok := m.Rule(deviceName)
	if !ok {
		return record.Snapshot{}, &UnknownDeviceError{DeviceName: deviceName}
	}

	updates, err := rule.Evaluate(fields)
	if err != nil {
		return record.Snapshot{}, err
	}

	snap, err := m.record.Update(updates)
	if err != nil {
		return record.Snapshot{}, &FieldShapeError{DeviceName: deviceName, Index: -1, Reason: "rejected by record", Err: err}
	}
	return snap, nil
}

// ReloadRules 重新加载全部规则. On error the active rules are kept.
func (m *Manager) ReloadRules(devices []config.DeviceRule) error {
	rules, err := compileAll(devices)
	if err != nil {
		return fmt.Errorf("reload rules: %w", err)
	}

	m.mutex.Lock()
	m.rules = rules
	m.mutex.Unlock()

	logger.Info("reloaded mapping rules for %d devices", len(rules))
	return nil
}
