package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// Dashboard keys. The strings are the ones the dashboard already consumes and must not change.
const (
	KeyTemperature   = "temp_West"
	KeyHumidity      = "humidity_West"
	KeyPressure      = "pressure_West"
	KeyRainLevel     = "rain_level"
	KeyWindDirection = "wind_direction1"
	KeyWindSpeed     = "wind_speed1"
)

// NotInitiated is the wind direction shown before any anemometer report arrives.
const NotInitiated = "Not initiated"

// keys is the document order of the published record
var keys = []string{
	KeyTemperature,
	KeyHumidity,
	KeyPressure,
	KeyRainLevel,
	KeyWindDirection,
	KeyWindSpeed,
}

// Record is the dashboard's view of the latest sensor values.
// It is created once, never reset, and always holds exactly the fixed key set.
type Record struct {
	values map[string]any
	mutex  sync.RWMutex
}

// Snapshot is a consistent copy of the record taken under its lock
type Snapshot struct {
	values map[string]any
}

// New creates a record holding the startup defaults
func New() *Record {
	return &Record{values: defaults()}
}

func defaults() map[string]any {
	return map[string]any{
		KeyTemperature:   int64(0),
		KeyHumidity:      int64(0),
		KeyPressure:      int64(0),
		KeyRainLevel:     int64(0),
		KeyWindDirection: NotInitiated,
		KeyWindSpeed:     int64(0),
	}
}

// Keys returns the fixed key set in document order
func Keys() []string {
	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

// Has reports whether key belongs to the record
func Has(key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// Get returns the current value of key
func (r *Record) Get(key string) (any, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	v, ok := r.values[key]
	return v, ok
}

// Update writes all updates and returns the resulting snapshot.
// Nothing is written if any key is unknown or any value is not a scalar.
func (r *Record) Update(updates map[string]any) (Snapshot, error) {
	normalized := make(map[string]any, len(updates))
	for key, value := range updates {
		if !Has(key) {
			return Snapshot{}, fmt.Errorf("unknown record key %q", key)
		}
		v, err := normalize(value)
		if err != nil {
			return Snapshot{}, fmt.Errorf("record key %q: %w", key, err)
		}
		normalized[key] = v
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for key, value := range normalized {
		r.values[key] = value
	}
	return r.snapshotLocked(), nil
}

// Snapshot copies the current values
func (r *Record) Snapshot() Snapshot {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.snapshotLocked()
}

func (r *Record) snapshotLocked() Snapshot {
	values := make(map[string]any, len(r.values))
	for k, v := range r.values {
		values[k] = v
	}
	return Snapshot{values: values}
}

// normalize folds the supported scalar kinds into int64, float64 or string
func normalize(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite number %v", v)
		}
		return v, nil
	case float32:
		return normalize(float64(v))
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}

// Get returns the value of key in the snapshot
func (s Snapshot) Get(key string) any {
	return s.values[key]
}

// Values returns a copy of the snapshot as a plain map
func (s Snapshot) Values() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// MarshalJSON renders the record with keys in document order. Floats always
// carry a fractional part so 21 is sent as 21.0, as the dashboard expects.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			buf.WriteString(", ")
		}
		name, _ := json.Marshal(key)
		buf.Write(name)
		buf.WriteString(": ")

		value, ok := s.values[key]
		if !ok {
			buf.WriteString("null")
			continue
		}
		if err := writeValue(&buf, value); err != nil {
			return nil, fmt.Errorf("marshal %s: %w", key, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case float64:
		buf.WriteString(FormatFloat(v))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case string:
		var str bytes.Buffer
		enc := json.NewEncoder(&str)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return err
		}
		buf.Write(bytes.TrimRight(str.Bytes(), "\n"))
	default:
		return fmt.Errorf("unsupported value type %T", value)
	}
	return nil
}

// FormatFloat formats v with the shortest exact representation. Decimal
// exponents in [-4, 16) print positionally with at least one decimal; others
// print in exponent form, e.g. 1e+16 and 1e-05.
func FormatFloat(v float64) string {
	e := strconv.FormatFloat(v, 'e', -1, 64)
	exp, err := strconv.Atoi(e[strings.LastIndexByte(e, 'e')+1:])
	if err != nil || exp < -4 || exp >= 16 {
		return e
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
