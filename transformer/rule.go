package transformer

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/eddielth/lora-trans/config"
	"github.com/eddielth/lora-trans/record"
	"github.com/eddielth/lora-trans/validator"
)

// Field transforms
const (
	TransformFloat   = "float"
	TransformRaw     = "raw"
	TransformAverage = "average"
)

const defaultPrecision = 1

// FieldRule computes one record key from positional fields
type FieldRule struct {
	Key       string
	Indices   []int
	Transform string
	Precision int
	check     *validator.RangeValidator
}

// Rule is the compiled mapping of one device
type Rule struct {
	Name     string
	Fields   []FieldRule
	script   *scriptTransformer
	required int
}

// RequiredFields is the minimum length of the field sequence the rule accepts
func (r *Rule) RequiredFields() int {
	return r.required
}

// IsScript reports whether the rule runs a JavaScript transform
func (r *Rule) IsScript() bool {
	return r.script != nil
}

// Compile validates a configured device rule and prepares it for evaluation
func Compile(cfg config.DeviceRule) (*Rule, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("device rule without name")
	}

	hasScript := cfg.ScriptCode != "" || cfg.ScriptPath != ""
	if hasScript && len(cfg.Fields) > 0 {
		return nil, fmt.Errorf("device %s: fields and script are mutually exclusive", cfg.Name)
	}
	if !hasScript && len(cfg.Fields) == 0 {
		return nil, fmt.Errorf("device %s: no fields and no script", cfg.Name)
	}
	if cfg.MinFields < 0 {
		return nil, fmt.Errorf("device %s: min_fields cannot be negative", cfg.Name)
	}

	rule := &Rule{Name: cfg.Name, required: cfg.MinFields}

	if hasScript {
		code := cfg.ScriptCode
		if code == "" {
			b, err := os.ReadFile(cfg.ScriptPath)
			if err != nil {
				return nil, fmt.Errorf("device %s: load script %s: %w", cfg.Name, cfg.ScriptPath, err)
			}
			code = string(b)
		}
		script, err := newScriptTransformer(cfg.Name, code)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", cfg.Name, err)
		}
		rule.script = script
		return rule, nil
	}

	seen := make(map[string]bool, len(cfg.Fields))
	for i, f := range cfg.Fields {
		fr, err := compileField(f)
		if err != nil {
			return nil, fmt.Errorf("device %s fields[%d]: %w", cfg.Name, i, err)
		}
		if seen[fr.Key] {
			return nil, fmt.Errorf("device %s fields[%d]: key %s written twice", cfg.Name, i, fr.Key)
		}
		seen[fr.Key] = true

		for _, idx := range fr.Indices {
			if idx+1 > rule.required {
				rule.required = idx + 1
			}
		}
		rule.Fields = append(rule.Fields, fr)
	}
	return rule, nil
}

func compileField(f config.FieldRule) (FieldRule, error) {
	if !record.Has(f.Key) {
		return FieldRule{}, fmt.Errorf("unknown record key %q", f.Key)
	}
	for _, idx := range f.Indices {
		if idx < 0 {
			return FieldRule{}, fmt.Errorf("negative index %d", idx)
		}
	}

	fr := FieldRule{
		Key:       f.Key,
		Indices:   append([]int(nil), f.Indices...),
		Transform: strings.ToLower(f.Transform),
		Precision: defaultPrecision,
	}
	if f.Precision != nil {
		if *f.Precision < 0 {
			return FieldRule{}, fmt.Errorf("negative precision %d", *f.Precision)
		}
		fr.Precision = *f.Precision
	}

	switch fr.Transform {
	case TransformFloat, TransformRaw:
		if len(fr.Indices) != 1 {
			return FieldRule{}, fmt.Errorf("%s takes exactly one index, got %d", fr.Transform, len(fr.Indices))
		}
	case TransformAverage:
		if len(fr.Indices) == 0 {
			return FieldRule{}, fmt.Errorf("average needs at least one index")
		}
	default:
		return FieldRule{}, fmt.Errorf("unknown transform %q", f.Transform)
	}

	if f.Min != nil || f.Max != nil {
		if fr.Transform == TransformRaw {
			return FieldRule{}, fmt.Errorf("min/max need a numeric transform")
		}
		fr.check = validator.NewRange(f.Key, f.Min, f.Max)
	}
	return fr, nil
}

// Evaluate computes every value the rule writes without touching the record
func (r *Rule) Evaluate(fields []string) (map[string]any, error) {
	if len(fields) < r.required {
		return nil, &FieldShapeError{
			DeviceName: r.Name,
			Index:      -1,
			Reason:     fmt.Sprintf("needs %d fields, got %d", r.required, len(fields)),
		}
	}

	if r.script != nil {
		return r.script.run(fields)
	}

	updates := make(map[string]any, len(r.Fields))
	for _, f := range r.Fields {
		v, err := f.evaluate(r.Name, fields)
		if err != nil {
			return nil, err
		}
		updates[f.Key] = v
	}
	return updates, nil
}

func (f FieldRule) evaluate(device string, fields []string) (any, error) {
	var value any
	switch f.Transform {
	case TransformRaw:
		value = fields[f.Indices[0]]
	case TransformFloat:
		n, err := parseFloat(device, f.Key, f.Indices[0], fields)
		if err != nil {
			return nil, err
		}
		value = n
	case TransformAverage:
		var sum float64
		for _, idx := range f.Indices {
			n, err := parseFloat(device, f.Key, idx, fields)
			if err != nil {
				return nil, err
			}
			sum += n
		}
		value = Round(sum/float64(len(f.Indices)), f.Precision)
	}

	if f.check != nil {
		if err := f.check.Validate(value); err != nil {
			return nil, &FieldShapeError{DeviceName: device, Key: f.Key, Index: -1, Reason: "out of range", Err: err}
		}
	}
	return value, nil
}

func parseFloat(device, key string, idx int, fields []string) (float64, error) {
	n, err := strconv.ParseFloat(strings.TrimSpace(fields[idx]), 64)
	if err != nil {
		return 0, &FieldShapeError{DeviceName: device, Key: key, Index: idx, Reason: "not a number", Err: err}
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, &FieldShapeError{DeviceName: device, Key: key, Index: idx, Reason: "not a finite number"}
	}
	return n, nil
}

// Round rounds v to the given number of decimals, resolving exact ties to even
// on the binary value.
func Round(v float64, places int) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', places, 64), 64)
	if err != nil {
		return v
	}
	return r
}
