package validator

import (
	"fmt"
	"reflect"
)

// Validator checks a single mapped value before it reaches the record
type Validator interface {
	Validate(value interface{}) error
}

// RangeValidator 范围验证器
type RangeValidator struct {
	Field string
	Min   *float64
	Max   *float64
}

// NewRange returns nil when neither bound is set
func NewRange(field string, min, max *float64) *RangeValidator {
	if min == nil && max == nil {
		return nil
	}
	return &RangeValidator{Field: field, Min: min, Max: max}
}

// Validate 验证数值是否在指定范围内
func (rv *RangeValidator) Validate(value interface{}) error {
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return fmt.Errorf("%s: value is nil", rv.Field)
		}
		v = v.Elem()
	}

	var f float64
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f = v.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f = float64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f = float64(v.Uint())
	default:
		return fmt.Errorf("%s: %v is not numeric", rv.Field, value)
	}

	if rv.Min != nil && f < *rv.Min {
		return fmt.Errorf("%s: %v is below minimum %v", rv.Field, f, *rv.Min)
	}
	if rv.Max != nil && f > *rv.Max {
		return fmt.Errorf("%s: %v is above maximum %v", rv.Field, f, *rv.Max)
	}
	return nil
}
