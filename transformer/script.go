package transformer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/eddielth/lora-trans/logger"
	"github.com/eddielth/lora-trans/record"
)

// scriptTimeout bounds one transform call so a looping script cannot stall the bridge
var scriptTimeout = 500 * time.Millisecond

// scriptTransformer runs a JavaScript transform(fields) function.
// A goja runtime is not goroutine safe, so calls are serialized.
type scriptTransformer struct {
	device    string
	vm        *goja.Runtime
	transform goja.Callable
	mu        sync.Mutex
}

func newScriptTransformer(device, code string) (*scriptTransformer, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS %s] %s", device, msg)
	})

	_ = vm.Set("round", func(value float64, places int) float64 {
		return Round(value, places)
	})

	// 单位转换
	_ = vm.Set("convertTemperature", func(value float64, fromUnit string, toUnit string) float64 {
		fromUnit = strings.ToUpper(fromUnit)
		toUnit = strings.ToUpper(toUnit)

		var celsius float64
		switch fromUnit {
		case "C":
			celsius = value
		case "F":
			celsius = (value - 32) * 5 / 9
		case "K":
			celsius = value - 273.15
		default:
			return value
		}

		switch toUnit {
		case "F":
			return celsius*9/5 + 32
		case "K":
			return celsius + 273.15
		default:
			return celsius
		}
	})

	_ = vm.Set("validateRange", func(value float64, min float64, max float64) bool {
		return value >= min && value <= max
	})

	if _, err := vm.RunString(code); err != nil {
		return nil, fmt.Errorf("run script: %w", err)
	}

	transformValue := vm.Get("transform")
	if transformValue == nil || goja.IsUndefined(transformValue) {
		return nil, fmt.Errorf("script does not define a 'transform' function")
	}
	transform, ok := goja.AssertFunction(transformValue)
	if !ok {
		return nil, fmt.Errorf("'transform' is not a function")
	}

	return &scriptTransformer{device: device, vm: vm, transform: transform}, nil
}

// run calls transform(fields) and checks that the result only names record keys with scalar values
func (s *scriptTransformer) run(fields []string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := make([]interface{}, len(fields))
	for i, f := range fields {
		args[i] = f
	}

	fired := make(chan struct{})
	timer := time.AfterFunc(scriptTimeout, func() {
		s.vm.Interrupt("script timeout")
		close(fired)
	})
	result, err := s.transform(goja.Undefined(), s.vm.ToValue(args))
	// a timer that already fired must finish its Interrupt before it is cleared
	if !timer.Stop() {
		<-fired
	}
	s.vm.ClearInterrupt()

	if err != nil {
		return nil, &FieldShapeError{DeviceName: s.device, Index: -1, Reason: "script failed", Err: err}
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, &FieldShapeError{DeviceName: s.device, Index: -1, Reason: "script returned no object"}
	}

	exported, ok := result.Export().(map[string]interface{})
	if !ok {
		return nil, &FieldShapeError{DeviceName: s.device, Index: -1, Reason: fmt.Sprintf("script returned %T, want object", result.Export())}
	}

	updates := make(map[string]any, len(exported))
	for key, value := range exported {
		if !record.Has(key) {
			return nil, &FieldShapeError{DeviceName: s.device, Key: key, Index: -1, Reason: "script wrote an unknown record key"}
		}
		switch v := value.(type) {
		case string, int64, float64:
			updates[key] = v
		default:
			return nil, &FieldShapeError{DeviceName: s.device, Key: key, Index: -1, Reason: fmt.Sprintf("script value of type %T is not a scalar", value)}
		}
	}
	return updates, nil
}
