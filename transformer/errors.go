package transformer

import "fmt"

// UnknownDeviceError is returned for a device without a mapping rule
type UnknownDeviceError struct {
	DeviceName string
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("no mapping rule for device %q", e.DeviceName)
}

// FieldShapeError is returned when the decoded fields do not fit the device's rule.
// The record is never modified when this error is returned.
type FieldShapeError struct {
	DeviceName string
	Key        string
	Index      int
	Reason     string
	Err        error
}

func (e *FieldShapeError) Error() string {
	msg := fmt.Sprintf("device %s", e.DeviceName)
	if e.Key != "" {
		msg += fmt.Sprintf(" key %s", e.Key)
	}
	if e.Index >= 0 {
		msg += fmt.Sprintf(" field %d", e.Index)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FieldShapeError) Unwrap() error {
	return e.Err
}
