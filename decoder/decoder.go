package decoder

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Delimiter separates the fields of a decoded LoRa payload
const Delimiter = "::"

// Envelope is the document the LoRa router hub publishes for every uplink
type Envelope struct {
	DeviceName string `json:"deviceName"`
	Data       string `json:"data"`
}

// rawEnvelope distinguishes a missing field from an empty one
type rawEnvelope struct {
	DeviceName *string `json:"deviceName"`
	Data       *string `json:"data"`
}

// FormatError reports an inbound document that is not a usable envelope
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed envelope: %s", e.Reason)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// EncodingError reports a data field that does not decode to text
type EncodingError struct {
	DeviceName string
	Err        error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("invalid payload encoding from %s: %v", e.DeviceName, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// ParseEnvelope parses the JSON envelope; both fields must be present strings
func ParseEnvelope(payload []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Envelope{}, &FormatError{Reason: "invalid JSON", Err: err}
	}
	if raw.DeviceName == nil {
		return Envelope{}, &FormatError{Reason: "missing field deviceName"}
	}
	if raw.Data == nil {
		return Envelope{}, &FormatError{Reason: "missing field data"}
	}

	return Envelope{DeviceName: *raw.DeviceName, Data: *raw.Data}, nil
}

// DecodeData reverses the base64 encoding of data and splits it into fields
func DecodeData(data string) ([]string, error) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	for i, c := range b {
		if c > 0x7f {
			return nil, fmt.Errorf("decoded payload is not ASCII: byte 0x%02x at offset %d", c, i)
		}
	}
	return strings.Split(string(b), Delimiter), nil
}

// Decode turns one inbound message into the device name and its ordered fields
func Decode(payload []byte) (Envelope, []string, error) {
	env, err := ParseEnvelope(payload)
	if err != nil {
		return Envelope{}, nil, err
	}

	fields, err := DecodeData(env.Data)
	if err != nil {
		return env, nil, &EncodingError{DeviceName: env.DeviceName, Err: err}
	}
	return env, fields, nil
}

// Encode joins fields with the delimiter and base64 encodes the result
func Encode(fields []string) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Join(fields, Delimiter)))
}

// EncodeEnvelope builds the full inbound document for a device
func EncodeEnvelope(deviceName string, fields []string) ([]byte, error) {
	return json.Marshal(Envelope{DeviceName: deviceName, Data: Encode(fields)})
}
