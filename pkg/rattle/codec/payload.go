package codec

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrUnstructured is returned when decoding an unparsed payload into anything but a string or bytes.
var ErrUnstructured = errors.New("codec: payload is not structured data")

// Payload is what handlers and target resolvers receive.
//
// A payload that failed to parse is still delivered, with Structured unset.
type Payload struct {
	Raw        []byte
	Structured bool
}

// StructuredPayload wraps a valid JSON value
func StructuredPayload(raw json.RawMessage) Payload {
	return Payload{Raw: raw, Structured: true}
}

// RawPayload wraps bytes that are not valid JSON
func RawPayload(raw []byte) Payload {
	return Payload{Raw: raw}
}

// IsEmpty reports whether no payload was sent
func (p Payload) IsEmpty() bool {
	return len(p.Raw) == 0
}

// Decode stores the payload in v.
// Unstructured payloads can only be decoded into *string or *[]byte.
func (p Payload) Decode(v any) error {
	if !p.Structured {
		switch v := v.(type) {
		case *string:
			*v = string(p.Raw)
		case *[]byte:
			*v = append((*v)[:0], p.Raw...)
		default:
			return errors.WithMessagef(ErrUnstructured, "decode into %T", v)
		}
		return nil
	}
	if p.IsEmpty() {
		return nil
	}
	return errors.Wrap(jsonAPI.Unmarshal(p.Raw, v), "unmarshal payload")
}

// String returns the payload as text. A JSON string is unquoted; other values are returned verbatim.
func (p Payload) String() string {
	if p.Structured && len(p.Raw) > 0 && p.Raw[0] == '"' {
		var s string
		if err := jsonAPI.Unmarshal(p.Raw, &s); err == nil {
			return s
		}
	}
	return string(p.Raw)
}
