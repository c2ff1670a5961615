package codec

import (
	"bytes"
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/AutoMQ/rattle/pkg/rattle/codec/kind"
	"github.com/AutoMQ/rattle/pkg/rattle/transport"
)

const _delimiter = '\n'

var (
	// ErrMalformedFrame is matched by every *DecodeError
	ErrMalformedFrame = errors.New("codec: malformed frame")

	// ErrIllFormed is returned by Encode for envelopes that violate the envelope invariants
	ErrIllFormed = errors.New("codec: ill-formed envelope")

	jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

	_emptyObject = []byte("{}")
)

// DecodeError reports a frame that could not be fully decoded.
// The envelope returned alongside it keeps whatever was recovered, and Raw holds
// the unparsed payload so it can still be forwarded.
type DecodeError struct {
	Raw   []byte
	Cause error
}

func (e *DecodeError) Error() string {
	return ErrMalformedFrame.Error() + ": " + e.Cause.Error()
}

// Is makes errors.Is(err, ErrMalformedFrame) hold
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedFrame
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Marshal serializes v as a payload. A nil v means no payload; a json.RawMessage is used as is.
func Marshal(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) > 0 && !valid(v) {
			return nil, errors.WithMessage(ErrIllFormed, "invalid raw payload")
		}
		return v, nil
	}
	b, err := jsonAPI.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	return b, nil
}

// Encode converts e into a transport frame.
func Encode(e Envelope) (transport.Message, error) {
	if err := validate(&e); err != nil {
		return transport.Message{}, err
	}
	if e.Kind == kind.StreamChunk() {
		return transport.NewMessage(transport.BinaryMessage, e.Chunk), nil
	}

	w := wireEnvelope{
		To:     e.Route,
		URL:    e.Origin,
		Data:   e.Data,
		Type:   e.Kind.Tag(),
		JSON:   e.UserMeta,
		Stream: e.Meta,
	}
	b, err := jsonAPI.Marshal(&w)
	if err != nil {
		return transport.Message{}, errors.Wrap(err, "marshal envelope")
	}
	b = append(b, _delimiter)
	return transport.NewMessage(transport.TextMessage, b), nil
}

func validate(e *Envelope) error {
	switch e.Kind {
	case kind.Data():
		if e.Route == "" {
			return errors.WithMessage(ErrIllFormed, "missing route")
		}
		if e.Meta != nil {
			return errors.WithMessage(ErrIllFormed, "stream meta on a data envelope")
		}
	case kind.StreamStart():
		if e.Route == "" {
			return errors.WithMessage(ErrIllFormed, "missing route")
		}
		if e.Meta == nil {
			return errors.WithMessage(ErrIllFormed, "missing stream meta")
		}
	case kind.StreamChunk():
		return nil
	case kind.StreamFinish():
		if e.Meta != nil {
			return errors.WithMessage(ErrIllFormed, "stream meta on a finish envelope")
		}
	default:
		return errors.WithMessagef(ErrIllFormed, "unknown kind %s", e.Kind)
	}
	for _, raw := range []json.RawMessage{e.Data, e.UserMeta} {
		if len(raw) > 0 && !valid(raw) {
			return errors.WithMessage(ErrIllFormed, "invalid json payload")
		}
	}
	return nil
}

// EncodeLegacy produces the space-delimited form "route payload\n".
func EncodeLegacy(route string, data json.RawMessage) (transport.Message, error) {
	if route == "" {
		return transport.Message{}, errors.WithMessage(ErrIllFormed, "missing route")
	}
	if len(data) == 0 {
		data = _emptyObject
	}
	b := make([]byte, 0, len(route)+len(data)+2)
	b = append(b, route...)
	b = append(b, ' ')
	b = append(b, data...)
	b = append(b, _delimiter)
	return transport.NewMessage(transport.TextMessage, b), nil
}

// Decode converts a transport frame into an envelope.
//
// Binary frames are stream chunks; the chunk aliases m.Payload. Text frames are decoded
// into fresh memory, so m may be released as soon as Decode returns for them.
//
// On failure the error is a *DecodeError and the envelope holds whatever could be recovered,
// typically the route of a legacy frame whose payload is not JSON.
func Decode(m transport.Message) (Envelope, error) {
	if m.Type == transport.BinaryMessage {
		return Envelope{Kind: kind.StreamChunk(), Chunk: m.Payload}, nil
	}

	line := bytes.TrimRight(m.Payload, "\r\n")
	if len(line) == 0 {
		return Envelope{}, &DecodeError{Cause: errors.New("empty frame")}
	}
	if line[0] == '{' {
		return decodeJSON(line)
	}
	return decodeLegacy(line)
}

func decodeJSON(line []byte) (Envelope, error) {
	var w wireEnvelope
	if err := jsonAPI.Unmarshal(line, &w); err != nil {
		return Envelope{}, &DecodeError{Raw: clone(line), Cause: errors.Wrap(err, "unmarshal envelope")}
	}

	e := Envelope{
		Kind:   kind.FromTag(w.Type),
		Route:  w.To,
		Origin: w.URL,
		Data:   w.Data,
	}
	switch e.Kind {
	case kind.Data():
		if e.Route == "" {
			return e, &DecodeError{Raw: w.Data, Cause: errors.New("route absent")}
		}
	case kind.StreamStart():
		if e.Route == "" {
			return e, &DecodeError{Raw: w.Data, Cause: errors.New("route absent")}
		}
		if w.Stream == nil {
			return e, &DecodeError{Raw: w.Data, Cause: errors.New("stream meta absent")}
		}
		e.Meta = w.Stream
		e.UserMeta = w.JSON
	case kind.StreamFinish():
	default:
		return e, &DecodeError{Raw: w.Data, Cause: errors.Errorf("unknown frame type %q", w.Type)}
	}
	return e, nil
}

func decodeLegacy(line []byte) (Envelope, error) {
	route, payload, _ := bytes.Cut(line, []byte{' '})
	e := Envelope{Kind: kind.Data(), Route: string(route)}
	if e.Route == "" {
		return e, &DecodeError{Raw: clone(payload), Cause: errors.New("route absent")}
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return e, nil
	}
	if !valid(payload) {
		return e, &DecodeError{Raw: clone(payload), Cause: errors.New("payload is not valid json")}
	}
	e.Data = clone(payload)
	return e, nil
}

// valid reports whether b is one JSON value. jsoniter's Valid rejects top-level scalars such as 42.
func valid(b []byte) bool {
	return json.Valid(b)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
