// Package codec converts rattle envelopes to and from transport frames.
//
// Wire forms:
//
//	control:      {"to":route,"url":origin,"data":payload}\n
//	stream start: {"to":route,"url":origin,"type":"stream","json":meta,"stream":{"name":n,"size":s,"slicesize":c}}\n
//	stream chunk: raw bytes in a binary message
//	stream end:   {"type":"finish"}\n
//	legacy:       route payload\n   (accepted on receive, optional on send)
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/AutoMQ/rattle/pkg/rattle/codec/kind"
)

// StreamMeta describes one streamed payload. It is sent with the stream start frame only.
type StreamMeta struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	ChunkSize int64  `json:"slicesize"`
}

// Envelope is the unit exchanged over a transport.
type Envelope struct {
	Kind kind.Kind

	// Route names a handler ("main.index") or a mutation target ("=#result")
	Route string
	// Origin identifies the sender, informational only
	Origin string
	// Data is the structured payload, nil for none
	Data json.RawMessage

	// Meta is set iff Kind is StreamStart
	Meta *StreamMeta
	// UserMeta is caller metadata attached to a stream start
	UserMeta json.RawMessage

	// Chunk holds the raw bytes of a StreamChunk
	Chunk []byte
}

// Payload returns the structured payload of e
func (e *Envelope) Payload() Payload {
	return StructuredPayload(e.Data)
}

// String returns a short description of e, only for debug use
func (e *Envelope) String() string {
	switch e.Kind {
	case kind.StreamChunk():
		return fmt.Sprintf("kind=%s size=%d", e.Kind, len(e.Chunk))
	case kind.StreamStart():
		return fmt.Sprintf("kind=%s route=%q name=%q size=%d slicesize=%d", e.Kind, e.Route, e.Meta.Name, e.Meta.Size, e.Meta.ChunkSize)
	default:
		return fmt.Sprintf("kind=%s route=%q data-length=%d", e.Kind, e.Route, len(e.Data))
	}
}

// wireEnvelope is the JSON form of text frames
type wireEnvelope struct {
	To     string          `json:"to,omitempty"`
	URL    string          `json:"url,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Type   string          `json:"type,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
	Stream *StreamMeta     `json:"stream,omitempty"`
}
