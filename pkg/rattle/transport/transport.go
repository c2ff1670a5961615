// Package transport defines the duplex message channel rattle connections are layered on.
//
// A transport delivers one logical frame per ReadMessage call. Control frames travel as text
// messages; stream chunks travel as binary messages.
package transport

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
)

var (
	// ErrBackpressure is returned by WriteMessage when the channel cannot accept a write right now.
	// The write may be re-attempted with the same message later.
	ErrBackpressure = errors.New("transport: write would block")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
)

// MessageType is the native frame type of a transport
type MessageType uint8

const (
	// TextMessage carries a newline-terminated control frame.
	TextMessage MessageType = iota + 1
	// BinaryMessage carries raw stream bytes.
	BinaryMessage
)

// String implements fmt.Stringer
func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "Text"
	case BinaryMessage:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Message is one frame read from or written to a transport.
type Message struct {
	Type    MessageType
	Payload []byte

	free func()
}

// NewMessage wraps payload in a message. The payload is not copied.
func NewMessage(typ MessageType, payload []byte) Message {
	return Message{Type: typ, Payload: payload}
}

// NewPooledMessage returns a message whose payload of size n is borrowed from the buffer pool.
// Release must be called once the message is no longer needed.
func NewPooledMessage(typ MessageType, n int) Message {
	buf := mcache.Malloc(n)
	return Message{
		Type:    typ,
		Payload: buf,
		free:    func() { mcache.Free(buf) },
	}
}

// Release returns the payload buffer to the pool, if it was borrowed.
// The payload must not be used after Release.
func (m *Message) Release() {
	if m.free != nil {
		m.free()
		m.free = nil
	}
	m.Payload = nil
}

// Conn is a single transport instance.
//
// Implementations must support one concurrent reader and one concurrent writer.
// Close may be called concurrently with both.
type Conn interface {
	// ReadMessage blocks until the next frame arrives. The returned error is non-nil
	// once the transport is closed, locally or by the peer.
	ReadMessage() (Message, error)

	// WriteMessage writes exactly one frame.
	WriteMessage(m Message) error

	// Close closes the transport. Pending reads return an error.
	Close() error

	// RemoteAddr returns a printable address of the peer
	RemoteAddr() string
}

// Dialer opens new transport instances.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, addr string) (Conn, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, addr string) (Conn, error) {
	return f(ctx, addr)
}

// IsTemporary reports whether a write failure may succeed if the same message is written again.
// Deadline errors are not temporary: a frame may have been partially written.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrBackpressure)
}

// Summarize returns a short description of m, only for debug use
func Summarize(m Message) string {
	var buf bytes.Buffer
	_, _ = fmt.Fprintf(&buf, "type=%s size=%d", m.Type, len(m.Payload))
	if m.Type == TextMessage {
		payload := bytes.TrimRight(m.Payload, "\r\n")
		const max = 256
		if len(payload) > max {
			payload = payload[:max]
		}
		_, _ = fmt.Fprintf(&buf, " payload=%q", payload)
	}
	return buf.String()
}
