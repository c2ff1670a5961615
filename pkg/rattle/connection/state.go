package connection

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/AutoMQ/rattle/pkg/rattle/codec"
	"github.com/AutoMQ/rattle/pkg/rattle/stream"
)

// State is the lifecycle state of a Connection
type State int32

const (
	// Disconnected means there is no transport. Sending connects implicitly.
	Disconnected State = iota
	// Connecting means a transport is being opened.
	Connecting
	// Open means frames flow in both directions.
	Open
	// Closing is entered by Disconnect and left once the transport reports it is closed.
	Closing
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Open:
		return "Open"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// EventName names the events handlers can be registered for
type EventName string

const (
	// EventOpen fires when the transport opens.
	EventOpen EventName = "open"
	// EventClose fires when the transport closes or fails to open.
	EventClose EventName = "close"
	// EventMessage fires for every inbound call. When a message handler is registered,
	// inbound calls are handed to it instead of the router.
	EventMessage EventName = "message"
)

// ParseEventName accepts the canonical names and their older aliases
// (onOpen, onConnect, onClose, onDisconnect, onMessage). Matching ignores case.
func ParseEventName(name string) (EventName, error) {
	switch strings.ToLower(name) {
	case "open", "onopen", "onconnect":
		return EventOpen, nil
	case "close", "onclose", "ondisconnect":
		return EventClose, nil
	case "message", "onmessage":
		return EventMessage, nil
	default:
		return "", errors.Errorf("connection: unknown event %q", name)
	}
}

// Event is passed to event handlers.
type Event struct {
	Name EventName

	// Envelope is the inbound frame of a message event
	Envelope *codec.Envelope
	// Payload is the payload of a message event. It is unstructured when the frame was malformed.
	Payload codec.Payload
	// File is set for message events completing an inbound stream
	File *stream.Received

	// Err is why the transport closed, nil for a requested close
	Err error
}

// EventHandler handles an Event. Handlers run one at a time, in event order, never on the
// goroutine that owns the connection state.
type EventHandler func(Event)
