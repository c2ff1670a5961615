package stream

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/AutoMQ/rattle/pkg/rattle/codec"
	"github.com/AutoMQ/rattle/pkg/rattle/codec/kind"
)

var (
	// ErrUnexpectedChunk is returned for chunk or finish frames that do not follow a stream start
	ErrUnexpectedChunk = errors.New("stream: frame outside of a stream")
	// ErrStreamOverflow is returned when chunks exceed the announced size
	ErrStreamOverflow = errors.New("stream: more bytes than announced")
	// ErrShortStream is returned when a stream finishes before the announced size was received
	ErrShortStream = errors.New("stream: fewer bytes than announced")
	// ErrStreamTooLarge is returned when the announced size exceeds the receiver limit
	ErrStreamTooLarge = errors.New("stream: announced size over limit")
)

const _maxPrealloc = 4 << 20

// Received is one reassembled inbound payload.
type Received struct {
	// Route is the route the payload was streamed to
	Route  string
	Origin string
	Name   string
	Size   int64
	// Meta is the caller metadata sent with the stream start
	Meta json.RawMessage
	Data []byte
}

// Reader returns a reader over the payload bytes
func (r *Received) Reader() io.Reader {
	return bytes.NewReader(r.Data)
}

// Receiver reassembles inbound streams, one at a time.
//
// A Receiver is not safe for concurrent use.
type Receiver struct {
	// MaxSize bounds the announced size of a stream, 0 means no limit
	MaxSize int64

	cur *Received
}

// NewReceiver returns a receiver accepting streams up to maxSize bytes
func NewReceiver(maxSize int64) *Receiver {
	return &Receiver{MaxSize: maxSize}
}

// Start begins a stream. An unfinished stream is abandoned; abandoned reports whether that happened.
func (r *Receiver) Start(e codec.Envelope) (abandoned bool, err error) {
	abandoned = r.cur != nil
	r.cur = nil
	if e.Kind != kind.StreamStart() || e.Meta == nil {
		return abandoned, errors.Errorf("stream: %s is not a stream start", e.Kind)
	}
	if e.Meta.Size < 0 {
		return abandoned, errors.Errorf("stream: negative size %d", e.Meta.Size)
	}
	if r.MaxSize > 0 && e.Meta.Size > r.MaxSize {
		return abandoned, errors.WithMessagef(ErrStreamTooLarge, "%q announces %d bytes, limit %d", e.Meta.Name, e.Meta.Size, r.MaxSize)
	}
	prealloc := e.Meta.Size
	if prealloc > _maxPrealloc {
		prealloc = _maxPrealloc
	}
	r.cur = &Received{
		Route:  e.Route,
		Origin: e.Origin,
		Name:   e.Meta.Name,
		Size:   e.Meta.Size,
		Meta:   e.UserMeta,
		Data:   make([]byte, 0, prealloc),
	}
	return abandoned, nil
}

// Chunk appends b to the current stream. b is copied.
// On overflow the stream is dropped.
func (r *Receiver) Chunk(b []byte) error {
	if r.cur == nil {
		return ErrUnexpectedChunk
	}
	if int64(len(r.cur.Data)+len(b)) > r.cur.Size {
		name := r.cur.Name
		r.cur = nil
		return errors.WithMessagef(ErrStreamOverflow, "%q", name)
	}
	r.cur.Data = append(r.cur.Data, b...)
	return nil
}

// Finish completes the current stream.
func (r *Receiver) Finish() (*Received, error) {
	if r.cur == nil {
		return nil, errors.WithMessage(ErrUnexpectedChunk, "finish without start")
	}
	cur := r.cur
	r.cur = nil
	if int64(len(cur.Data)) != cur.Size {
		return nil, errors.WithMessagef(ErrShortStream, "%q got %d of %d bytes", cur.Name, len(cur.Data), cur.Size)
	}
	return cur, nil
}

// Active reports whether a stream is being received
func (r *Receiver) Active() bool {
	return r.cur != nil
}

// Reset drops the current stream, if any
func (r *Receiver) Reset() {
	r.cur = nil
}
