// Package stream implements chunked transfer of large payloads over a connection that also
// carries small control frames.
//
// Every payload is sent as one stream start frame carrying its metadata, then raw chunks of at
// most ChunkSize bytes, then one stream finish frame. Payloads of one session are sent strictly
// one after another.
package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/jpillora/sizestr"
	"github.com/pkg/errors"

	"github.com/AutoMQ/rattle/pkg/rattle/codec"
	"github.com/AutoMQ/rattle/pkg/rattle/codec/kind"
)

var (
	// ErrEmptyPayloadQueue is returned by NewSession when there is nothing to send.
	ErrEmptyPayloadQueue = errors.New("stream: empty payload queue")
	// ErrPayloadUnreadable is returned by Next when a source cannot be read at the cursor.
	// The session is aborted.
	ErrPayloadUnreadable = errors.New("stream: payload unreadable")
	// ErrSessionDone is returned by Next once every payload has been sent or the session was aborted.
	ErrSessionDone = errors.New("stream: session done")
)

type phase uint8

const (
	phaseStart phase = iota
	phaseChunk
	phaseFinish
)

func (p phase) String() string {
	switch p {
	case phaseStart:
		return "start"
	case phaseChunk:
		return "chunk"
	default:
		return "finish"
	}
}

// Cursor is the position of a session: the payload being sent and how many of its bytes were written.
// It only moves forward; ByteOffset is reset to 0 only when PayloadIndex advances.
type Cursor struct {
	PayloadIndex int
	ByteOffset   int64

	phase phase
}

// String implements fmt.Stringer
func (c Cursor) String() string {
	return fmt.Sprintf("payload=%d offset=%d phase=%s", c.PayloadIndex, c.ByteOffset, c.phase)
}

// Step is the frame to write at one cursor boundary.
type Step struct {
	Envelope codec.Envelope

	at   Cursor
	free func()
}

// At returns the boundary the step was produced for
func (s *Step) At() Cursor {
	return s.at
}

func (s *Step) release() {
	if s.free != nil {
		s.free()
		s.free = nil
	}
	s.Envelope.Chunk = nil
}

// Session drives the upload of a queue of payloads.
//
// Next returns the frame at the current boundary and keeps returning it until the frame is
// reported written with Commit. A write that has to be re-attempted simply calls Next again.
//
// A Session is not safe for concurrent use.
type Session struct {
	route     string
	origin    string
	meta      json.RawMessage
	chunkSize int64

	files   []File
	cursor  Cursor
	pending *Step
	done    bool
}

// NewSession queues files for upload to route. meta is sent with every stream start frame.
func NewSession(route, origin string, files []File, meta json.RawMessage, chunkSize int64) (*Session, error) {
	if len(files) == 0 {
		return nil, ErrEmptyPayloadQueue
	}
	if route == "" {
		return nil, errors.New("stream: missing route")
	}
	if chunkSize <= 0 {
		return nil, errors.Errorf("stream: invalid chunk size %d", chunkSize)
	}
	for i := range files {
		if files[i].Size < 0 || (files[i].Size > 0 && files[i].Source == nil) {
			return nil, errors.Errorf("stream: payload %q has no readable source", files[i].Name)
		}
	}
	return &Session{
		route:     route,
		origin:    origin,
		meta:      meta,
		chunkSize: chunkSize,
		files:     files,
	}, nil
}

// Next returns the frame at the current boundary. It is idempotent until Commit.
func (s *Session) Next() (*Step, error) {
	if s.done {
		return nil, ErrSessionDone
	}
	if s.pending != nil {
		return s.pending, nil
	}

	f := &s.files[s.cursor.PayloadIndex]
	step := &Step{at: s.cursor}
	switch s.cursor.phase {
	case phaseStart:
		step.Envelope = codec.Envelope{
			Kind:     kind.StreamStart(),
			Route:    s.route,
			Origin:   s.origin,
			UserMeta: s.meta,
			Meta: &codec.StreamMeta{
				Name:      f.Name,
				Size:      f.Size,
				ChunkSize: s.chunkSize,
			},
		}
	case phaseChunk:
		n := s.chunkSize
		if remain := f.Size - s.cursor.ByteOffset; remain < n {
			n = remain
		}
		buf := mcache.Malloc(int(n))
		read, err := f.Source.ReadAt(buf, s.cursor.ByteOffset)
		if int64(read) < n || (err != nil && err != io.EOF) {
			mcache.Free(buf)
			cause := err
			if cause == nil || cause == io.EOF {
				cause = io.ErrUnexpectedEOF
			}
			s.Abort()
			return nil, errors.WithMessagef(ErrPayloadUnreadable, "%q at offset %d: %s", f.Name, step.at.ByteOffset, cause)
		}
		step.Envelope = codec.Envelope{Kind: kind.StreamChunk(), Chunk: buf}
		step.free = func() { mcache.Free(buf) }
	case phaseFinish:
		step.Envelope = codec.Envelope{Kind: kind.StreamFinish()}
	}
	s.pending = step
	return step, nil
}

// Commit reports that step was written. It returns false, and changes nothing, when step does not
// belong to the current boundary, e.g. when the same write completion is reported twice.
func (s *Session) Commit(step *Step) bool {
	if s.done || step == nil || s.pending != step || step.at != s.cursor {
		return false
	}
	s.pending = nil

	f := &s.files[s.cursor.PayloadIndex]
	switch s.cursor.phase {
	case phaseStart:
		s.cursor.phase = phaseChunk
		if f.Size == 0 {
			s.cursor.phase = phaseFinish
		}
	case phaseChunk:
		s.cursor.ByteOffset += int64(len(step.Envelope.Chunk))
		if s.cursor.ByteOffset >= f.Size {
			s.cursor.phase = phaseFinish
		}
	case phaseFinish:
		s.cursor = Cursor{PayloadIndex: s.cursor.PayloadIndex + 1}
		if s.cursor.PayloadIndex == len(s.files) {
			s.done = true
		}
	}
	step.release()
	return true
}

// Done reports whether the session has nothing more to send
func (s *Session) Done() bool {
	return s.done
}

// Cursor returns the current position
func (s *Session) Cursor() Cursor {
	return s.cursor
}

// Route returns the route every payload is streamed to
func (s *Session) Route() string {
	return s.route
}

// Abort discards the session. The remaining payloads are not sent.
// The buffer of a pending chunk is left to the garbage collector, a writer may still be using it.
func (s *Session) Abort() {
	s.done = true
	s.pending = nil
}

// String returns a short description of the session, only for debug use
func (s *Session) String() string {
	var total int64
	for i := range s.files {
		total += s.files[i].Size
	}
	return fmt.Sprintf("route=%q payloads=%d total=%s %s", s.route, len(s.files), sizestr.ToString(total), s.cursor)
}
