package connection

import (
	"github.com/eapache/queue/v2"

	"github.com/AutoMQ/rattle/pkg/rattle/stream"
	"github.com/AutoMQ/rattle/pkg/rattle/transport"
)

type frameQueue = queue.Queue[writeRequest]

// writeRequest is one frame to write.
type writeRequest struct {
	m transport.Message

	// step is set for stream frames; it is committed once m is written
	step *stream.Step
}

// writeScheduler orders frames to be written. Control frames go first; stream frames are taken
// from the active session only when no control frame waits.
// Methods are never called concurrently.
type writeScheduler struct {
	ctrlQueue *frameQueue
}

func newWriteScheduler() *writeScheduler {
	return &writeScheduler{ctrlQueue: queue.New[writeRequest]()}
}

// Push queues a control frame
func (ws *writeScheduler) Push(wr writeRequest) {
	ws.ctrlQueue.Add(wr)
}

// Pop dequeues the next control frame
func (ws *writeScheduler) Pop() (writeRequest, bool) {
	if ws.ctrlQueue.Length() == 0 {
		return writeRequest{}, false
	}
	return ws.ctrlQueue.Remove(), true
}

// Len returns the number of queued control frames
func (ws *writeScheduler) Len() int {
	return ws.ctrlQueue.Length()
}

// Reset drops every queued frame and returns how many were dropped
func (ws *writeScheduler) Reset() int {
	n := ws.ctrlQueue.Length()
	for ws.ctrlQueue.Length() > 0 {
		wr := ws.ctrlQueue.Remove()
		wr.m.Release()
	}
	return n
}
