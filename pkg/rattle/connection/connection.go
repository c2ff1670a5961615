// Package connection implements a rattle connection: the transport lifecycle, outbound calls and
// streams, and the delivery of inbound calls.
//
// Every piece of connection state is owned by a single serve loop goroutine. Transport reads,
// write completions, dial results, retry timers and API calls all reach the loop as messages;
// callbacks and handlers run on a separate delivery goroutine so the loop never blocks.
package connection

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/rattle/pkg/rattle/codec"
	"github.com/AutoMQ/rattle/pkg/rattle/codec/kind"
	"github.com/AutoMQ/rattle/pkg/rattle/stream"
	"github.com/AutoMQ/rattle/pkg/rattle/transport"
	"github.com/AutoMQ/rattle/pkg/util/logutil"
)

var (
	// ErrMissingRoute is reported for calls with an empty route. Nothing is written.
	ErrMissingRoute = errors.New("connection: missing route")
	// ErrStreamBusy is reported by SendFile while another stream is in flight
	ErrStreamBusy = errors.New("connection: stream in flight")
	// ErrTransportUnavailable is reported for frames dropped because the transport went away
	ErrTransportUnavailable = errors.New("connection: transport unavailable")
)

const _cmdChSize = 64

// Connection is one peer of a rattle conversation.
type Connection struct {
	// Immutable:
	id       string
	addr     string
	dialer   transport.Dialer // nil for accepted connections
	accepted bool
	opts     options

	cmdCh      chan func()          // API calls -> serve
	dialedCh   chan dialResult      // from dial goroutines -> serve
	readCh     chan frameReadResult // written by readFrames
	wroteCh    chan frameWriteResult
	retryCh    chan uint64 // retry timers -> serve, carries the transport generation
	stopCh     chan struct{}
	doneCh     chan struct{} // closed when serve ends
	stopOnce   sync.Once
	deliverer  *deliverer
	stateValue atomic.Int32

	handlersMu sync.RWMutex
	handlers   map[EventName]EventHandler

	// Everything following is owned by the serve loop:
	state        State
	gen          uint64 // bumped for every transport attempt; results of older attempts are ignored
	tc           transport.Conn
	cancelDial   context.CancelFunc
	wScheduler   *writeScheduler
	session      *stream.Session
	receiver     *stream.Receiver
	writing      bool          // a frame is being written
	retrying     *writeRequest // a frame waiting for its retry timer
	retryBackoff *backoff.Backoff
	reconnect    bool           // connect requested while Closing
	held         []writeRequest // frames sent while Closing, written after the reconnect
	heldSession  *stream.Session

	lg *zap.Logger
}

// New creates a client connection to addr and starts connecting immediately.
func New(addr string, dialer transport.Dialer, opts ...Option) *Connection {
	c := newConnection(addr, opts)
	c.dialer = dialer
	go c.serve(nil)
	c.exec(c.connect)
	return c
}

// Accept wraps a transport opened by a remote peer. The connection starts Open and never
// redials; it ends once the transport closes.
func Accept(tc transport.Conn, opts ...Option) *Connection {
	c := newConnection(tc.RemoteAddr(), opts)
	c.accepted = true
	// Open before serve starts, so the state is settled when Accept returns
	c.gen++
	c.tc = tc
	c.setState(Open)
	go c.serve(tc)
	return c
}

func newConnection(addr string, opts []Option) *Connection {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	id := uuid.NewString()
	c := &Connection{
		id:         id,
		addr:       addr,
		opts:       o,
		cmdCh:      make(chan func(), _cmdChSize),
		dialedCh:   make(chan dialResult),
		readCh:     make(chan frameReadResult),
		wroteCh:    make(chan frameWriteResult),
		retryCh:    make(chan uint64),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		deliverer:  newDeliverer(),
		handlers:   o.handlers,
		wScheduler: newWriteScheduler(),
		receiver:   stream.NewReceiver(o.maxStreamSize),
		retryBackoff: &backoff.Backoff{
			Min:    o.retryMin,
			Max:    o.retryMax,
			Factor: 2,
			Jitter: true,
		},
		lg: o.lg.With(zap.String("conn-id", id), zap.String("addr", addr)),
	}
	return c
}

// ID returns a unique id of the connection
func (c *Connection) ID() string {
	return c.id
}

// Addr returns the address the connection dials, or the remote address of an accepted transport
func (c *Connection) Addr() string {
	return c.addr
}

// State returns the current lifecycle state
func (c *Connection) State() State {
	return State(c.stateValue.Load())
}

// Done is closed once the connection is closed for good
func (c *Connection) Done() <-chan struct{} {
	return c.doneCh
}

// On registers h for event, replacing any previous handler. A nil h unregisters.
func (c *Connection) On(event EventName, h EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if h == nil {
		delete(c.handlers, event)
		return
	}
	c.handlers[event] = h
}

func (c *Connection) handler(event EventName) EventHandler {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers[event]
}

// Connect opens the transport. It does nothing while Open or Connecting; while Closing the
// transport is reopened once the close settles.
func (c *Connection) Connect() {
	c.exec(c.connect)
}

// Disconnect closes the transport. It does nothing unless the connection is Open.
// The connection turns Disconnected once the transport reports it is closed.
func (c *Connection) Disconnect() {
	c.exec(c.disconnect)
}

// Send calls route on the peer with payload, which is marshaled to JSON.
// A Disconnected connection connects first. Failures are reported to diagnostics.
func (c *Connection) Send(route string, payload any) {
	if route == "" {
		c.report(ErrMissingRoute)
		return
	}
	data, err := codec.Marshal(payload)
	if err != nil {
		c.report(errors.WithMessagef(err, "send %q", route))
		return
	}

	var m transport.Message
	if c.opts.legacyOutbound {
		m, err = codec.EncodeLegacy(route, data)
	} else {
		m, err = codec.Encode(codec.Envelope{Kind: kind.Data(), Route: route, Origin: c.opts.origin, Data: data})
	}
	if err != nil {
		c.report(errors.WithMessagef(err, "send %q", route))
		return
	}
	c.exec(func() { c.enqueue(writeRequest{m: m}) })
}

// SendFile streams files to route, one after another. meta is sent with every stream start.
// Only one stream may be in flight; the files stay owned by the caller.
func (c *Connection) SendFile(route string, files []stream.File, meta any) {
	if route == "" {
		c.report(ErrMissingRoute)
		return
	}
	data, err := codec.Marshal(meta)
	if err != nil {
		c.report(errors.WithMessagef(err, "send file to %q", route))
		return
	}
	s, err := stream.NewSession(route, c.opts.origin, files, data, c.opts.chunkSize)
	if errors.Is(err, stream.ErrEmptyPayloadQueue) {
		return
	}
	if err != nil {
		c.report(err)
		return
	}
	c.exec(func() { c.startSession(s) })
}

// Close stops the connection for good: the transport is closed, queued frames and the active
// stream are dropped. Close waits for pending callbacks to run, so it must not be called from one.
func (c *Connection) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
	<-c.deliverer.done
}

// exec runs f on the serve loop
func (c *Connection) exec(f func()) {
	select {
	case <-c.doneCh:
		c.report(errors.WithMessage(ErrTransportUnavailable, "connection closed"))
		return
	default:
	}
	select {
	case c.cmdCh <- f:
	case <-c.doneCh:
		c.report(errors.WithMessage(ErrTransportUnavailable, "connection closed"))
	}
}

// report sends err to diagnostics. It may be called from any goroutine.
func (c *Connection) report(err error) {
	c.lg.Warn("connection error", zap.Error(err))
	if f := c.opts.diagnostics; f != nil {
		c.deliverer.push(func() { f(err) })
	}
}

// emit runs the handler of event on the delivery goroutine
func (c *Connection) emit(e Event) {
	c.deliverer.push(func() {
		h := c.handler(e.Name)
		if h == nil {
			return
		}
		defer logutil.ReportPanic(c.report, "%s handler", e.Name)
		h(e)
	})
}
