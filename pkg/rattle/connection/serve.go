package connection

import (
	"context"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AutoMQ/rattle/pkg/rattle/codec"
	"github.com/AutoMQ/rattle/pkg/rattle/codec/kind"
	"github.com/AutoMQ/rattle/pkg/rattle/router"
	"github.com/AutoMQ/rattle/pkg/rattle/stream"
	"github.com/AutoMQ/rattle/pkg/rattle/transport"
	"github.com/AutoMQ/rattle/pkg/util/logutil"
)

type dialResult struct {
	gen uint64
	tc  transport.Conn
	err error
}

type frameReadResult struct {
	gen uint64
	m   transport.Message
	err error
}

// frameWriteResult is the message passed from writeFrameAsync to the serve goroutine.
type frameWriteResult struct {
	gen uint64
	wr  writeRequest // what was written (or attempted)
	err error        // result of the WriteMessage call
}

// serve is the loop owning the connection state. tc is the transport of an accepted connection.
func (c *Connection) serve(tc transport.Conn) {
	logger := c.lg
	defer logutil.LogPanic(logger)
	defer c.close()

	if tc != nil {
		c.opened(tc)
	}

	var retryTimer *time.Timer
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	for {
		select {
		case f := <-c.cmdCh:
			f()
		case res := <-c.dialedCh:
			c.dialed(res)
		case res := <-c.readCh:
			// Process any written frames before reading new frames, a write may have failed and
			// closed the transport the read error comes from.
			if c.writing {
				select {
				case wroteRes := <-c.wroteCh:
					c.wroteFrame(wroteRes)
				default:
				}
			}
			c.processFrameFromReader(res)
		case res := <-c.wroteCh:
			c.wroteFrame(res)
		case gen := <-c.retryCh:
			c.retryFrame(gen)
		case <-c.stopCh:
			logger.Info("stop connection")
			return
		}

		if c.accepted && c.state == Disconnected {
			logger.Info("accepted transport closed, stop connection")
			return
		}
		// arm the retry timer outside of the handlers above so that at most one is pending
		if c.retrying != nil && retryTimer == nil {
			d := c.retryBackoff.Duration()
			gen := c.gen
			logger.Debug("transport pushed back, retry write", zap.Duration("after", d), zap.Float64("attempt", c.retryBackoff.Attempt()))
			retryTimer = time.AfterFunc(d, func() {
				select {
				case c.retryCh <- gen:
				case <-c.doneCh:
				}
			})
		} else if c.retrying == nil && retryTimer != nil {
			retryTimer.Stop()
			retryTimer = nil
		}
	}
}

func (c *Connection) setState(s State) {
	if c.state != s {
		c.lg.Debug("connection state changed", zap.Stringer("from", c.state), zap.Stringer("to", s))
	}
	c.state = s
	c.stateValue.Store(int32(s))
}

// connect opens a new transport unless there is one already
func (c *Connection) connect() {
	switch c.state {
	case Open, Connecting:
		return
	case Closing:
		if c.accepted {
			c.report(errors.WithMessage(ErrTransportUnavailable, "accepted connection cannot redial"))
			return
		}
		c.reconnect = true
		return
	}
	if c.accepted {
		c.report(errors.WithMessage(ErrTransportUnavailable, "accepted connection cannot redial"))
		return
	}
	c.gen++
	c.setState(Connecting)

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.opts.connectTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.opts.connectTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	c.cancelDial = cancel
	gen := c.gen
	c.lg.Info("start to connect", zap.Uint64("generation", gen))
	go func() {
		tc, err := c.dialer.Dial(ctx, c.addr)
		select {
		case c.dialedCh <- dialResult{gen: gen, tc: tc, err: err}:
		case <-c.doneCh:
			if tc != nil {
				_ = tc.Close()
			}
		}
	}()
}

func (c *Connection) dialed(res dialResult) {
	if res.gen != c.gen || c.state != Connecting {
		if res.tc != nil {
			_ = res.tc.Close()
		}
		return
	}
	c.cancelDial()
	c.cancelDial = nil
	if res.err != nil {
		c.lg.Warn("failed to connect", zap.Error(res.err))
		c.closed(errors.WithMessage(res.err, "dial"))
		return
	}
	c.opened(res.tc)
}

func (c *Connection) opened(tc transport.Conn) {
	c.tc = tc
	c.setState(Open)
	c.lg.Info("connection open", zap.String("remote", tc.RemoteAddr()))
	go c.readFrames(c.gen, tc) // exits once tc is closed
	c.emit(Event{Name: EventOpen})
	c.scheduleFrameWrite()
}

// disconnect requests the transport to close. The state settles in closed.
func (c *Connection) disconnect() {
	if c.state != Open {
		return
	}
	c.setState(Closing)
	c.lg.Info("start to disconnect")
	if err := c.tc.Close(); err != nil {
		c.lg.Warn("failed to close transport", zap.Error(err))
	}
}

// closed is called once the current transport is gone, or failed to open.
// cause is nil for a requested close.
func (c *Connection) closed(cause error) {
	if c.tc != nil {
		_ = c.tc.Close()
		c.tc = nil
	}
	// in-flight reads and writes belong to the old transport from now on
	c.gen++
	c.writing = false
	if c.retrying != nil {
		c.retrying.m.Release()
		c.retrying = nil
	}
	c.retryBackoff.Reset()
	c.receiver.Reset()

	if dropped := c.wScheduler.Reset(); dropped > 0 {
		c.report(errors.WithMessagef(ErrTransportUnavailable, "%d queued frames dropped", dropped))
	}
	if c.session != nil {
		c.lg.Warn("abandon stream", zap.String("stream", c.session.String()))
		c.session.Abort()
		c.session = nil
		c.report(errors.WithMessage(ErrTransportUnavailable, "stream abandoned"))
	}

	c.setState(Disconnected)
	c.lg.Info("connection closed", zap.NamedError("cause", cause))
	c.emit(Event{Name: EventClose, Err: cause})

	if c.reconnect {
		c.reconnect = false
		c.lg.Info("reconnect requested while closing")
		held, s := c.held, c.heldSession
		c.held, c.heldSession = nil, nil
		for _, wr := range held {
			c.enqueue(wr)
		}
		if s != nil {
			c.startSession(s)
		}
		c.connect()
	}
}

// dropHeld releases everything waiting for a reconnect
func (c *Connection) dropHeld() {
	c.reconnect = false
	for _, wr := range c.held {
		wr.m.Release()
	}
	if len(c.held) > 0 {
		c.report(errors.WithMessagef(ErrTransportUnavailable, "%d held frames dropped", len(c.held)))
	}
	c.held = nil
	if c.heldSession != nil {
		c.heldSession.Abort()
		c.heldSession = nil
		c.report(errors.WithMessage(ErrTransportUnavailable, "held stream dropped"))
	}
}

// close runs once the serve loop ends
func (c *Connection) close() {
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.dropHeld()
	if c.state != Disconnected {
		c.closed(nil)
	}
	close(c.doneCh)
	c.deliverer.stop()
}

// readFrames is the loop that reads incoming frames.
// It runs on its own goroutine.
func (c *Connection) readFrames(gen uint64, tc transport.Conn) {
	for {
		m, err := tc.ReadMessage()
		select {
		case c.readCh <- frameReadResult{gen: gen, m: m, err: err}:
		case <-c.doneCh:
			m.Release()
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Connection) processFrameFromReader(res frameReadResult) {
	if res.gen != c.gen {
		res.m.Release()
		return
	}
	if res.err != nil {
		if c.state == Closing {
			c.closed(nil)
			return
		}
		c.closed(errors.WithMessage(res.err, "read"))
		return
	}
	defer res.m.Release()

	logger := c.lg
	if logger.Core().Enabled(zapcore.DebugLevel) {
		logger.Debug("read frame", zap.String("frame", transport.Summarize(res.m)))
	}
	e, err := codec.Decode(res.m)
	if err != nil {
		var decodeErr *codec.DecodeError
		if !errors.As(err, &decodeErr) || e.Route == "" {
			c.report(err)
			return
		}
		// forward what could be recovered
		c.report(errors.WithMessagef(err, "deliver %q with raw payload", e.Route))
		c.deliver(&e, codec.RawPayload(decodeErr.Raw), nil)
		return
	}

	switch e.Kind {
	case kind.Data():
		c.deliver(&e, e.Payload(), nil)
	case kind.StreamStart():
		abandoned, err := c.receiver.Start(e)
		if abandoned {
			c.report(errors.New("connection: inbound stream abandoned by a new stream start"))
		}
		if err != nil {
			c.report(err)
			return
		}
		logger.Debug("inbound stream started", zap.String("route", e.Route), zap.String("name", e.Meta.Name),
			zap.String("size", sizestr.ToString(e.Meta.Size)))
	case kind.StreamChunk():
		if err := c.receiver.Chunk(e.Chunk); err != nil {
			c.report(err)
		}
	case kind.StreamFinish():
		rec, err := c.receiver.Finish()
		if err != nil {
			c.report(err)
			return
		}
		logger.Debug("inbound stream finished", zap.String("route", rec.Route), zap.String("name", rec.Name),
			zap.String("size", sizestr.ToString(rec.Size)))
		e.Route = rec.Route
		e.Origin = rec.Origin
		c.deliver(&e, codec.StructuredPayload(rec.Meta), rec)
	}
}

// deliver hands an inbound call to the message handler, or to the router when there is none
func (c *Connection) deliver(e *codec.Envelope, p codec.Payload, file *stream.Received) {
	ev := Event{Name: EventMessage, Envelope: e, Payload: p, File: file}
	c.deliverer.push(func() {
		if h := c.handler(EventMessage); h != nil {
			defer logutil.ReportPanic(c.report, "%s handler", EventMessage)
			h(ev)
			return
		}
		if c.opts.router == nil {
			c.report(errors.Errorf("connection: no handler for inbound call %q", e.Route))
			return
		}
		err := c.opts.router.Route(context.Background(), router.Inbound{
			Route:   e.Route,
			Origin:  e.Origin,
			Payload: p,
			File:    file,
			Peer:    c,
		})
		if err != nil {
			c.report(err)
		}
	})
}

// enqueue schedules a control frame, connecting first when Disconnected.
// While Closing the frame is held for the transport opened after the close.
func (c *Connection) enqueue(wr writeRequest) {
	if c.state == Closing && !c.accepted {
		c.held = append(c.held, wr)
		c.reconnect = true
		return
	}
	if c.state == Disconnected {
		c.connect()
		if c.state == Disconnected {
			wr.m.Release()
			c.report(errors.WithMessage(ErrTransportUnavailable, "frame dropped"))
			return
		}
	}
	c.wScheduler.Push(wr)
	c.scheduleFrameWrite()
}

func (c *Connection) startSession(s *stream.Session) {
	// the active stream of a closing transport is about to be abandoned
	if c.state == Closing && !c.accepted {
		if c.heldSession != nil {
			c.report(errors.WithMessagef(ErrStreamBusy, "send file to %q", s.Route()))
			return
		}
		c.heldSession = s
		c.reconnect = true
		return
	}
	if c.session != nil {
		c.report(errors.WithMessagef(ErrStreamBusy, "send file to %q", s.Route()))
		return
	}
	if c.state == Disconnected {
		c.connect()
		if c.state == Disconnected {
			c.report(errors.WithMessage(ErrTransportUnavailable, "stream dropped"))
			return
		}
	}
	c.session = s
	c.lg.Info("start stream", zap.String("stream", s.String()))
	c.scheduleFrameWrite()
}

// scheduleFrameWrite starts writing the next frame, if the transport is open and idle.
func (c *Connection) scheduleFrameWrite() {
	if c.state != Open || c.writing || c.retrying != nil {
		return
	}
	if wr, ok := c.wScheduler.Pop(); ok {
		c.startFrameWrite(wr)
		return
	}
	if c.session == nil {
		return
	}
	step, err := c.session.Next()
	if err != nil {
		// the session aborts itself when a payload cannot be read
		c.report(err)
		c.session = nil
		return
	}
	m, err := codec.Encode(step.Envelope)
	if err != nil {
		c.report(err)
		c.session.Abort()
		c.session = nil
		return
	}
	c.startFrameWrite(writeRequest{m: m, step: step})
}

// startFrameWrite writes wr on its own goroutine since that might block on the network.
func (c *Connection) startFrameWrite(wr writeRequest) {
	if c.writing {
		panic("internal error: can only be writing one frame at a time")
	}
	c.writing = true
	go c.writeFrameAsync(c.gen, c.tc, wr)
}

// writeFrameAsync runs in its own goroutine and writes a single frame
// and then reports when it's done.
func (c *Connection) writeFrameAsync(gen uint64, tc transport.Conn, wr writeRequest) {
	err := tc.WriteMessage(wr.m)
	select {
	case c.wroteCh <- frameWriteResult{gen: gen, wr: wr, err: err}:
	case <-c.doneCh:
	}
}

// wroteFrame is called on the serve goroutine with the result of writing a frame.
func (c *Connection) wroteFrame(res frameWriteResult) {
	if res.gen != c.gen {
		// the transport was replaced, closed already dropped everything
		return
	}
	c.writing = false
	wr := res.wr

	if res.err != nil {
		if transport.IsTemporary(res.err) {
			c.retrying = &wr
			return
		}
		wr.m.Release()
		if c.state == Closing {
			c.closed(nil)
			return
		}
		c.report(errors.WithMessage(res.err, "write frame"))
		c.closed(errors.WithMessage(res.err, "write"))
		return
	}

	c.retryBackoff.Reset()
	if c.lg.Core().Enabled(zapcore.DebugLevel) {
		c.lg.Debug("wrote frame", zap.String("frame", transport.Summarize(wr.m)))
	}
	if wr.step != nil && c.session != nil {
		c.session.Commit(wr.step)
		if c.session.Done() {
			c.lg.Info("stream finished", zap.String("stream", c.session.String()))
			c.session = nil
		}
	}
	wr.m.Release()
	c.scheduleFrameWrite()
}

// retryFrame re-attempts the frame the transport pushed back
func (c *Connection) retryFrame(gen uint64) {
	if gen != c.gen || c.retrying == nil {
		return
	}
	wr := *c.retrying
	c.retrying = nil
	if c.state != Open {
		wr.m.Release()
		return
	}
	c.startFrameWrite(wr)
}
