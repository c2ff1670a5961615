package connection

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/AutoMQ/rattle/pkg/rattle/codec"
	"github.com/AutoMQ/rattle/pkg/rattle/codec/kind"
	"github.com/AutoMQ/rattle/pkg/rattle/dispatch"
	"github.com/AutoMQ/rattle/pkg/rattle/router"
	"github.com/AutoMQ/rattle/pkg/rattle/stream"
	"github.com/AutoMQ/rattle/pkg/rattle/target"
	"github.com/AutoMQ/rattle/pkg/rattle/transport"
	"github.com/AutoMQ/rattle/pkg/rattle/transport/memory"
)

const (
	_addr    = "rattle"
	_timeout = 5 * time.Second
	_tick    = time.Millisecond
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingDialer struct {
	transport.Dialer
	failFirst int32
	dials     atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	if n := d.dials.Add(1); n <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	return d.Dialer.Dial(ctx, addr)
}

// gatedConn finishes closing only once gate is closed
type gatedConn struct {
	transport.Conn
	gate <-chan struct{}
}

func (c *gatedConn) Close() error {
	go func() {
		<-c.gate
		_ = c.Conn.Close()
	}()
	return nil
}

type gatedDialer struct {
	transport.Dialer
	gate chan struct{}
}

func (d *gatedDialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	tc, err := d.Dialer.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &gatedConn{Conn: tc, gate: d.gate}, nil
}

// barrier waits until the serve loop has run every call issued before
func barrier(c *Connection) {
	done := make(chan struct{})
	c.exec(func() { close(done) })
	<-done
}

type diagnostics struct {
	mu   sync.Mutex
	errs []error
}

func (d *diagnostics) add(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func (d *diagnostics) has(target error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, err := range d.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func newNetwork(re *require.Assertions, capacity int) (*memory.Network, *memory.Listener) {
	n := memory.NewNetwork(capacity)
	l, err := n.Listen(_addr)
	re.NoError(err)
	return n, l
}

func accept(re *require.Assertions, l *memory.Listener) transport.Conn {
	tc, err := l.Accept()
	re.NoError(err)
	return tc
}

func readEnvelope(re *require.Assertions, tc transport.Conn) codec.Envelope {
	m, err := tc.ReadMessage()
	re.NoError(err)
	e, err := codec.Decode(m)
	re.NoError(err)
	return e
}

func waitState(re *require.Assertions, c *Connection, s State) {
	re.Eventually(func() bool { return c.State() == s }, _timeout, _tick, "want state %s", s)
}

func TestSendConnectsImplicitly(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	n, l := newNetwork(re, 0)
	defer l.Close()
	dialer := &countingDialer{Dialer: n, failFirst: 1}

	closedCh := make(chan Event, 1)
	c := New(_addr, dialer, WithHandler(EventClose, func(e Event) { closedCh <- e }))
	defer c.Close()

	ev := <-closedCh
	re.Error(ev.Err)
	waitState(re, c, Disconnected)
	re.Equal(int32(1), dialer.dials.Load())

	c.Send("Main.Timer", nil)
	server := accept(re, l)
	defer server.Close()

	e := readEnvelope(re, server)
	re.Equal(kind.Data(), e.Kind)
	re.Equal("Main.Timer", e.Route)
	re.Nil(e.Data)
	re.Equal(int32(2), dialer.dials.Load())
	waitState(re, c, Open)
}

func TestSendMissingRoute(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	n, l := newNetwork(re, 0)
	defer l.Close()
	diag := &diagnostics{}
	c := New(_addr, n, WithDiagnostics(diag.add), WithOrigin("client"))
	defer c.Close()
	server := accept(re, l)
	defer server.Close()

	c.Send("", map[string]string{"a": "b"})
	c.SendFile("", []stream.File{stream.Bytes("a", []byte("a"))}, nil)
	c.Send("main.json", map[string]string{"a": "b"})

	e := readEnvelope(re, server)
	re.Equal("main.json", e.Route)
	re.Equal("client", e.Origin)
	re.JSONEq(`{"a":"b"}`, string(e.Data))
	re.Eventually(func() bool { return diag.has(ErrMissingRoute) }, _timeout, _tick)
}

func TestSendLegacyOutbound(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	n, l := newNetwork(re, 0)
	defer l.Close()
	c := New(_addr, n, WithLegacyOutbound())
	defer c.Close()
	server := accept(re, l)
	defer server.Close()

	c.Send("=#result", "42")
	m, err := server.ReadMessage()
	re.NoError(err)
	re.Equal("=#result \"42\"\n", string(m.Payload))
}

func TestSendFileChunks(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	n, l := newNetwork(re, 0)
	defer l.Close()
	c := New(_addr, n)
	defer c.Close()
	server := accept(re, l)
	defer server.Close()

	payload := make([]byte, 2_500_000)
	for i := range payload {
		payload[i] = byte(i % 253)
	}
	c.SendFile("upload", []stream.File{stream.Bytes("big.bin", payload)}, map[string]string{"key": "data"})

	start := readEnvelope(re, server)
	re.Equal(kind.StreamStart(), start.Kind)
	re.Equal("upload", start.Route)
	re.Equal(&codec.StreamMeta{Name: "big.bin", Size: 2_500_000, ChunkSize: DefaultChunkSize}, start.Meta)
	re.JSONEq(`{"key":"data"}`, string(start.UserMeta))

	var got []byte
	for _, size := range []int{1048576, 1048576, 402848} {
		e := readEnvelope(re, server)
		re.Equal(kind.StreamChunk(), e.Kind)
		re.Len(e.Chunk, size)
		got = append(got, e.Chunk...)
	}
	re.Equal(payload, got)
	re.Equal(kind.StreamFinish(), readEnvelope(re, server).Kind)
}

func TestBackpressureRetry(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	n, l := newNetwork(re, 1)
	defer l.Close()
	core, logs := observer.New(zap.DebugLevel)
	c := New(_addr, n, WithRetryBackoff(time.Millisecond, 5*time.Millisecond), WithLogger(zap.New(core)))
	defer c.Close()
	server := accept(re, l)
	defer server.Close()

	for i := 0; i < 5; i++ {
		c.Send("main.count", i)
	}
	re.Eventually(func() bool {
		return logs.FilterMessage("transport pushed back, retry write").Len() > 0
	}, _timeout, _tick)

	for i := 0; i < 5; i++ {
		e := readEnvelope(re, server)
		var got int
		re.NoError(e.Payload().Decode(&got))
		re.Equal(i, got)
	}
}

func TestDisconnectAbandonsStream(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	n, l := newNetwork(re, 3)
	defer l.Close()
	core, logs := observer.New(zap.DebugLevel)
	diag := &diagnostics{}
	c := New(_addr, n,
		WithChunkSize(4),
		WithRetryBackoff(time.Millisecond, 2*time.Millisecond),
		WithLogger(zap.New(core)),
		WithDiagnostics(diag.add),
	)
	defer c.Close()
	server := accept(re, l)

	file := stream.Bytes("e.bin", []byte("0123456789abcdefghij"))
	c.SendFile("upload", []stream.File{file}, nil)

	// start and two chunks fill the pipe, the third chunk is pushed back
	re.Eventually(func() bool {
		return logs.FilterMessage("transport pushed back, retry write").Len() > 0
	}, _timeout, _tick)
	c.Disconnect()
	waitState(re, c, Disconnected)
	re.Eventually(func() bool { return diag.has(ErrTransportUnavailable) }, _timeout, _tick)

	re.Equal(kind.StreamStart(), readEnvelope(re, server).Kind)
	re.Equal([]byte("0123"), readEnvelope(re, server).Chunk)
	re.Equal([]byte("4567"), readEnvelope(re, server).Chunk)
	_, err := server.ReadMessage()
	re.ErrorIs(err, transport.ErrClosed)

	c.Connect()
	server = accept(re, l)
	defer server.Close()
	c.SendFile("upload", []stream.File{file}, nil)

	re.Equal(kind.StreamStart(), readEnvelope(re, server).Kind)
	for _, want := range []string{"0123", "4567", "89ab", "cdef", "ghij"} {
		re.Equal([]byte(want), readEnvelope(re, server).Chunk)
	}
	re.Equal(kind.StreamFinish(), readEnvelope(re, server).Kind)
}

func TestConnectWhileClosing(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	n, l := newNetwork(re, 0)
	defer l.Close()
	gate := make(chan struct{})
	dialer := &countingDialer{Dialer: &gatedDialer{Dialer: n, gate: gate}}
	c := New(_addr, dialer)
	defer c.Close()
	first := accept(re, l)
	defer first.Close()
	waitState(re, c, Open)

	c.Disconnect()
	c.Connect()
	c.Send("main.index", nil)
	c.SendFile("upload", []stream.File{stream.Bytes("e.bin", []byte("0123"))}, nil)
	barrier(c)
	re.Equal(Closing, c.State())
	re.Equal(int32(1), dialer.dials.Load())

	close(gate)
	_, err := first.ReadMessage()
	re.ErrorIs(err, transport.ErrClosed)

	second := accept(re, l)
	defer second.Close()
	e := readEnvelope(re, second)
	re.Equal(kind.Data(), e.Kind)
	re.Equal("main.index", e.Route)
	start := readEnvelope(re, second)
	re.Equal(kind.StreamStart(), start.Kind)
	re.Equal("e.bin", start.Meta.Name)
	re.Equal([]byte("0123"), readEnvelope(re, second).Chunk)
	re.Equal(kind.StreamFinish(), readEnvelope(re, second).Kind)
	waitState(re, c, Open)
	re.Equal(int32(2), dialer.dials.Load())
}

func TestCloseDropsHeldFrames(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	n, l := newNetwork(re, 0)
	defer l.Close()
	gate := make(chan struct{})
	defer close(gate)
	diag := &diagnostics{}
	c := New(_addr, &gatedDialer{Dialer: n, gate: gate}, WithDiagnostics(diag.add))
	first := accept(re, l)
	defer first.Close()
	waitState(re, c, Open)

	c.Disconnect()
	c.Send("main.index", nil)
	barrier(c)
	re.Equal(Closing, c.State())

	c.Close()
	re.True(diag.has(ErrTransportUnavailable))
	re.Equal(Disconnected, c.State())
}

func TestSendFileWhileBusy(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	n, l := newNetwork(re, 2)
	defer l.Close()
	diag := &diagnostics{}
	c := New(_addr, n, WithChunkSize(1), WithDiagnostics(diag.add))
	defer c.Close()
	server := accept(re, l)
	defer server.Close()

	c.SendFile("upload", []stream.File{stream.Bytes("a", []byte("abcdef"))}, nil)
	c.SendFile("upload", []stream.File{stream.Bytes("b", []byte("x"))}, nil)
	re.Eventually(func() bool { return diag.has(ErrStreamBusy) }, _timeout, _tick)

	// nothing to send is not an error
	c.SendFile("upload", nil, nil)

	var names []string
	for {
		e := readEnvelope(re, server)
		if e.Kind == kind.StreamStart() {
			names = append(names, e.Meta.Name)
		}
		if e.Kind == kind.StreamFinish() {
			break
		}
	}
	re.Equal([]string{"a"}, names)
}

func TestRoundTripCalls(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	n, l := newNetwork(re, 0)
	defer l.Close()

	table := dispatch.NewTable()
	var calls atomic.Int32
	table.MustRegister("main.index", func(_ context.Context, call *dispatch.Call) error {
		calls.Add(1)
		var in struct {
			Text string `json:"text"`
		}
		if err := call.Payload.Decode(&in); err != nil {
			return err
		}
		call.Peer.Send("=#result", in.Text+"!")
		return nil
	})

	doc := target.NewDocument()
	doc.Add(target.Element{ID: "result"})
	client := New(_addr, n, WithRouter(router.New(nil, doc, nil)))
	defer client.Close()

	server := Accept(accept(re, l), WithRouter(router.New(table, nil, nil)))
	defer server.Close()
	re.Equal(Open, server.State())

	client.Send("Main.Index", map[string]string{"text": "hi"})
	re.Eventually(func() bool {
		e, _ := doc.Get("result")
		return e.Content == "hi!"
	}, _timeout, _tick)
	re.Equal(int32(1), calls.Load())
}

func TestMessageHandler(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	n, l := newNetwork(re, 0)
	defer l.Close()
	diag := &diagnostics{}
	events := make(chan Event, 4)
	c := New(_addr, n, WithDiagnostics(diag.add))
	defer c.Close()
	c.On(EventMessage, func(e Event) { events <- e })
	server := accept(re, l)
	defer server.Close()

	re.NoError(server.WriteMessage(transport.NewMessage(transport.TextMessage, []byte("main.raw not json\n"))))
	ev := <-events
	re.Equal(EventMessage, ev.Name)
	re.Equal("main.raw", ev.Envelope.Route)
	re.False(ev.Payload.Structured)
	re.Equal("not json", ev.Payload.String())
	re.Eventually(func() bool { return diag.has(codec.ErrMalformedFrame) }, _timeout, _tick)

	m, err := codec.Encode(codec.Envelope{Kind: kind.Data(), Route: "main.json", Data: json.RawMessage(`[1,2]`)})
	re.NoError(err)
	re.NoError(server.WriteMessage(m))
	ev = <-events
	re.True(ev.Payload.Structured)
	re.Equal(`[1,2]`, ev.Payload.String())
}

func TestInboundStream(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	n, l := newNetwork(re, 0)
	defer l.Close()

	files := make(chan *stream.Received, 2)
	table := dispatch.NewTable()
	table.MustRegister("main.file", func(_ context.Context, call *dispatch.Call) error {
		var meta map[string]string
		if err := call.Payload.Decode(&meta); err != nil {
			return err
		}
		if meta["key"] != "data" {
			return errors.New("unexpected meta")
		}
		files <- call.File
		return nil
	})

	client := New(_addr, n, WithChunkSize(3))
	defer client.Close()
	server := Accept(accept(re, l), WithRouter(router.New(table, nil, nil)), WithMaxStreamSize(1024))
	defer server.Close()

	client.SendFile("main.file", []stream.File{
		stream.Bytes("one.txt", []byte("first file")),
		stream.Bytes("two.txt", []byte("second")),
	}, map[string]string{"key": "data"})

	first, second := <-files, <-files
	re.Equal("one.txt", first.Name)
	re.Equal([]byte("first file"), first.Data)
	re.Equal("two.txt", second.Name)
	re.Equal([]byte("second"), second.Data)
}

func TestInboundStreamLimit(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		size    int64
		wantErr bool
	}{
		{name: "default limit", size: DefaultMaxStreamSize + 1, wantErr: true},
		{name: "within default limit", size: 4},
		{name: "custom limit", opts: []Option{WithMaxStreamSize(2)}, size: 4, wantErr: true},
		{name: "no limit", opts: []Option{WithMaxStreamSize(0)}, size: DefaultMaxStreamSize + 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			a, b := memory.Pipe(0)
			defer a.Close()
			diag := &diagnostics{}
			c := Accept(b, append(tt.opts, WithDiagnostics(diag.add))...)
			defer c.Close()

			m, err := codec.Encode(codec.Envelope{
				Kind:  kind.StreamStart(),
				Route: "main.file",
				Meta:  &codec.StreamMeta{Name: "big.bin", Size: tt.size, ChunkSize: 4},
			})
			re.NoError(err)
			re.NoError(a.WriteMessage(m))
			m, err = codec.Encode(codec.Envelope{Kind: kind.StreamFinish()})
			re.NoError(err)
			re.NoError(a.WriteMessage(m))

			// the finish is short for an accepted stream and unexpected for a rejected one
			re.Eventually(func() bool {
				return diag.has(stream.ErrShortStream) || diag.has(stream.ErrUnexpectedChunk)
			}, _timeout, _tick)
			re.Equal(tt.wantErr, diag.has(stream.ErrStreamTooLarge))
			re.Equal(tt.wantErr, diag.has(stream.ErrUnexpectedChunk))
		})
	}
}

func TestEvents(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	n, l := newNetwork(re, 0)
	defer l.Close()
	var opened, closed atomic.Int32
	c := New(_addr, n,
		WithHandler(EventOpen, func(Event) { opened.Add(1) }),
		WithHandler(EventClose, func(e Event) {
			if e.Err == nil {
				closed.Add(1)
			}
		}),
	)
	defer c.Close()
	server := accept(re, l)
	defer server.Close()

	waitState(re, c, Open)
	re.Eventually(func() bool { return opened.Load() == 1 }, _timeout, _tick)

	// no-ops outside of their source states
	c.Connect()
	c.Disconnect()
	waitState(re, c, Disconnected)
	c.Disconnect()
	re.Eventually(func() bool { return closed.Load() == 1 }, _timeout, _tick)
	re.Equal(int32(1), opened.Load())
}

func TestAcceptedConnectionEnds(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	a, b := memory.Pipe(0)
	var closed atomic.Bool
	server := Accept(b, WithHandler(EventClose, func(Event) { closed.Store(true) }))
	re.Equal(Open, server.State())

	re.NoError(a.Close())
	select {
	case <-server.Done():
	case <-time.After(_timeout):
		re.FailNow("accepted connection did not end")
	}
	server.Close()
	re.True(closed.Load())
	re.Equal(Disconnected, server.State())

	// calls after the end are reported, not panics
	server.Send("main.index", nil)
	server.Connect()
}

func TestParseEventName(t *testing.T) {
	tests := []struct {
		in      string
		want    EventName
		wantErr bool
	}{
		{in: "open", want: EventOpen},
		{in: "onOpen", want: EventOpen},
		{in: "onConnect", want: EventOpen},
		{in: "close", want: EventClose},
		{in: "onDisconnect", want: EventClose},
		{in: "onClose", want: EventClose},
		{in: "message", want: EventMessage},
		{in: "onMessage", want: EventMessage},
		{in: "onError", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			got, err := ParseEventName(tt.in)
			if tt.wantErr {
				re.Error(err)
				return
			}
			re.NoError(err)
			re.Equal(tt.want, got)
		})
	}
}
