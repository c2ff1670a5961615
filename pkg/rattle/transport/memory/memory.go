// Package memory provides an in-process transport made of bounded message pipes.
//
// A write to a full pipe fails with transport.ErrBackpressure instead of blocking,
// which makes it useful to exercise write retries.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/AutoMQ/rattle/pkg/rattle/transport"
)

const _defaultCapacity = 64

var _pipeCounter atomic.Uint64

// conn is one end of a pipe
type conn struct {
	name string

	in  chan transport.Message
	out chan transport.Message

	// shared by both ends
	closeOnce *sync.Once
	closed    chan struct{}
}

// Pipe creates two connected transport ends. Each direction buffers up to capacity messages.
func Pipe(capacity int) (transport.Conn, transport.Conn) {
	if capacity <= 0 {
		capacity = _defaultCapacity
	}
	id := _pipeCounter.Add(1)
	a2b := make(chan transport.Message, capacity)
	b2a := make(chan transport.Message, capacity)
	once := &sync.Once{}
	closed := make(chan struct{})
	a := &conn{name: fmt.Sprintf("pipe-%d-a", id), in: b2a, out: a2b, closeOnce: once, closed: closed}
	b := &conn{name: fmt.Sprintf("pipe-%d-b", id), in: a2b, out: b2a, closeOnce: once, closed: closed}
	return a, b
}

func (c *conn) ReadMessage() (transport.Message, error) {
	// drain what is already buffered before reporting the close
	select {
	case m := <-c.in:
		return m, nil
	default:
	}
	select {
	case m := <-c.in:
		return m, nil
	case <-c.closed:
		return transport.Message{}, transport.ErrClosed
	}
}

func (c *conn) WriteMessage(m transport.Message) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	payload := make([]byte, len(m.Payload))
	copy(payload, m.Payload)
	select {
	case c.out <- transport.NewMessage(m.Type, payload):
		return nil
	default:
		return transport.ErrBackpressure
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *conn) RemoteAddr() string {
	return c.name
}

// Network is an in-process registry of listeners that implements transport.Dialer.
type Network struct {
	// Capacity is the per-direction buffer of pipes created by Dial.
	Capacity int

	mu        sync.Mutex
	listeners map[string]*Listener
}

// NewNetwork creates an empty network
func NewNetwork(capacity int) *Network {
	return &Network{
		Capacity:  capacity,
		listeners: make(map[string]*Listener),
	}
}

// Listen registers a listener at addr.
func (n *Network) Listen(addr string) (*Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, errors.Errorf("memory: address %s already in use", addr)
	}
	l := &Listener{
		addr:   addr,
		net:    n,
		accept: make(chan transport.Conn),
		done:   make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

// Dial implements transport.Dialer. It blocks until the listener accepts or ctx is done.
func (n *Network) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("memory: connection refused: %s", addr)
	}

	client, server := Pipe(n.Capacity)
	select {
	case l.accept <- server:
		return client, nil
	case <-l.done:
		return nil, errors.Errorf("memory: connection refused: %s", addr)
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "dial")
	}
}

func (n *Network) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, addr)
}

// Listener accepts pipes dialed through its Network.
type Listener struct {
	addr   string
	net    *Network
	accept chan transport.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// Accept waits for the next dialed connection.
func (l *Listener) Accept() (transport.Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, transport.ErrClosed
	}
}

// Close stops accepting; pending dials fail.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.net.remove(l.addr)
	})
	return nil
}

// Addr returns the address the listener is registered at
func (l *Listener) Addr() string {
	return l.addr
}
