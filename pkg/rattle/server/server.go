// Package server accepts rattle transports and keeps one Connection per peer.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/AutoMQ/rattle/pkg/rattle/connection"
	"github.com/AutoMQ/rattle/pkg/rattle/router"
	"github.com/AutoMQ/rattle/pkg/rattle/transport"
	"github.com/AutoMQ/rattle/pkg/rattle/transport/tcp"
	"github.com/AutoMQ/rattle/pkg/rattle/transport/websocket"
)

// ErrServerClosed is returned by the Server's Serve methods after a call to Shutdown.
var ErrServerClosed = errors.New("rattle: server closed")

// Listener accepts transports
type Listener interface {
	Accept() (transport.Conn, error)
	Close() error
	Addr() string
}

// Option configures a Server
type Option func(*Server)

// WithConnOptions applies opts to every accepted connection
func WithConnOptions(opts ...connection.Option) Option {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// WithOnConnect calls f for every accepted connection
func WithOnConnect(f func(*connection.Connection)) Option {
	return func(s *Server) {
		s.onConnect = f
	}
}

// WithOnDisconnect calls f once an accepted connection has ended
func WithOnDisconnect(f func(*connection.Connection)) Option {
	return func(s *Server) {
		s.onDisconnect = f
	}
}

// WithAllowedOrigins restricts the origins of websocket upgrade requests
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithWriteTimeout bounds each frame write on accepted transports
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// Server is a rattle server
type Server struct {
	router         *router.Router
	connOpts       []connection.Option
	onConnect      func(*connection.Connection)
	onDisconnect   func(*connection.Connection)
	allowedOrigins []string
	writeTimeout   time.Duration

	shuttingDown atomic.Bool

	ctx context.Context
	lg  *zap.Logger

	mu          sync.Mutex
	listeners   map[*Listener]struct{}
	activeConns map[*connection.Connection]struct{}
	doneChan    chan struct{}

	listenerGroup sync.WaitGroup
	connGroup     sync.WaitGroup
}

// NewServer creates a server serving inbound calls with r
func NewServer(ctx context.Context, r *router.Router, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		ctx:    ctx,
		router: r,
		lg:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts TCP connections on l and serves each over the framed tcp transport.
//
// Serve always returns a non-nil error and closes l.
// After Shutdown, the returned error is ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	return s.ServeListener(&tcpListener{Listener: l, writeTimeout: s.writeTimeout, lg: s.lg})
}

// ServeListener accepts transports from l, creating a Connection for each.
//
// ServeListener always returns a non-nil error and closes l.
// After Shutdown, the returned error is ErrServerClosed.
func (s *Server) ServeListener(l Listener) error {
	l = &onceCloseListener{Listener: l}
	defer func() { _ = l.Close() }()

	if !s.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer s.trackListener(&l, false)

	logger := s.lg
	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		tc, err := l.Accept()
		if err != nil {
			select {
			case <-s.getDoneChan():
				return ErrServerClosed
			case <-s.ctx.Done():
				return ErrServerClosed
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				logger.Error("listener accept failed", zap.Duration("retry-in", tempDelay), zap.Error(err))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		s.ServeConn(tc)
	}
}

// Handler returns an http.Handler upgrading requests to websocket transports
func (s *Server) Handler() http.Handler {
	return websocket.NewAcceptor(func(tc transport.Conn) { s.ServeConn(tc) }, s.allowedOrigins, s.writeTimeout, s.lg)
}

// ServeConn serves a transport opened by a peer. It returns nil, and closes tc, once the server
// is shutting down.
func (s *Server) ServeConn(tc transport.Conn) *connection.Connection {
	if s.isShuttingDown() {
		_ = tc.Close()
		return nil
	}

	opts := make([]connection.Option, 0, len(s.connOpts)+2)
	opts = append(opts, connection.WithLogger(s.lg), connection.WithRouter(s.router))
	opts = append(opts, s.connOpts...)
	c := connection.Accept(tc, opts...)

	s.trackConn(c, true)
	if s.isShuttingDown() {
		// raced with Shutdown, which may have missed c
		go c.Close()
	}
	if s.onConnect != nil {
		s.onConnect(c)
	}
	go func() {
		<-c.Done()
		c.Close()
		if s.onDisconnect != nil {
			s.onDisconnect(c)
		}
		s.trackConn(c, false)
	}()
	return c
}

// Broadcast calls route with payload on every connected peer
func (s *Server) Broadcast(route string, payload any) {
	for _, c := range s.Conns() {
		c.Send(route, payload)
	}
}

// Conns returns the connected peers
func (s *Server) Conns() []*connection.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*connection.Connection, 0, len(s.activeConns))
	for c := range s.activeConns {
		conns = append(conns, c)
	}
	return conns
}

// Shutdown closes all listeners, then every connection.
// If ctx expires before every connection has ended, Shutdown returns the context's error,
// otherwise it returns the errors of closing the listeners.
//
// Once Shutdown has been called on a server, it may not be reused;
// future calls to methods such as Serve will return ErrServerClosed.
func (s *Server) Shutdown(ctx context.Context) error {
	logger := s.lg
	if s.shuttingDown.Swap(true) {
		logger.Warn("server is already shutting down")
		return nil
	}

	logger.Info("start to close rattle server")
	s.mu.Lock()
	// close listeners
	err := s.closeListenersLocked()
	// notify server to break serve loop
	s.closeDoneChanLocked()
	s.mu.Unlock()
	s.listenerGroup.Wait()

	for _, c := range s.Conns() {
		go c.Close()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.connGroup.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}

	logger.Info("rattle server closed", zap.Error(err))
	return err
}

// trackListener adds or removes a Listener to the set of tracked listeners.
// It reports whether the server is still up.
func (s *Server) trackListener(ln *Listener, add bool) bool {
	logger := s.lg
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[*Listener]struct{})
	}
	if add {
		if s.isShuttingDown() {
			return false
		}
		logger.Info("add listener", zap.String("addr", (*ln).Addr()))
		s.listeners[ln] = struct{}{}
		s.listenerGroup.Add(1)
	} else {
		logger.Info("delete listener", zap.String("addr", (*ln).Addr()))
		delete(s.listeners, ln)
		s.listenerGroup.Done()
	}
	return true
}

func (s *Server) isShuttingDown() bool {
	return s.shuttingDown.Load()
}

func (s *Server) trackConn(c *connection.Connection, add bool) {
	logger := s.lg
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeConns == nil {
		s.activeConns = make(map[*connection.Connection]struct{})
	}
	if add {
		logger.Info("add conn", zap.String("conn-id", c.ID()), zap.String("addr", c.Addr()))
		s.activeConns[c] = struct{}{}
		s.connGroup.Add(1)
	} else {
		logger.Info("delete conn", zap.String("conn-id", c.ID()), zap.String("addr", c.Addr()))
		delete(s.activeConns, c)
		s.connGroup.Done()
	}
}

func (s *Server) getDoneChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDoneChanLocked()
}

func (s *Server) getDoneChanLocked() chan struct{} {
	if s.doneChan == nil {
		s.doneChan = make(chan struct{})
	}
	return s.doneChan
}

func (s *Server) closeDoneChanLocked() {
	ch := s.getDoneChanLocked()
	select {
	case <-ch:
		// Already closed. Don't close again.
	default:
		// Safe to close here. We're the only closer, guarded
		// by s.mu.
		close(ch)
	}
}

func (s *Server) closeListenersLocked() error {
	var err error
	for ln := range s.listeners {
		err = multierr.Append(err, (*ln).Close())
	}
	return err
}

// onceCloseListener wraps a Listener, protecting it from
// multiple Close calls.
type onceCloseListener struct {
	Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(oc.close)
	return oc.closeErr
}

func (oc *onceCloseListener) close() {
	oc.closeErr = oc.Listener.Close()
}

// tcpListener serves the framed tcp transport over a net.Listener
type tcpListener struct {
	net.Listener
	writeTimeout time.Duration
	lg           *zap.Logger
}

func (l *tcpListener) Accept() (transport.Conn, error) {
	rwc, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return tcp.NewConn(rwc, l.writeTimeout, l.lg), nil
}

func (l *tcpListener) Addr() string {
	return tcp.Scheme + l.Listener.Addr().String()
}
