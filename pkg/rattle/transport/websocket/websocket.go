// Package websocket carries rattle messages over gorilla/websocket connections.
//
// Control frames are sent as text messages and stream chunks as binary messages,
// so one websocket message is one rattle frame.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/rattle/pkg/rattle/transport"
)

const (
	// Subprotocol is offered by the Dialer and accepted by the Acceptor
	Subprotocol = "rattle"

	_defaultHandshakeTimeout = 45 * time.Second
	_defaultBufferSize       = 4096
)

type conn struct {
	ws *websocket.Conn

	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established websocket connection.
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) transport.Conn {
	return &conn{ws: ws, writeTimeout: writeTimeout}
}

func (c *conn) ReadMessage() (transport.Message, error) {
	typ, payload, err := c.ws.ReadMessage()
	if err != nil {
		return transport.Message{}, errors.Wrap(err, "read websocket message")
	}
	switch typ {
	case websocket.TextMessage:
		return transport.NewMessage(transport.TextMessage, payload), nil
	case websocket.BinaryMessage:
		return transport.NewMessage(transport.BinaryMessage, payload), nil
	default:
		return transport.Message{}, errors.Errorf("unexpected websocket message type %d", typ)
	}
}

func (c *conn) WriteMessage(m transport.Message) error {
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
	}
	typ := websocket.TextMessage
	if m.Type == transport.BinaryMessage {
		typ = websocket.BinaryMessage
	}
	return errors.Wrap(c.ws.WriteMessage(typ, m.Payload), "write websocket message")
}

// Close sends a close control message on a best-effort basis, then closes the socket.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Dialer dials websocket transports. The zero value is usable.
type Dialer struct {
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
	// WriteTimeout bounds each frame write. Zero means no deadline.
	WriteTimeout time.Duration
	// Header is sent with the opening handshake, e.g. Origin or Host.
	Header http.Header
}

// Dial implements transport.Dialer. addr is a ws:// or wss:// URL.
func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	wd := websocket.Dialer{
		ReadBufferSize:   orDefault(d.ReadBufferSize, _defaultBufferSize),
		WriteBufferSize:  orDefault(d.WriteBufferSize, _defaultBufferSize),
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
		Proxy:            http.ProxyFromEnvironment,
	}
	if wd.HandshakeTimeout == 0 {
		wd.HandshakeTimeout = _defaultHandshakeTimeout
	}
	ws, resp, err := wd.DialContext(ctx, addr, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return NewConn(ws, d.WriteTimeout), nil
}

// Acceptor is an http.Handler upgrading requests to websocket transports
// and handing each of them to Serve.
type Acceptor struct {
	upgrader     websocket.Upgrader
	serve        func(transport.Conn)
	writeTimeout time.Duration

	lg *zap.Logger
}

// NewAcceptor creates an Acceptor. An empty allowedOrigins, or a single "*", accepts every origin.
func NewAcceptor(serve func(transport.Conn), allowedOrigins []string, writeTimeout time.Duration, logger *zap.Logger) *Acceptor {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}
	return &Acceptor{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  _defaultBufferSize,
			WriteBufferSize: _defaultBufferSize,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // non-browser clients
				}
				_, ok := originSet[origin]
				return ok
			},
		},
		serve:        serve,
		writeTimeout: writeTimeout,
		lg:           logger,
	}
}

// ServeHTTP implements http.Handler
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := a.lg.With(zap.String("remote-addr", r.RemoteAddr))
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		logger.Warn("failed to upgrade websocket", zap.Error(err))
		return
	}
	a.serve(NewConn(ws, a.writeTimeout))
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
