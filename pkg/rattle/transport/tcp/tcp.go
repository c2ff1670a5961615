// Package tcp carries rattle messages over a plain TCP stream using a length-prefixed framer.
package tcp

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/rattle/pkg/rattle/transport"
)

// Scheme is the optional address prefix accepted by Dialer
const Scheme = "tcp://"

// conn is a transport.Conn on top of a net.Conn
type conn struct {
	rwc net.Conn
	fr  *Framer

	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established net.Conn.
// If writeTimeout is positive, each write must complete within it.
func NewConn(rwc net.Conn, writeTimeout time.Duration, logger *zap.Logger) transport.Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("remote-addr", rwc.RemoteAddr().String()))
	return &conn{
		rwc:          rwc,
		fr:           NewFramer(bufio.NewWriter(rwc), bufio.NewReader(rwc), logger),
		writeTimeout: writeTimeout,
	}
}

func (c *conn) ReadMessage() (transport.Message, error) {
	return c.fr.ReadFrame()
}

func (c *conn) WriteMessage(m transport.Message) error {
	if c.writeTimeout > 0 {
		if err := c.rwc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
	}
	if err := c.fr.WriteFrame(m); err != nil {
		return err
	}
	return errors.Wrap(c.fr.Flush(), "flush frame")
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.rwc.Close() })
	return c.closeErr
}

func (c *conn) RemoteAddr() string {
	return c.rwc.RemoteAddr().String()
}

// Dialer dials TCP transports
type Dialer struct {
	// KeepAlive specifies the interval between keep-alive probes. Zero uses the net.Dialer default.
	KeepAlive time.Duration
	// WriteTimeout bounds each frame write. Zero means no deadline.
	WriteTimeout time.Duration

	Logger *zap.Logger
}

// Dial implements transport.Dialer. addr is "host:port", optionally prefixed with "tcp://".
func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	addr = strings.TrimPrefix(addr, Scheme)
	nd := net.Dialer{KeepAlive: d.KeepAlive}
	rwc, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return NewConn(rwc, d.WriteTimeout, d.Logger), nil
}
