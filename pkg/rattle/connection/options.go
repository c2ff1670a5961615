package connection

import (
	"time"

	"go.uber.org/zap"

	"github.com/AutoMQ/rattle/pkg/rattle/router"
)

const (
	// DefaultChunkSize is the stream chunk size used unless WithChunkSize says otherwise
	DefaultChunkSize = 1 << 20
	// DefaultMaxStreamSize bounds inbound streams unless WithMaxStreamSize says otherwise
	DefaultMaxStreamSize = 64 << 20

	_defaultRetryMin = 10 * time.Millisecond
	_defaultRetryMax = time.Second
)

type options struct {
	lg             *zap.Logger
	router         *router.Router
	origin         string
	chunkSize      int64
	legacyOutbound bool
	connectTimeout time.Duration
	retryMin       time.Duration
	retryMax       time.Duration
	maxStreamSize  int64
	handlers       map[EventName]EventHandler
	diagnostics    func(error)
}

func defaultOptions() options {
	return options{
		lg:        zap.NewNop(),
		chunkSize:     DefaultChunkSize,
		retryMin:      _defaultRetryMin,
		retryMax:      _defaultRetryMax,
		maxStreamSize: DefaultMaxStreamSize,
		handlers:      make(map[EventName]EventHandler),
	}
}

// Option configures a Connection
type Option func(*options)

// WithLogger sets the logger
func WithLogger(lg *zap.Logger) Option {
	return func(o *options) {
		if lg != nil {
			o.lg = lg
		}
	}
}

// WithRouter serves inbound calls with r when no message handler is registered
func WithRouter(r *router.Router) Option {
	return func(o *options) {
		o.router = r
	}
}

// WithOrigin sets the origin sent with every outbound call
func WithOrigin(origin string) Option {
	return func(o *options) {
		o.origin = origin
	}
}

// WithChunkSize sets the size of outbound stream chunks
func WithChunkSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithLegacyOutbound sends calls in the space-delimited "route payload" form
func WithLegacyOutbound() Option {
	return func(o *options) {
		o.legacyOutbound = true
	}
}

// WithConnectTimeout bounds each dial, 0 means no bound
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = d
	}
}

// WithRetryBackoff sets the delays between attempts to write a frame the transport pushed back
func WithRetryBackoff(min, max time.Duration) Option {
	return func(o *options) {
		if min > 0 {
			o.retryMin = min
		}
		if max >= o.retryMin {
			o.retryMax = max
		}
	}
}

// WithMaxStreamSize rejects inbound streams announcing more than n bytes, 0 means no limit
func WithMaxStreamSize(n int64) Option {
	return func(o *options) {
		o.maxStreamSize = n
	}
}

// WithHandler registers h for event before the connection starts, so it sees the first open event
func WithHandler(event EventName, h EventHandler) Option {
	return func(o *options) {
		o.handlers[event] = h
	}
}

// WithDiagnostics receives every error the connection reports
func WithDiagnostics(f func(error)) Option {
	return func(o *options) {
		o.diagnostics = f
	}
}
