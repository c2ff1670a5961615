// Package dispatch maps dotted, case-insensitive routes to handlers.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"

	"github.com/AutoMQ/rattle/pkg/rattle/codec"
	"github.com/AutoMQ/rattle/pkg/rattle/stream"
	"github.com/AutoMQ/rattle/pkg/util/logutil"
)

var (
	// ErrNotFound is returned when no handler is registered at a path
	ErrNotFound = errors.New("dispatch: handler not found")
	// ErrDuplicateRoute is returned when registering a path twice
	ErrDuplicateRoute = errors.New("dispatch: duplicate route")
	// ErrInvalidPath is returned when registering an empty path or a path with empty segments
	ErrInvalidPath = errors.New("dispatch: invalid path")
)

const _separator = "."

// Sender lets a handler call back into the peer that called it.
type Sender interface {
	// Send is fire-and-forget; failures go to the connection's diagnostics.
	Send(route string, payload any)
}

// Call is one inbound invocation.
type Call struct {
	// Route is the route as sent by the peer
	Route string
	// Path is Route split on "."
	Path    []string
	Origin  string
	Payload codec.Payload
	// File is set when the call completes a streamed upload
	File *stream.Received
	// Peer may be nil when the call did not arrive over a connection
	Peer Sender
}

// Handler serves a Call
type Handler func(ctx context.Context, call *Call) error

// HandlerError wraps a failure raised by a handler.
type HandlerError struct {
	Path  string
	Cause error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("dispatch: handler %s: %s", e.Path, e.Cause)
}

func (e *HandlerError) Unwrap() error {
	return e.Cause
}

type node struct {
	children cmap.ConcurrentMap[string, *node]
	handler  atomic.Pointer[Handler]
}

func newNode() *node {
	return &node{children: cmap.New[*node]()}
}

// Table is a namespace tree of handlers. Every segment is lower-cased both when registering and
// when resolving, so "Main.Timer" and "main.timer" reach the same handler.
//
// A Table is safe for concurrent use and may be shared by many connections.
type Table struct {
	mu   sync.Mutex // serializes Register
	root *node
}

// NewTable returns an empty table
func NewTable() *Table {
	return &Table{root: newNode()}
}

// Register binds h at path, e.g. "main.index".
func (t *Table) Register(path string, h Handler) error {
	if h == nil {
		return errors.Errorf("dispatch: nil handler for %q", path)
	}
	segments := strings.Split(path, _separator)
	for _, seg := range segments {
		if seg == "" {
			return errors.WithMessagef(ErrInvalidPath, "path %q", path)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, seg := range segments {
		key := normalize(seg)
		child, ok := n.children.Get(key)
		if !ok {
			child = newNode()
			n.children.Set(key, child)
		}
		n = child
	}
	if n.handler.Load() != nil {
		return errors.WithMessagef(ErrDuplicateRoute, "path %q", path)
	}
	n.handler.Store(&h)
	return nil
}

// MustRegister is like Register but panics on error. Intended for static wiring at startup.
func (t *Table) MustRegister(path string, h Handler) {
	if err := t.Register(path, h); err != nil {
		panic(err)
	}
}

// Resolve descends the tree one segment at a time.
func (t *Table) Resolve(path []string) (Handler, error) {
	if len(path) == 0 {
		return nil, errors.WithMessage(ErrNotFound, "empty path")
	}
	n := t.root
	for i, seg := range path {
		child, ok := n.children.Get(normalize(seg))
		if !ok {
			return nil, errors.WithMessagef(ErrNotFound, "segment %q of %q", path[i], strings.Join(path, _separator))
		}
		n = child
	}
	h := n.handler.Load()
	if h == nil {
		return nil, errors.WithMessagef(ErrNotFound, "%q is a namespace", strings.Join(path, _separator))
	}
	return *h, nil
}

// Invoke resolves call.Path and runs the handler. Errors returned or panics raised by the
// handler are reported as *HandlerError.
func (t *Table) Invoke(ctx context.Context, call *Call) (err error) {
	h, err := t.Resolve(call.Path)
	if err != nil {
		return err
	}

	path := canonical(call.Path)
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Path: path, Cause: logutil.PanicError(r)}
		}
	}()
	if herr := h(ctx, call); herr != nil {
		return &HandlerError{Path: path, Cause: herr}
	}
	return nil
}

// Routes lists every registered path in canonical form, sorted.
func (t *Table) Routes() []string {
	var routes []string
	var walk func(n *node, prefix []string)
	walk = func(n *node, prefix []string) {
		if n.handler.Load() != nil {
			routes = append(routes, strings.Join(prefix, _separator))
		}
		for key, child := range n.children.Items() {
			walk(child, append(prefix[:len(prefix):len(prefix)], key))
		}
	}
	walk(t.root, nil)
	sort.Strings(routes)
	return routes
}

func normalize(segment string) string {
	return strings.ToLower(segment)
}

func canonical(path []string) string {
	segments := make([]string, len(path))
	for i, seg := range path {
		segments[i] = normalize(seg)
	}
	return strings.Join(segments, _separator)
}
