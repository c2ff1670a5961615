package demo

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/AutoMQ/rattle/pkg/rattle/codec"
	"github.com/AutoMQ/rattle/pkg/rattle/dispatch"
	"github.com/AutoMQ/rattle/pkg/rattle/route"
	"github.com/AutoMQ/rattle/pkg/rattle/router"
	"github.com/AutoMQ/rattle/pkg/rattle/stream"
	"github.com/AutoMQ/rattle/pkg/rattle/target"
)

// Greeting is the text the client sends to main.json and main.raw
const Greeting = "hello from rattle"

// Element ids of the client document
const (
	ElementDescription = "description"
	ElementTimer       = "timer"
	ElementErrors      = "errors"
	ElementFiles       = "files"
)

// Caller is implemented by *connection.Connection
type Caller interface {
	Send(route string, payload any)
	SendFile(route string, files []stream.File, meta any)
}

// Client is the calling side of the demo: it handles test.* calls and keeps a document the
// server mutates.
type Client struct {
	doc   *target.Document
	table *dispatch.Table

	mu       sync.Mutex
	received map[string]codec.Payload
	files    []stream.File

	lg *zap.Logger
}

// NewClient creates a client with an empty document
func NewClient(logger *zap.Logger) *Client {
	c := &Client{
		doc:      target.NewDocument(),
		table:    dispatch.NewTable(),
		received: make(map[string]codec.Payload),
		lg:       logger,
	}
	for _, id := range []string{ElementDescription, ElementTimer, ElementErrors, ElementFiles} {
		c.doc.Add(target.Element{ID: id, Tag: "div"})
	}
	c.table.MustRegister("test.receiveJSON", c.receive)
	c.table.MustRegister("test.receiveRAW", c.receive)
	return c
}

// Router serves inbound calls with the test.* handlers and the document
func (c *Client) Router() *router.Router {
	return router.New(c.table, target.ResolverFunc(c.apply), c.lg)
}

// Document returns the document the server mutates
func (c *Client) Document() *target.Document {
	return c.doc
}

// Received returns the last payload delivered to a test.* route
func (c *Client) Received(path string) (codec.Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.received[strings.ToLower(path)]
	return p, ok
}

// Start sends the demo calls through caller, then uploads the named files to main.file.
func (c *Client) Start(caller Caller, uploads []string) error {
	caller.Send("main.index", nil)
	caller.Send("main.json", Text{Text: Greeting})
	caller.Send("main.raw", Text{Text: Greeting})
	caller.Send("main.timer", nil)

	if len(uploads) == 0 {
		return nil
	}
	files := make([]stream.File, 0, len(uploads))
	for _, name := range uploads {
		f, err := stream.Open(name)
		if err != nil {
			_ = closeFiles(files)
			return errors.WithMessagef(err, "open upload %s", name)
		}
		files = append(files, f)
	}
	c.mu.Lock()
	c.files = append(c.files, files...)
	c.mu.Unlock()

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	caller.SendFile("main.file", files, map[string]any{"files": names})
	return nil
}

// Close releases the files opened for upload. Uploads still in flight are cut short.
func (c *Client) Close() error {
	c.mu.Lock()
	files := c.files
	c.files = nil
	c.mu.Unlock()
	return closeFiles(files)
}

func (c *Client) receive(_ context.Context, call *dispatch.Call) error {
	c.lg.Info("call received", zap.String("route", call.Route), zap.String("origin", call.Origin),
		zap.String("payload", call.Payload.String()))
	c.mu.Lock()
	c.received[strings.ToLower(strings.Join(call.Path, "."))] = call.Payload
	c.mu.Unlock()
	return nil
}

func (c *Client) apply(ctx context.Context, m route.Mutation, content codec.Payload) error {
	if err := c.doc.Apply(ctx, m, content); err != nil {
		return err
	}
	if m.Target == ElementTimer {
		c.lg.Debug("document mutated", zap.Stringer("mutation", m))
		return nil
	}
	c.lg.Info("document mutated", zap.Stringer("mutation", m), zap.String("content", content.String()))
	return nil
}

func closeFiles(files []stream.File) (err error) {
	for _, f := range files {
		err = multierr.Append(err, f.Close())
	}
	return
}
