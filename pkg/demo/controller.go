// Package demo is the sample application served and driven by cmd/rattle: a "main" controller on
// the server side, and "test" handlers with a small document on the client side.
package demo

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jpillora/sizestr"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/rattle/pkg/rattle/dispatch"
)

const (
	Description = "rattle is a small bidirectional route-call protocol for dynamic web applications"

	_timeLayout  = "2006.01.02 15:04:05"
	_unnamedFile = "upload"
)

var (
	// ErrNoFile is returned by main.file when the call carries no stream
	ErrNoFile = errors.New("demo: call carries no file")
	// ErrNoPeer is returned by handlers that reply when the call did not arrive over a connection
	ErrNoPeer = errors.New("demo: call has no peer to reply to")
	// ErrPeerNotTimed is returned by main.timer when the caller cannot be watched for disconnection
	ErrPeerNotTimed = errors.New("demo: peer does not report disconnection")
)

// Text is the body of main.json and main.raw calls
type Text struct {
	Text string `json:"text"`
}

// peer is implemented by *connection.Connection
type peer interface {
	dispatch.Sender
	ID() string
	Done() <-chan struct{}
}

// Controller serves the "main" namespace
type Controller struct {
	saveDir  string
	interval time.Duration

	// timers holds the ids of peers with a running timer
	timers cmap.ConcurrentMap[string, struct{}]

	ctx context.Context
	lg  *zap.Logger
}

// NewController creates a controller saving uploads under saveDir and pushing the time every interval.
// Timers stop when ctx is done or their peer disconnects.
func NewController(ctx context.Context, saveDir string, interval time.Duration, logger *zap.Logger) *Controller {
	return &Controller{
		saveDir:  saveDir,
		interval: interval,
		timers:   cmap.New[struct{}](),
		ctx:      ctx,
		lg:       logger,
	}
}

// Register adds the main.* handlers to t
func (c *Controller) Register(t *dispatch.Table) error {
	handlers := map[string]dispatch.Handler{
		"main.index": c.index,
		"main.json":  c.json,
		"main.raw":   c.raw,
		"main.timer": c.timer,
		"main.file":  c.file,
	}
	for path, h := range handlers {
		if err := t.Register(path, h); err != nil {
			return errors.WithMessagef(err, "register %s", path)
		}
	}
	return nil
}

func (c *Controller) index(_ context.Context, call *dispatch.Call) error {
	if call.Peer == nil {
		return ErrNoPeer
	}
	call.Peer.Send("=#description", Description)
	return nil
}

func (c *Controller) json(_ context.Context, call *dispatch.Call) error {
	if call.Peer == nil {
		return ErrNoPeer
	}
	var text Text
	if err := call.Payload.Decode(&text); err != nil {
		call.Peer.Send("+#errors", "failed to parse JSON request: "+err.Error())
		return errors.WithMessage(err, "decode text")
	}
	call.Peer.Send("test.receiveJSON", text)
	return nil
}

func (c *Controller) raw(_ context.Context, call *dispatch.Call) error {
	if call.Peer == nil {
		return ErrNoPeer
	}
	text := Text{Text: call.Payload.String()}
	if call.Payload.Structured && strings.HasPrefix(text.Text, "{") {
		if err := call.Payload.Decode(&text); err != nil {
			return errors.WithMessage(err, "decode text")
		}
	}
	call.Peer.Send("test.receiveRAW", text.Text)
	return nil
}

func (c *Controller) timer(_ context.Context, call *dispatch.Call) error {
	p, ok := call.Peer.(peer)
	if !ok {
		return ErrPeerNotTimed
	}
	if !c.timers.SetIfAbsent(p.ID(), struct{}{}) {
		// already ticking for this peer
		return nil
	}
	go func() {
		defer c.timers.Remove(p.ID())
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			p.Send("=#timer", time.Now().Local().Format(_timeLayout))
			select {
			case <-ticker.C:
			case <-p.Done():
				return
			case <-c.ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (c *Controller) file(_ context.Context, call *dispatch.Call) error {
	f := call.File
	if f == nil {
		return ErrNoFile
	}
	if err := os.MkdirAll(c.saveDir, 0o755); err != nil {
		return errors.Wrap(err, "create save dir")
	}
	// never let a peer pick the directory
	base := filepath.Base(filepath.Clean("/" + f.Name))
	if base == "/" || base == "." {
		base = _unnamedFile
	}
	name := filepath.Join(c.saveDir, base)
	if err := os.WriteFile(name, f.Data, 0o644); err != nil {
		return errors.Wrapf(err, "save %s", f.Name)
	}
	c.lg.Info("file received", zap.String("name", f.Name), zap.String("origin", call.Origin),
		zap.String("size", sizestr.ToString(f.Size)), zap.String("saved-to", name))
	if call.Peer != nil {
		call.Peer.Send("+#files", f.Name+"\n")
	}
	return nil
}
