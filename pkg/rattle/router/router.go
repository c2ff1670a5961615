// Package router serves inbound calls: each route is classified, then either dispatched to a
// handler or applied to a target.
package router

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AutoMQ/rattle/pkg/rattle/codec"
	"github.com/AutoMQ/rattle/pkg/rattle/dispatch"
	"github.com/AutoMQ/rattle/pkg/rattle/route"
	"github.com/AutoMQ/rattle/pkg/rattle/stream"
	"github.com/AutoMQ/rattle/pkg/rattle/target"
	"github.com/AutoMQ/rattle/pkg/util/traceutil"
)

// ErrNoResolver is returned for mutation routes when no resolver is configured
var ErrNoResolver = errors.WithMessage(dispatch.ErrNotFound, "no target resolver")

// Inbound is one call received from a peer.
type Inbound struct {
	Route   string
	Origin  string
	Payload codec.Payload
	File    *stream.Received
	Peer    dispatch.Sender
}

// Router is stateless and may be shared by every connection.
type Router struct {
	table    *dispatch.Table
	resolver target.Resolver

	lg *zap.Logger
}

// New creates a router. Either table or resolver may be nil; calls needing them then fail with
// dispatch.ErrNotFound.
func New(table *dispatch.Table, resolver target.Resolver, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		table:    table,
		resolver: resolver,
		lg:       logger,
	}
}

// Route serves in. Errors are returned for the caller to report; none of them is fatal.
func (r *Router) Route(ctx context.Context, in Inbound) error {
	ctx, _ = traceutil.NewTrace(ctx)
	logger := r.lg.With(zap.String("route", in.Route), traceutil.TraceLogField(ctx))

	rt, err := route.Classify(in.Route)
	if err != nil {
		logger.Warn("drop inbound call", zap.Error(err))
		return err
	}

	if rt.Kind == route.KindMutation {
		if r.resolver == nil {
			return errors.WithMessagef(ErrNoResolver, "route %q", in.Route)
		}
		if logger.Core().Enabled(zapcore.DebugLevel) {
			logger.Debug("apply mutation", zap.Stringer("mode", rt.Mutation.Mode), zap.Stringer("addressing", rt.Mutation.Addressing),
				zap.String("target", rt.Mutation.Target))
		}
		if err := r.resolver.Apply(ctx, rt.Mutation, in.Payload); err != nil {
			logger.Warn("apply mutation failed", zap.Error(err))
			return err
		}
		return nil
	}

	if r.table == nil {
		return errors.WithMessagef(dispatch.ErrNotFound, "route %q", in.Route)
	}
	logger.Debug("invoke handler", zap.Strings("path", rt.Path))
	err = r.table.Invoke(ctx, &dispatch.Call{
		Route:   in.Route,
		Path:    rt.Path,
		Origin:  in.Origin,
		Payload: in.Payload,
		File:    in.File,
		Peer:    in.Peer,
	})
	if err != nil {
		logger.Warn("invoke handler failed", zap.Error(err))
	}
	return err
}
