// Package main is the entrypoint for rattle, serving or driving the demo application.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/AutoMQ/rattle/pkg/config"
	"github.com/AutoMQ/rattle/pkg/demo"
	"github.com/AutoMQ/rattle/pkg/rattle/connection"
	"github.com/AutoMQ/rattle/pkg/rattle/dispatch"
	"github.com/AutoMQ/rattle/pkg/rattle/router"
	"github.com/AutoMQ/rattle/pkg/rattle/server"
	"github.com/AutoMQ/rattle/pkg/rattle/transport"
	"github.com/AutoMQ/rattle/pkg/rattle/transport/tcp"
	"github.com/AutoMQ/rattle/pkg/rattle/transport/websocket"
)

const _shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.NewConfig(os.Args[1:], os.Stderr)
	if errors.Cause(err) == pflag.ErrHelp {
		os.Exit(0)
	}

	// create a logger first
	logger := cfg.Logger()
	if logger == nil {
		// something went wrong, create a new temporary logger
		var zapErr error
		logger, zapErr = zap.NewProduction()
		if zapErr != nil {
			fmt.Printf("error creating zap logger %v", zapErr)
			os.Exit(1)
		}
	}
	logger.Info("running", zap.Strings("args", os.Args))
	if err != nil {
		logger.Error("failed to parse config", zap.Error(err))
		os.Exit(1)
	}

	syncLogger := func() { _ = cfg.Logger().Sync() }

	// check config
	err = cfg.Adjust()
	if err != nil {
		logger.Error("failed to adjust config", zap.Error(err))
		exit(1, syncLogger)
	}
	err = cfg.Validate()
	if err != nil {
		logger.Error("failed to validate config", zap.Error(err))
		exit(1, syncLogger)
	}
	if cfg.PrintConfig {
		if err := cfg.Dump(os.Stdout); err != nil {
			logger.Error("failed to print config", zap.Error(err))
			exit(1, syncLogger)
		}
		exit(0, syncLogger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	var sig os.Signal
	go func() {
		sig = <-sc
		cancel()
	}()

	var stop func()
	switch cfg.Mode {
	case config.ModeServer:
		stop, err = startServer(ctx, cfg, logger)
	case config.ModeClient:
		stop, err = startClient(cfg, logger)
	}
	if err != nil {
		logger.Error("failed to start", zap.String("mode", cfg.Mode), zap.Error(err))
		exit(1, syncLogger)
	}

	<-ctx.Done()
	logger.Info("got signal to exit", zap.String("signal", sig.String()))

	stop()
	switch sig {
	case syscall.SIGTERM:
		exit(0, syncLogger)
	default:
		exit(1, syncLogger)
	}
}

func connOptions(cfg *config.Config, logger *zap.Logger) []connection.Option {
	opts := []connection.Option{
		connection.WithLogger(logger),
		connection.WithOrigin(cfg.Origin),
		connection.WithChunkSize(cfg.ChunkSize),
		connection.WithMaxStreamSize(cfg.MaxStreamSize),
		connection.WithConnectTimeout(cfg.ConnectTimeout),
		connection.WithRetryBackoff(cfg.RetryMin, cfg.RetryMax),
	}
	if cfg.LegacyOutbound {
		opts = append(opts, connection.WithLegacyOutbound())
	}
	return opts
}

func startServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (stop func(), err error) {
	table := dispatch.NewTable()
	err = demo.NewController(ctx, cfg.SaveDir, cfg.TimerInterval, logger).Register(table)
	if err != nil {
		return nil, errors.WithMessage(err, "register controller")
	}

	svr := server.NewServer(ctx, router.New(table, nil, logger), logger,
		server.WithConnOptions(connOptions(cfg, logger)...),
		server.WithAllowedOrigins(cfg.AllowedOrigins...),
		server.WithWriteTimeout(cfg.WriteTimeout),
		server.WithOnConnect(func(c *connection.Connection) {
			logger.Info("peer connected", zap.String("conn-id", c.ID()), zap.String("remote-addr", c.Addr()))
		}),
		server.WithOnDisconnect(func(c *connection.Connection) {
			logger.Info("peer disconnected", zap.String("conn-id", c.ID()))
		}),
	)

	var httpServer *http.Server
	tcpAddr := cfg.ListenTCP
	if cfg.Transport == config.TransportTCP {
		tcpAddr = cfg.Listen
	} else {
		mux := http.NewServeMux()
		mux.Handle(cfg.Path, svr.Handler())
		httpServer = &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: cfg.ConnectTimeout}
		l, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return nil, errors.Wrapf(err, "listen %s", cfg.Listen)
		}
		logger.Info("websocket server listening", zap.String("addr", l.Addr().String()), zap.String("path", cfg.Path))
		go func() {
			if err := httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
				logger.Error("websocket server stopped", zap.Error(err))
			}
		}()
	}
	if tcpAddr != "" {
		l, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			if httpServer != nil {
				_ = httpServer.Close()
			}
			return nil, errors.Wrapf(err, "listen %s", tcpAddr)
		}
		logger.Info("tcp server listening", zap.String("addr", l.Addr().String()))
		go func() {
			if err := svr.Serve(l); err != nil && err != server.ErrServerClosed {
				logger.Error("tcp server stopped", zap.Error(err))
			}
		}()
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), _shutdownTimeout)
		defer cancel()
		if httpServer != nil {
			if err := httpServer.Shutdown(ctx); err != nil {
				logger.Warn("shutdown websocket server", zap.Error(err))
			}
		}
		if err := svr.Shutdown(ctx); err != nil {
			logger.Warn("shutdown server", zap.Error(err))
		}
	}, nil
}

func startClient(cfg *config.Config, logger *zap.Logger) (stop func(), err error) {
	var dialer transport.Dialer
	switch cfg.Transport {
	case config.TransportTCP:
		dialer = &tcp.Dialer{WriteTimeout: cfg.WriteTimeout, Logger: logger}
	default:
		header := http.Header{}
		header.Set("Origin", "http://"+cfg.Origin)
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout, WriteTimeout: cfg.WriteTimeout, Header: header}
	}

	client := demo.NewClient(logger)
	opts := append(connOptions(cfg, logger),
		connection.WithRouter(client.Router()),
		connection.WithHandler(connection.EventOpen, func(connection.Event) {
			logger.Info("connected", zap.String("addr", cfg.Address))
		}),
		connection.WithHandler(connection.EventClose, func(e connection.Event) {
			logger.Info("disconnected", zap.String("addr", cfg.Address), zap.Error(e.Err))
		}),
	)
	conn := connection.New(cfg.Address, dialer, opts...)

	if err := client.Start(conn, cfg.Upload); err != nil {
		conn.Close()
		return nil, errors.WithMessage(err, "start client")
	}

	return func() {
		conn.Close()
		if err := client.Close(); err != nil {
			logger.Warn("close uploads", zap.Error(err))
		}
	}, nil
}

func exit(code int, deferred func()) {
	deferred()
	os.Exit(code)
}
