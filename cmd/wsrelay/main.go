package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/jgnickerson/wsrelay/internal/bridge"
	"github.com/jgnickerson/wsrelay/internal/config"
	"github.com/jgnickerson/wsrelay/internal/logging"
	"github.com/jgnickerson/wsrelay/internal/relay"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		slog.Error("wsrelay failed", "error", err)
		os.Exit(1)
	}
}

// run blocks until ctx is cancelled. Configuration and bind errors are
// returned before the accept loop starts.
func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ln, err := relay.Listen(cfg.Addr)
	if err != nil {
		return err
	}
	defer func() {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug("closing listener", "error", err)
		}
	}()
	log.Info("Listening", "addr", ln.Addr().String())

	options := []relay.Option{
		relay.WithLogger(log),
		relay.WithMaxConnections(cfg.MaxConnections),
		relay.WithOutboxSize(cfg.OutboxSize),
		relay.WithSelfEcho(cfg.SelfEcho),
		relay.WithHandshakeTimeout(cfg.HandshakeTimeout),
		relay.WithWriteTimeout(cfg.WriteTimeout),
	}

	var br *bridge.Bridge
	if cfg.NATSURL != "" {
		br, err = bridge.Connect(cfg.NATSURL, cfg.NATSSubject, log)
		if err != nil {
			return err
		}
		defer br.Close()
		options = append(options, relay.WithForwarder(br))
	}

	srv, err := relay.NewServer(options...)
	if err != nil {
		return fmt.Errorf("build relay: %w", err)
	}
	if br != nil {
		if err := br.Subscribe(srv.Inject); err != nil {
			return err
		}
	}

	if cfg.DebugAddr != "" {
		startDebugServer(ctx, cfg.DebugAddr, log)
	}

	err = srv.Serve(ctx, ln)
	if errors.Is(err, relay.ErrServerClosed) {
		log.Info("Shutting down...")
		return nil
	}
	return err
}
