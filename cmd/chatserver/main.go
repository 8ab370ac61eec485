// Command chatserver runs the chat server. Raw framed TCP clients and
// WebSocket clients share one listening port.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Zereker/chatsock"
	"github.com/Zereker/chatsock/internal/chat"
	"github.com/Zereker/chatsock/internal/config"
	"github.com/Zereker/chatsock/internal/logging"
	"github.com/Zereker/chatsock/internal/transport"
	"github.com/Zereker/chatsock/protocol"
)

func main() {
	cfgPath := flag.String("config", "", "path to a config file (yaml, toml or json)")
	addr := flag.String("addr", "", "listen address, overrides server.addr")
	flag.Parse()

	if err := run(*cfgPath, *addr); err != nil {
		fmt.Fprintln(os.Stderr, "chatserver:", err)
		os.Exit(1)
	}
}

func run(cfgPath, addr string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()

	opts, err := serverOptions(cfg.Server, logger)
	if err != nil {
		return err
	}
	srv, err := chatsock.New(cfg.Server.Addr, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	served := make(chan struct{})

	g.Go(func() error {
		defer close(served)
		return srv.Serve(ctx, chat.NewHandler(chat.WithLogger(logger.With("component", "chat"))))
	})

	g.Go(func() error {
		select {
		case err := <-srv.Fatal():
			logger.Error("fatal connection error, shutting down", "error", err.Error())
			return err
		case <-served:
			return nil
		}
	})

	return g.Wait()
}

func serverOptions(cfg config.ServerConfig, logger *logging.Logger) ([]chatsock.ServerOption, error) {
	var connOpts []chatsock.Option
	if cfg.IdleTimeout > 0 {
		connOpts = append(connOpts, chatsock.IdleTimeoutOption(cfg.IdleTimeout))
	}
	if cfg.MaxMessageSize > 0 {
		connOpts = append(connOpts, chatsock.MessageMaxSize(cfg.MaxMessageSize))
	}

	opts := []chatsock.ServerOption{
		chatsock.ServerLoggerOption(logger),
		chatsock.ServerDrainTimeoutOption(cfg.DrainTimeout),
		chatsock.ServerStreamOption(transport.Sniffer(cfg.SniffTimeout)),
		chatsock.ServerEventOption(logEvents(logger)),
		chatsock.ServerConnOptions(connOpts...),
	}

	if cfg.ShutdownNotice != "" {
		notice, err := protocol.NewNotice(cfg.ShutdownNotice).Encode()
		if err != nil {
			return nil, err
		}
		opts = append(opts, chatsock.ServerShutdownNoticeOption(notice))
	}
	return opts, nil
}

func logEvents(logger *logging.Logger) func(chatsock.Event) {
	return func(e chatsock.Event) {
		switch e.Type {
		case chatsock.EventConnAccepted:
			logger.Info("client connected", "conn_id", e.ConnID, "remote_addr", e.Addr)
		case chatsock.EventConnRemoved:
			logger.Info("client disconnected", "conn_id", e.ConnID, "who", e.Who(), "reason", e.Reason)
		case chatsock.EventClientError:
			logger.Warn("client error", "conn_id", e.ConnID, "who", e.Who(), "reason", e.Reason)
		case chatsock.EventMessageReceived:
			logger.Debug("message received", "conn_id", e.ConnID, "who", e.Who(), "text", e.Reason)
		}
	}
}
