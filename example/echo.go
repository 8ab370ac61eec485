package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Zereker/chatsock"
)

// echo sends every message back to the connection it came from.
func echo(c *chatsock.Conn, text string) error {
	slog.Info("echo", "conn", c.String(), "text", text)
	return c.Send(text)
}

func main() {
	l, err := net.Listen("tcp", "127.0.0.1:12345")
	if err != nil {
		slog.Error("failed to listen", "error", err.Error())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		_ = l.Close()
	}()

	errorOption := chatsock.OnErrorOption(func(err error) chatsock.ErrorAction {
		slog.Warn("skipping bad frame", "error", err.Error())
		return chatsock.Continue
	})

	var wg sync.WaitGroup
	slog.Info("server start", "addr", l.Addr().String())
	for {
		conn, err := chatsock.Accept(l, chatsock.OnMessageOption(echo), errorOption)
		if errors.Is(err, net.ErrClosed) {
			break
		}
		if err != nil {
			slog.Error("accept failed", "error", err.Error())
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conn.Wait(); err != nil {
				slog.Warn("connection ended", "conn", conn.String(), "error", err.Error())
			}
			_ = conn.Close()
		}()
	}

	wg.Wait()
}
