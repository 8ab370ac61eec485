// Command chatclient is an interactive chat client. Every line typed is sent
// to the room; an empty line or end of input leaves it.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/chatsock"
	"github.com/Zereker/chatsock/internal/chat"
	"github.com/Zereker/chatsock/internal/config"
	"github.com/Zereker/chatsock/internal/logging"
	"github.com/Zereker/chatsock/internal/transport"
)

const connectTimeout = 10 * time.Second

func main() {
	cfgPath := flag.String("config", "", "path to a config file (yaml, toml or json)")
	addr := flag.String("addr", "", "server address, overrides client.addr")
	user := flag.String("user", "", "username, overrides client.username")
	ws := flag.Bool("ws", false, "connect over WebSocket")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "chatclient:", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Client.Addr = *addr
	}
	if *user != "" {
		cfg.Client.Username = *user
	}
	if *ws {
		cfg.Client.WebSocket = true
	}

	if err := run(cfg, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "chatclient:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, in io.Reader, out io.Writer) error {
	if cfg.Client.Username == "" {
		return errors.New("username is required")
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := connect(ctx, cfg.Client, logger, func(l chat.Line) {
		if l.Notice() {
			fmt.Fprintf(out, "*** %s\n", l.Text)
			return
		}
		fmt.Fprintf(out, "[%s] %s\n", l.User, l.Text)
	})
	if err != nil {
		return err
	}

	sess, err := client.Login(ctx, cfg.Client.Username, cfg.Client.Password)
	if err != nil {
		_ = client.Conn().Close()
		return err
	}
	fmt.Fprintf(out, "logged in as %s\n", sess.Username)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case text, ok := <-lines:
			if !ok || text == "" {
				break loop
			}
			if err := client.Say(text); err != nil {
				logger.Warn("send failed", "error", err.Error())
				break loop
			}
		case <-client.Conn().Done():
			// the server went away first
			break loop
		}
	}

	_ = client.Close()
	return client.Wait()
}

func connect(ctx context.Context, cfg config.ClientConfig, logger *logging.Logger, onLine func(chat.Line)) (*chat.Client, error) {
	opts := []chat.ClientOption{
		chat.WithLineHandler(onLine),
		chat.WithConnOptions(chatsock.LoggerOption(logger)),
	}

	if !cfg.WebSocket {
		return chat.Dial(ctx, cfg.Addr, opts...)
	}

	stream, err := transport.DialWebSocket(ctx, "ws://"+cfg.Addr+"/")
	if err != nil {
		return nil, err
	}
	return chat.NewClient(stream, opts...)
}
