// Package main provides a command-line client for the juggler relay: it can
// listen on channels, broadcast to them, or send a direct message.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codeGROOVE-dev/juggler/pkg/client"
)

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

//nolint:funlen,revive // flag handling and three modes read better in one place
func run() error {
	var (
		addr        = flag.String("addr", client.DefaultAddress, "relay address (host:port, or ws:// URL)")
		mode        = flag.String("mode", "listen", "listen, broadcast or send")
		sessionID   = flag.String("session", "", "session id to subscribe with (listen mode)")
		uniqueID    = flag.String("unique-id", "", "unique id to register under (listen mode)")
		channels    = flag.String("channels", "", "comma-separated channel names")
		secret      = flag.String("secret", os.Getenv("JUGGLER_SECRET"), "broadcast secret (broadcast mode)")
		to          = flag.String("to", "", "target identity (send mode)")
		message     = flag.String("message", "", "message text (broadcast and send modes)")
		noReconnect = flag.Bool("no-reconnect", false, "disable automatic reconnection")
		maxRetries  = flag.Int("max-retries", 0, "maximum reconnection attempts (0 = infinite)")
		verbose     = flag.Bool("verbose", false, "log connection details")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "broadcast", "send":
		c, err := client.New(client.Config{Addr: *addr, Logger: logger, MaxRetries: *maxRetries})
		if err != nil {
			return fmt.Errorf("failed to create client: %w", err)
		}
		if err := c.Dial(ctx); err != nil {
			return err
		}
		defer func() {
			if err := c.Close(); err != nil {
				log.Printf("close: %v", err)
			}
		}()

		if *mode == "send" {
			if *to == "" {
				return errors.New("-to is required in send mode")
			}
			return c.SendTo(*to, *message)
		}
		chs := splitList(*channels)
		if len(chs) == 0 {
			return errors.New("-channels is required in broadcast mode")
		}
		if *secret == "" {
			return errors.New("-secret or JUGGLER_SECRET is required in broadcast mode")
		}
		return c.Broadcast(*secret, *message, chs...)

	case "listen":
		if *sessionID == "" {
			return errors.New("-session is required in listen mode")
		}
		c, err := client.New(client.Config{
			Addr:        *addr,
			Logger:      logger,
			SessionID:   *sessionID,
			UniqueID:    *uniqueID,
			Channels:    splitList(*channels),
			NoReconnect: *noReconnect,
			MaxRetries:  *maxRetries,
			OnConnect: func() {
				log.Printf("connected to %s", *addr)
			},
			OnMessage: func(msg string) {
				fmt.Println(msg)
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create client: %w", err)
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- c.Start(ctx)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			log.Println("signal received, shutting down")
			c.Stop()
			select {
			case <-errCh:
			case <-time.After(5 * time.Second):
				log.Println("shutdown timeout exceeded, forcing exit")
			}
			return nil
		}

	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
