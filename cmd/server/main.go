// Package main implements juggler, a realtime pub/sub relay. Clients hold a
// persistent TCP or WebSocket connection, subscribe to named channels after
// an external login check, and receive NUL-terminated pushes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeGROOVE-dev/juggler/pkg/auth"
	"github.com/codeGROOVE-dev/juggler/pkg/logger"
	"github.com/codeGROOVE-dev/juggler/pkg/publish"
	"github.com/codeGROOVE-dev/juggler/pkg/security"
	"github.com/codeGROOVE-dev/juggler/pkg/srv"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
	idleTimeout     = 120 * time.Second
	maxHeaderBytes  = 20 // Max header size multiplier (1 << 20 = 1MB)
	shutdownTimeout = 5 * time.Second
)

type config struct {
	addr              string
	httpAddr          string
	secret            string
	loginURL          string
	logoutURL         string
	sessionCookie     string
	authFailurePolicy string
	authTimeout       time.Duration
	authCacheTTL      time.Duration
	maxFrameSize      int
	maxConnsPerIP     int
	maxConnsTotal     int
	eagerCleanup      bool
	verbose           bool
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseFlags() config {
	var c config
	flag.StringVar(&c.addr, "addr", envOr("JUGGLER_ADDR", ":5001"), "TCP listen address for relay connections")
	flag.StringVar(&c.httpAddr, "http-addr", envOr("JUGGLER_HTTP_ADDR", ":8080"), "HTTP listen address for WebSocket, publish and health")
	flag.StringVar(&c.secret, "secret", os.Getenv("JUGGLER_SECRET"), "Shared secret required on broadcasts")
	flag.StringVar(&c.loginURL, "login-url", os.Getenv("JUGGLER_LOGIN_URL"), "Login check endpoint (empty authorizes every session)")
	flag.StringVar(&c.logoutURL, "logout-url", os.Getenv("JUGGLER_LOGOUT_URL"), "Logout notification endpoint")
	flag.StringVar(&c.sessionCookie, "session-cookie", envOr("JUGGLER_SESSION_COOKIE", auth.DefaultSessionCookie), "Cookie name carrying the session id")
	flag.StringVar(&c.authFailurePolicy, "auth-failure-policy", envOr("JUGGLER_AUTH_FAILURE_POLICY", "fail-open"),
		"What an unreachable login endpoint means: fail-open or fail-closed")
	flag.DurationVar(&c.authTimeout, "auth-timeout", 5*time.Second, "Timeout for a login check including retries")
	flag.DurationVar(&c.authCacheTTL, "auth-cache-ttl", 0, "How long to remember approved sessions (0 disables)")
	flag.IntVar(&c.maxFrameSize, "max-frame-size", srv.DefaultMaxFrameSize, "Maximum bytes buffered without a frame terminator")
	flag.IntVar(&c.maxConnsPerIP, "max-conns-per-ip", 50, "Maximum connections per IP (0 for unlimited)")
	flag.IntVar(&c.maxConnsTotal, "max-conns-total", 10000, "Maximum total connections (0 for unlimited)")
	flag.BoolVar(&c.eagerCleanup, "eager-cleanup", false, "Remove a closed connection from every channel immediately")
	flag.BoolVar(&c.verbose, "verbose", envBool("JUGGLER_VERBOSE"), "Enable debug logging")
	flag.Parse()
	return c
}

//nolint:funlen,revive // Main function orchestrates entire server setup and cannot be split without losing clarity
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	cfg := parseFlags()

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger.SetLogger(logger.NewWithLevel(os.Stderr, level))

	if cfg.secret == "" {
		log.Fatal("ERROR: a broadcast secret is required. Set -secret or JUGGLER_SECRET.")
	}
	policy, err := auth.ParseFailurePolicy(cfg.authFailurePolicy)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.loginURL == "" {
		logger.Warn(ctx, "no login URL configured; every session is authorized", nil)
	} else if policy == auth.FailOpen {
		logger.Warn(ctx, "auth failure policy is fail-open; an unreachable login endpoint admits every subscriber", nil)
	}

	// The TCP port must be known before the hub is built since the policy
	// document advertises it.
	ln, err := net.Listen("tcp", cfg.addr)
	if err != nil {
		log.Fatalf("ERROR: failed to listen on %s: %v", cfg.addr, err)
	}
	port := 0
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	gateway := auth.NewHTTPGateway(auth.Config{
		Logger:        logger.Logger(),
		LoginURL:      cfg.loginURL,
		LogoutURL:     cfg.logoutURL,
		SessionCookie: cfg.sessionCookie,
		Timeout:       cfg.authTimeout,
		CacheTTL:      cfg.authCacheTTL,
		FailurePolicy: policy,
	})

	hub := srv.NewHub(srv.Config{
		Secret:       cfg.secret,
		PolicyPort:   port,
		MaxFrameSize: cfg.maxFrameSize,
		EagerCleanup: cfg.eagerCleanup,
	}, gateway)
	go hub.Run(ctx)

	connLimiter := security.NewConnectionLimiter(cfg.maxConnsPerIP, cfg.maxConnsTotal)

	tcpServer := srv.NewTCPServer(hub, connLimiter, writeTimeout)
	tcpDone := make(chan error, 1)
	go func() { tcpDone <- tcpServer.Serve(ctx, ln) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		s := hub.Stats()
		if _, err := fmt.Fprintf(w, "juggler is running: channels=%d identities=%d sessions=%d\n",
			s.Channels, s.Identities, s.Sessions); err != nil {
			logger.Debug(r.Context(), "failed to write health check response", logger.Fields{"error": err.Error()})
		}
	})
	mux.Handle("/ws", srv.NewWebSocketHandler(hub, connLimiter, writeTimeout))
	mux.Handle("/publish", publish.NewHandler(hub))

	server := &http.Server{
		Addr:           cfg.httpAddr,
		Handler:        mux,
		ReadTimeout:    readTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << maxHeaderBytes,
	}

	httpDone := make(chan error, 1)
	go func() {
		logger.Info(ctx, "http listener started", logger.Fields{"addr": cfg.httpAddr})
		httpDone <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-tcpDone:
		logger.Error(ctx, "tcp listener stopped", err, nil)
	case err := <-httpDone:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http listener stopped", err, nil)
		}
	}

	logger.Info(context.Background(), "shutting down", nil)
	cancel()
	hub.Stop()
	connLimiter.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown error", logger.Fields{"error": err.Error()})
	}
	if err := tcpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "tcp shutdown error", logger.Fields{"error": err.Error()})
	}
	hub.Wait()
	logger.Info(context.Background(), "server stopped", nil)
}
