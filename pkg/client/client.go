// Package client is a Go client for the juggler relay. It speaks the
// NUL-terminated JSON protocol over raw TCP or WebSocket, and can keep a
// subscription alive across disconnects.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/websocket"
)

const (
	// DefaultAddress is the default relay TCP address.
	DefaultAddress = "localhost:5001"

	defaultDialTimeout = 10 * time.Second
	defaultMaxBackoff  = 30 * time.Second

	terminator byte = 0
)

// ErrNotConnected is returned by write methods before Dial or Start has connected.
var ErrNotConnected = errors.New("not connected")

// Config holds the configuration for the client.
type Config struct {
	Logger       *slog.Logger
	OnMessage    func(string)
	OnConnect    func()
	OnDisconnect func(error)
	Addr         string // host:port for TCP, or a ws:// or wss:// URL.
	SessionID    string // If set, Start subscribes after every connect.
	UniqueID     string
	Channels     []string
	DialTimeout  time.Duration
	MaxBackoff   time.Duration
	MaxRetries   int // Zero retries forever in Start and once in Dial.
	NoReconnect  bool
}

// Client is a relay connection with optional automatic reconnection.
type Client struct {
	conn      net.Conn
	reader    *bufio.Reader
	logger    *slog.Logger
	stopCh    chan struct{}
	config    Config
	mu        sync.RWMutex
	writeMu   sync.Mutex
	stopOnce  sync.Once
	received  int
	reconnect int
}

// frame mirrors the relay's request object on the wire.
type frame struct {
	Broadcast int      `json:"broadcast,omitempty"`
	Function  string   `json:"function,omitempty"`
	Secret    string   `json:"secret,omitempty"`
	Message   string   `json:"message,omitempty"`
	To        string   `json:"to,omitempty"`
	ID        string   `json:"id,omitempty"`
	SessionID string   `json:"ses_id,omitempty"`
	UniqueID  string   `json:"unique_id,omitempty"`
	Channels  []string `json:"channels,omitempty"`
}

// New creates a client. Nothing is dialed until Dial or Start.
func New(config Config) (*Client, error) {
	if config.Addr == "" {
		config.Addr = DefaultAddress
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = defaultDialTimeout
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaultMaxBackoff
	}
	if config.MaxRetries < 0 {
		return nil, errors.New("maxRetries must not be negative")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

func (c *Client) isWebSocket() bool {
	return strings.HasPrefix(c.config.Addr, "ws://") || strings.HasPrefix(c.config.Addr, "wss://")
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	if !c.isWebSocket() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", c.config.Addr)
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		return conn, nil
	}

	origin := "http://localhost/"
	if strings.HasPrefix(c.config.Addr, "wss://") {
		origin = "https://localhost/"
	}
	wsConfig, err := websocket.NewConfig(c.config.Addr, origin)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	ws, err := wsConfig.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ws.PayloadType = websocket.TextFrame
	return ws, nil
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	if conn != nil {
		c.reader = bufio.NewReader(conn)
	} else {
		c.reader = nil
	}
	c.mu.Unlock()
}

func (c *Client) current() (net.Conn, *bufio.Reader) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn, c.reader
}

// Dial connects once, retrying the dial itself up to MaxRetries times.
func (c *Client) Dial(ctx context.Context) error {
	attempts := uint(1)
	if c.config.MaxRetries > 0 {
		attempts = uint(c.config.MaxRetries) //nolint:gosec // validated non-negative in New
	}

	var conn net.Conn
	err := retry.Do(
		func() error {
			var err error
			conn, err = c.dial(ctx)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(c.config.MaxBackoff),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("dial failed, retrying", "addr", c.config.Addr, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return err
	}
	c.setConn(conn)
	c.logger.Info("connected to relay", "addr", c.config.Addr)
	return nil
}

// Start connects, subscribes when a SessionID is configured, and delivers
// every payload to OnMessage. On disconnect it reconnects with full-jitter
// backoff until ctx is cancelled, Stop is called or MaxRetries is exhausted.
func (c *Client) Start(ctx context.Context) error {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(c.config.MaxBackoff),
		retry.OnRetry(func(n uint, err error) {
			c.mu.Lock()
			c.reconnect = int(n) //nolint:gosec // retry count will not overflow in practice
			c.mu.Unlock()
			c.logger.Warn("relay connection lost", "error", err, "attempt", n+1)
			if c.config.OnDisconnect != nil {
				c.config.OnDisconnect(err)
			}
		}),
		retry.RetryIf(func(error) bool {
			if c.config.NoReconnect {
				return false
			}
			select {
			case <-c.stopCh:
				return false
			default:
				return true
			}
		}),
	}
	if c.config.MaxRetries > 0 {
		opts = append(opts, retry.Attempts(uint(c.config.MaxRetries))) //nolint:gosec // validated non-negative in New
	} else {
		opts = append(opts, retry.UntilSucceeded())
	}

	return retry.Do(func() error {
		select {
		case <-ctx.Done():
			return retry.Unrecoverable(ctx.Err())
		case <-c.stopCh:
			return retry.Unrecoverable(errors.New("stop requested"))
		default:
		}
		return c.session(ctx)
	}, opts...)
}

// session runs one connection until it breaks. It returns nil only when
// the client was stopped.
func (c *Client) session(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)
	defer func() {
		c.setConn(nil)
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("close failed", "error", err)
		}
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() }) //nolint:errcheck // unblocks the read loop
	defer stop()

	c.mu.RLock()
	n := c.reconnect
	c.mu.RUnlock()
	c.logger.Info("connected to relay", "addr", c.config.Addr, "reconnects", n)

	if c.config.SessionID != "" {
		if err := c.Subscribe(c.config.SessionID, c.config.UniqueID, c.config.Channels...); err != nil {
			return err
		}
	}
	if c.config.OnConnect != nil {
		c.config.OnConnect()
	}

	for {
		msg, err := c.Receive()
		if err != nil {
			select {
			case <-c.stopCh:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return retry.Unrecoverable(ctx.Err())
			}
			return fmt.Errorf("read: %w", err)
		}
		c.mu.Lock()
		c.received++
		c.mu.Unlock()
		if c.config.OnMessage != nil {
			c.config.OnMessage(msg)
		}
	}
}

// Stop closes the current connection and prevents reconnection.
// Safe to call multiple times.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if err := c.Close(); err != nil {
			c.logger.Debug("error closing connection on stop", "error", err)
		}
	})
}

// Close closes the current connection, if any.
func (c *Client) Close() error {
	conn, _ := c.current()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Received returns the number of payloads delivered by Start.
func (c *Client) Received() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.received
}

// Receive blocks for the next payload and returns it without its terminator.
func (c *Client) Receive() (string, error) {
	_, r := c.current()
	if r == nil {
		return "", ErrNotConnected
	}
	msg, err := r.ReadString(terminator)
	if err != nil {
		if errors.Is(err, io.EOF) && msg != "" {
			return msg, nil
		}
		return "", err
	}
	return strings.TrimSuffix(msg, string(terminator)), nil
}

// Subscribe joins channels under sessionID. An empty uniqueID is sent as "null".
func (c *Client) Subscribe(sessionID, uniqueID string, channels ...string) error {
	if uniqueID == "" {
		uniqueID = "null"
	}
	if channels == nil {
		channels = []string{}
	}
	return c.send(frame{SessionID: sessionID, UniqueID: uniqueID, Channels: channels})
}

// Broadcast publishes message to channels. The relay silently drops it if
// secret is wrong.
func (c *Client) Broadcast(secret, message string, channels ...string) error {
	return c.send(frame{Broadcast: 1, Secret: secret, Message: message, Channels: channels})
}

// SendTo delivers message to the connection registered as identity.
func (c *Client) SendTo(identity, message string) error {
	return c.send(frame{Function: "sendTo", To: identity, Message: message})
}

// AddChannel subscribes the connection registered as identity to channels.
func (c *Client) AddChannel(identity string, channels ...string) error {
	return c.send(frame{Function: "addChannel", ID: identity, Channels: channels})
}

// RemoveChannel unsubscribes the connection registered as identity from channels.
func (c *Client) RemoveChannel(identity string, channels ...string) error {
	return c.send(frame{Function: "removeChannel", ID: identity, Channels: channels})
}

func (c *Client) send(f frame) error {
	conn, _ := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	data = append(data, terminator)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.config.DialTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
