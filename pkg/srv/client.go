package srv

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is a transport connection as seen by the registries: something that
// can be addressed and written to. Implementations must be comparable
// (pointer types) since channels key their subscriber sets by Conn.
type Conn interface {
	ID() string
	Send(data []byte) error
}

// Client is a live transport connection. Both the TCP listener and the
// WebSocket handler wrap their net.Conn in a Client.
//
// Writes are serialized by mu so that concurrent broadcasts on different
// channels never interleave bytes on the wire. Any write error closes the
// underlying connection, which ends the transport's read loop and triggers
// the session's logout path.
type Client struct {
	conn         net.Conn
	id           string
	remote       string
	writeTimeout time.Duration
	mu           sync.Mutex
	closeOnce    sync.Once
	closed       uint32 // Atomic flag: 1 if closed, 0 if open
}

// NewClient wraps conn. remote is the peer address reported by the
// transport; a server-side *websocket.Conn has no usable RemoteAddr. A zero
// writeTimeout disables write deadlines.
func NewClient(id string, conn net.Conn, remote string, writeTimeout time.Duration) *Client {
	return &Client{
		conn:         conn,
		id:           id,
		remote:       remote,
		writeTimeout: writeTimeout,
	}
}

// ID returns the connection id used in logs.
func (c *Client) ID() string {
	return c.id
}

// RemoteAddr returns the peer address captured at accept time.
func (c *Client) RemoteAddr() string {
	return c.remote
}

// Send writes data to the peer.
func (c *Client) Send(data []byte) error {
	if c.IsClosed() {
		return ErrConnClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.closeLocked()
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if _, err := c.conn.Write(data); err != nil {
		c.closeLocked()
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreUint32(&c.closed, 1)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) closeLocked() {
	_ = c.Close() //nolint:errcheck // the write error is what gets reported
}

// IsClosed returns true if the client is closed or closing.
// Safe to call from any goroutine.
func (c *Client) IsClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}
