package srv

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/juggler/pkg/logger"
	"github.com/codeGROOVE-dev/juggler/pkg/security"
)

const (
	// DefaultWriteTimeout bounds a single write to a peer.
	DefaultWriteTimeout = 10 * time.Second

	readChunkSize     = 4096
	maxAcceptBackoff  = time.Second
	initAcceptBackoff = 5 * time.Millisecond
)

// TCPServer accepts raw TCP connections and runs one Session per connection.
type TCPServer struct {
	hub          *Hub
	limiter      *security.ConnectionLimiter
	ln           net.Listener
	conns        map[*Client]struct{}
	writeTimeout time.Duration
	wg           sync.WaitGroup
	mu           sync.Mutex
	closing      atomic.Bool
}

// NewTCPServer creates a server. A nil limiter admits every connection.
// A zero writeTimeout means DefaultWriteTimeout.
func NewTCPServer(h *Hub, limiter *security.ConnectionLimiter, writeTimeout time.Duration) *TCPServer {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &TCPServer{
		hub:          h,
		limiter:      limiter,
		writeTimeout: writeTimeout,
		conns:        make(map[*Client]struct{}),
	}
}

// Serve accepts connections on ln until ctx is cancelled or Shutdown is
// called. It returns nil after a clean shutdown.
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.closing.Store(true)
			_ = ln.Close() //nolint:errcheck // accept loop reports the outcome
		case <-done:
		}
	}()

	logger.Info(ctx, "tcp listener started", logger.Fields{"addr": ln.Addr().String()})

	backoff := time.Duration(0)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				logger.Warn(ctx, "accept failed, retrying", logger.Fields{
					"error":   err.Error(),
					"backoff": backoff.String(),
				})
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return initAcceptBackoff
	}
	return min(d*2, maxAcceptBackoff)
}

// Shutdown stops accepting, closes every live connection and waits for
// their sessions to finish or ctx to expire.
func (s *TCPServer) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close() //nolint:errcheck // listener may already be closed
	}
	for c := range s.conns {
		_ = c.Close() //nolint:errcheck // best-effort during shutdown
	}
	s.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *TCPServer) track(c *Client) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *TCPServer) untrack(c *Client) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *TCPServer) handle(ctx context.Context, conn net.Conn) {
	ip := security.AddrIP(conn.RemoteAddr())
	if s.limiter != nil {
		if !s.limiter.Add(ip) {
			logger.Warn(ctx, "connection limit exceeded", logger.Fields{"ip": ip, "transport": "tcp"})
			_ = conn.Close() //nolint:errcheck // rejecting
			return
		}
		defer s.limiter.Remove(ip)
	}

	client := NewClient(uuid.NewString(), conn, conn.RemoteAddr().String(), s.writeTimeout)
	s.track(client)
	defer s.untrack(client)

	session := s.hub.NewSession(client)
	logger.Info(ctx, "connection accepted", logger.Fields{
		"conn_id":   client.ID(),
		"ip":        ip,
		"transport": "tcp",
	})

	defer func() {
		session.Close(ctx)
		if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Debug(ctx, "close failed", logger.Fields{"conn_id": client.ID(), "error": err.Error()})
		}
		logger.Info(ctx, "connection closed", logger.Fields{"conn_id": client.ID(), "ip": ip})
	}()

	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			session.Receive(ctx, buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !client.IsClosed() {
				logger.Debug(ctx, "read failed", logger.Fields{"conn_id": client.ID(), "error": err.Error()})
			}
			return
		}
	}
}
