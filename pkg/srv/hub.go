// Package srv implements the relay core: the channel and identity registries,
// the per-connection protocol session, and the TCP and WebSocket transports
// that feed it.
package srv

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/juggler/pkg/auth"
	"github.com/codeGROOVE-dev/juggler/pkg/logger"
)

const (
	// DefaultMaxFrameSize bounds how much a connection may buffer without a terminator.
	DefaultMaxFrameSize = 64 << 10

	defaultStatsInterval = time.Minute
	logoutNotifyTimeout  = 10 * time.Second
)

// Config holds the relay settings shared by every session.
type Config struct {
	Secret        string        // Shared broadcast secret. Empty rejects every broadcast.
	PolicyPort    int           // Port advertised in the cross-domain policy document.
	MaxFrameSize  int           // Zero means DefaultMaxFrameSize.
	StatsInterval time.Duration // Zero means one minute.
	EagerCleanup  bool          // Remove a closed connection from every channel at close time.
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Channels   int
	Identities int
	Sessions   int
}

// Hub is the single shared relay instance. It is created once at startup
// and handed to every session; it owns the channel registry, the identity
// registry and the auth gateway.
//
// Thread safety: Channels and Connections carry their own locks, sessions
// only touch them through the Hub's methods, and no lock is held while
// writing to a connection.
type Hub struct {
	channels    *Channels
	connections *Connections
	gateway     auth.Gateway
	stop        chan struct{}
	stopped     chan struct{}
	policy      []byte
	cfg         Config
	sessions    atomic.Int64
	stopOnce    sync.Once
}

// NewHub creates a hub. A nil gateway authorizes every session.
func NewHub(cfg Config, gateway auth.Gateway) *Hub {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = defaultStatsInterval
	}
	if gateway == nil {
		gateway = auth.AllowAll{}
	}
	return &Hub{
		channels:    NewChannels(),
		connections: NewConnections(),
		gateway:     gateway,
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
		policy:      policyDocument(cfg.PolicyPort),
		cfg:         cfg,
	}
}

// PolicyFileRequest is the frame a Flash-style client sends before its first command.
const PolicyFileRequest = "<policy-file-request/>"

func policyDocument(port int) []byte {
	doc := `<cross-domain-policy><allow-access-from domain="*" to-ports="` +
		strconv.Itoa(port) + `"/></cross-domain-policy>`
	return append([]byte(doc), frameTerminator)
}

// Channels returns the channel registry.
func (h *Hub) Channels() *Channels {
	return h.channels
}

// Connections returns the identity registry.
func (h *Hub) Connections() *Connections {
	return h.connections
}

// Stats returns current counts.
func (h *Hub) Stats() Stats {
	return Stats{
		Channels:   h.channels.Len(),
		Identities: h.connections.Len(),
		Sessions:   int(h.sessions.Load()),
	}
}

// Run logs periodic statistics until ctx is cancelled or Stop is called.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	logger.Info(ctx, "hub started", logger.Fields{
		"eager_cleanup":  h.cfg.EagerCleanup,
		"max_frame_size": h.cfg.MaxFrameSize,
		"policy_port":    h.cfg.PolicyPort,
	})

	ticker := time.NewTicker(h.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "hub shutting down", nil)
			return
		case <-h.stop:
			logger.Info(ctx, "hub stop requested", nil)
			return
		case <-ticker.C:
			s := h.Stats()
			logger.Info(ctx, "periodic check", logger.Fields{
				"channels":   s.Channels,
				"identities": s.Identities,
				"sessions":   s.Sessions,
			})
		}
	}
}

// Stop signals Run to return.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Wait blocks until Run has returned.
func (h *Hub) Wait() {
	<-h.stopped
}

// Broadcast publishes message to every listed channel if secret matches the
// configured shared secret. Each delivery carries a trailing NUL. It returns
// the total number of deliveries.
func (h *Hub) Broadcast(ctx context.Context, secret, message string, channels []string) (int, error) {
	if !h.secretMatches(secret) {
		logger.Warn(ctx, "unauthorized broadcast attempt", logger.Fields{"channels": channels})
		return 0, fmt.Errorf("broadcast: %w", ErrUnauthorized)
	}
	payload := framePayload(message)
	delivered := 0
	for _, name := range channels {
		delivered += h.channels.Broadcast(ctx, name, payload)
	}
	logger.Debug(ctx, "broadcast complete", logger.Fields{
		"channels":  channels,
		"delivered": delivered,
	})
	return delivered, nil
}

func (h *Hub) secretMatches(secret string) bool {
	if h.cfg.Secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(h.cfg.Secret)) == 1
}

// Subscribe asks the gateway whether sessionID may join channels and, if so,
// subscribes conn to each and registers it under its identity. It returns
// the identity used.
func (h *Hub) Subscribe(ctx context.Context, conn Conn, sessionID, uniqueID string, channels []string) (string, error) {
	if !h.gateway.CheckSession(ctx, sessionID, channels, uniqueID) {
		logger.Warn(ctx, "unauthorized connection attempt", logger.Fields{
			"conn_id":  conn.ID(),
			"channels": channels,
		})
		return "", fmt.Errorf("subscribe: %w", ErrUnauthorized)
	}

	for _, name := range channels {
		h.channels.Subscribe(ctx, name, conn)
	}
	identity := identityFor(sessionID, uniqueID)
	h.connections.Register(sessionID, identity, conn)

	logger.Info(ctx, "registered connection", logger.Fields{
		"conn_id":       conn.ID(),
		"identity":      identity,
		"by_unique_id":  identity != sessionID,
		"channel_count": len(channels),
	})
	return identity, nil
}

// SendTo delivers message to the connection registered as identity. It
// reports whether the delivery succeeded; failures are logged and absorbed.
func (h *Hub) SendTo(ctx context.Context, identity, message string) bool {
	conn, ok := h.connections.Lookup(identity)
	if !ok {
		logger.Debug(ctx, "sendTo: no such identity", logger.Fields{"to": identity})
		return false
	}
	if err := conn.Send(framePayload(message)); err != nil {
		logger.Debug(ctx, "sendTo failed", logger.Fields{"to": identity, "error": err.Error()})
		return false
	}
	return true
}

// AddChannels subscribes the connection registered as identity to channels.
// It reports whether the identity resolved.
func (h *Hub) AddChannels(ctx context.Context, identity string, channels []string) bool {
	conn, ok := h.connections.Lookup(identity)
	if !ok {
		logger.Debug(ctx, "addChannel: no such identity", logger.Fields{"id": identity})
		return false
	}
	for _, name := range channels {
		h.channels.Subscribe(ctx, name, conn)
	}
	return true
}

// RemoveChannels unsubscribes the connection registered as identity from
// channels. It reports whether the identity resolved.
func (h *Hub) RemoveChannels(ctx context.Context, identity string, channels []string) bool {
	conn, ok := h.connections.Lookup(identity)
	if !ok {
		logger.Debug(ctx, "removeChannel: no such identity", logger.Fields{"id": identity})
		return false
	}
	for _, name := range channels {
		h.channels.Unsubscribe(ctx, name, conn)
	}
	return true
}

// logout removes the identity sessionID resolves to and notifies the gateway
// in the background.
func (h *Hub) logout(ctx context.Context, sessionID string) {
	identity, ok := h.connections.Logout(sessionID)
	if !ok {
		return
	}
	logger.Info(ctx, "logged off", logger.Fields{"identity": identity})

	notifyCtx := context.WithoutCancel(ctx)
	go func() {
		nctx, cancel := context.WithTimeout(notifyCtx, logoutNotifyTimeout)
		defer cancel()
		h.gateway.NotifyLogout(nctx, sessionID)
	}()
}

// NewSession starts protocol handling for a freshly accepted connection.
func (h *Hub) NewSession(conn Conn) *Session {
	h.sessions.Add(1)
	return &Session{hub: h, conn: conn}
}

// framePayload appends the outgoing frame terminator to message.
func framePayload(message string) []byte {
	out := make([]byte, 0, len(message)+1)
	out = append(out, message...)
	return append(out, frameTerminator)
}
