package srv

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/juggler/pkg/logger"
	"github.com/codeGROOVE-dev/juggler/pkg/security"
)

// WebSocketHandler serves the relay protocol over WebSocket. Each message
// from the peer is fed to a Session as if it were a chunk of the TCP
// stream, and every outgoing payload is sent as one text message.
type WebSocketHandler struct {
	hub          *Hub
	limiter      *security.ConnectionLimiter
	writeTimeout time.Duration
}

// NewWebSocketHandler creates a handler. A nil limiter admits every connection.
func NewWebSocketHandler(h *Hub, limiter *security.ConnectionLimiter, writeTimeout time.Duration) *WebSocketHandler {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WebSocketHandler{hub: h, limiter: limiter, writeTimeout: writeTimeout}
}

// ServeHTTP enforces connection limits before the upgrade. A rejected
// client gets 429.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := security.ClientIP(r)
	if h.limiter != nil {
		if !h.limiter.Add(ip) {
			logger.Warn(r.Context(), "connection limit exceeded", logger.Fields{"ip": ip, "transport": "websocket"})
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		defer h.limiter.Remove(ip)
	}

	// The policy document allows any origin, so the handshake does too.
	srv := websocket.Server{
		Handler:   h.Handle,
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
	}
	srv.ServeHTTP(w, r)
}

// Handle runs a session for an upgraded connection until the peer goes away.
func (h *WebSocketHandler) Handle(ws *websocket.Conn) {
	ctx := ws.Request().Context()
	ip := security.ClientIP(ws.Request())

	ws.PayloadType = websocket.TextFrame
	ws.MaxPayloadBytes = h.hub.cfg.MaxFrameSize

	client := NewClient(uuid.NewString(), ws, ws.Request().RemoteAddr, h.writeTimeout)
	session := h.hub.NewSession(client)
	logger.Info(ctx, "connection accepted", logger.Fields{
		"conn_id":   client.ID(),
		"ip":        ip,
		"transport": "websocket",
		"origin":    ws.Request().Header.Get("Origin"),
	})

	defer func() {
		session.Close(ctx)
		if err := client.Close(); err != nil && !isClosedConnError(err) {
			logger.Debug(ctx, "close failed", logger.Fields{"conn_id": client.ID(), "error": err.Error()})
		}
		logger.Info(ctx, "connection closed", logger.Fields{"conn_id": client.ID(), "ip": ip})
	}()

	for {
		var msg []byte
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				logger.Warn(ctx, "discarding oversized message", logger.Fields{
					"conn_id": client.ID(),
					"max":     ws.MaxPayloadBytes,
				})
				continue
			}
			if !errors.Is(err, io.EOF) && !client.IsClosed() {
				logger.Debug(ctx, "read failed", logger.Fields{"conn_id": client.ID(), "error": err.Error()})
			}
			return
		}
		if len(msg) == 0 {
			continue
		}
		if !strings.ContainsRune(frameTerminators, rune(msg[len(msg)-1])) {
			msg = append(msg, frameTerminator)
		}
		session.Receive(ctx, msg)
	}
}

func isClosedConnError(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}
