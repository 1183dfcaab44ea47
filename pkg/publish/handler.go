// Package publish provides an HTTP endpoint that lets backend applications
// broadcast to relay channels without holding a relay connection.
package publish

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/codeGROOVE-dev/juggler/pkg/logger"
	"github.com/codeGROOVE-dev/juggler/pkg/srv"
)

const maxPayloadSize = 1 << 20 // 1MB

// Response is the body of a successful publish.
type Response struct {
	Delivered int `json:"delivered"`
}

// Handler accepts broadcast requests over HTTP.
type Handler struct {
	hub *srv.Hub
}

// NewHandler creates a new publish handler.
func NewHandler(h *srv.Hub) *Handler {
	return &Handler{hub: h}
}

// ServeHTTP decodes a broadcast body of the same shape as the wire protocol's
// broadcast frame and fans it out through the hub.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	logger.Debug(ctx, "publish request received", logger.Fields{
		"method":       r.Method,
		"remote_addr":  r.RemoteAddr,
		"user_agent":   r.UserAgent(),
		"content_type": r.Header.Get("Content-Type"),
	})

	if r.Method != http.MethodPost {
		logger.Warn(ctx, "publish rejected: invalid method", logger.Fields{
			"method":      r.Method,
			"remote_addr": r.RemoteAddr,
		})
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.ContentLength > maxPayloadSize {
		logger.Warn(ctx, "publish rejected: payload too large", logger.Fields{
			"content_length": r.ContentLength,
			"max_size":       maxPayloadSize,
		})
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize+1))
	if err != nil {
		logger.Error(ctx, "error reading publish body", err, logger.Fields{"remote_addr": r.RemoteAddr})
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if len(body) > maxPayloadSize {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	req, err := srv.DecodeRequest(body)
	if err != nil {
		logger.Warn(ctx, "publish rejected: malformed body", logger.Fields{
			"remote_addr":  r.RemoteAddr,
			"payload_size": len(body),
			"error":        err.Error(),
		})
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if len(req.Channels) == 0 {
		http.Error(w, "no channels", http.StatusBadRequest)
		return
	}

	delivered, err := h.hub.Broadcast(ctx, req.Secret, req.Message, req.Channels)
	if errors.Is(err, srv.ErrUnauthorized) {
		logger.Warn(ctx, "publish rejected: 401 Unauthorized", logger.Fields{
			"remote_addr": r.RemoteAddr,
			"secret_set":  req.Secret != "",
		})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err != nil {
		logger.Error(ctx, "publish failed", err, nil)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	logger.Info(ctx, "published", logger.Fields{
		"channels":  req.Channels,
		"delivered": delivered,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(Response{Delivered: delivered}); err != nil {
		logger.Debug(ctx, "failed to write publish response", logger.Fields{"error": err.Error()})
	}
}
