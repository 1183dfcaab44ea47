package srv

import (
	"bytes"
	"context"

	"github.com/codeGROOVE-dev/juggler/pkg/logger"
)

// frameTerminator ends every outgoing payload.
const frameTerminator byte = 0

// frameTerminators are the bytes that end an incoming frame.
const frameTerminators = "\x00\n\r"

// Session is the protocol handler for one connection. It accumulates bytes,
// splits them into frames, decodes each frame into a command and dispatches
// it against the hub.
//
// A Session is driven by its transport's read loop: Receive and Close must
// not be called concurrently.
type Session struct {
	hub       *Hub
	conn      Conn
	sessionID  string
	buf        []byte
	closed     bool
	subscribed bool // an authorized subscribe has set sessionID
}

// SessionID returns the session id of the last authorized subscribe, if any.
func (s *Session) SessionID() string {
	return s.sessionID
}

// logout drops the identity this session registered. A session that never
// subscribed owns no alias and logs nothing out.
func (s *Session) logout(ctx context.Context) {
	if !s.subscribed {
		return
	}
	s.hub.logout(ctx, s.sessionID)
}

// Receive feeds a chunk of bytes from the transport. Every complete frame in
// the accumulated buffer is handled in order; a trailing partial frame stays
// buffered. A zero-length chunk is an explicit flush and logs the session off.
func (s *Session) Receive(ctx context.Context, chunk []byte) {
	if s.closed {
		return
	}
	if len(chunk) == 0 {
		s.logout(ctx)
		return
	}

	s.buf = append(s.buf, chunk...)
	rest := s.buf
	for {
		i := bytes.IndexAny(rest, frameTerminators)
		if i < 0 {
			break
		}
		s.handleFrame(ctx, rest[:i])
		rest = rest[i+1:]
	}
	s.buf = append(s.buf[:0], rest...)

	if len(s.buf) > s.hub.cfg.MaxFrameSize {
		logger.Warn(ctx, "discarding oversized frame", logger.Fields{
			"conn_id":  s.conn.ID(),
			"buffered": len(s.buf),
			"max":      s.hub.cfg.MaxFrameSize,
			"error":    ErrFrameTooLarge.Error(),
		})
		s.buf = nil
	}
}

// Close ends the session: any buffered partial frame is handled, then the
// session is logged off. With eager cleanup the connection also leaves every
// channel. Close is idempotent.
func (s *Session) Close(ctx context.Context) {
	if s.closed {
		return
	}
	if len(bytes.TrimSpace(s.buf)) > 0 {
		s.handleFrame(ctx, s.buf)
	}
	s.buf = nil
	s.closed = true

	s.logout(ctx)
	if s.hub.cfg.EagerCleanup {
		s.hub.channels.UnsubscribeAll(ctx, s.conn)
	}
	s.hub.sessions.Add(-1)
	logger.Debug(ctx, "session closed", logger.Fields{"conn_id": s.conn.ID()})
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	frame := bytes.TrimSpace(raw)
	if len(frame) == 0 {
		return
	}

	if string(frame) == PolicyFileRequest {
		if err := s.conn.Send(s.hub.policy); err != nil {
			logger.Debug(ctx, "failed to send policy document", logger.Fields{
				"conn_id": s.conn.ID(),
				"error":   err.Error(),
			})
		}
		logger.Debug(ctx, "crossdomain policy request", logger.Fields{"conn_id": s.conn.ID()})
		return
	}

	req, err := DecodeRequest(frame)
	if err != nil {
		logger.Warn(ctx, "failed to parse frame", logger.Fields{
			"conn_id": s.conn.ID(),
			"bytes":   len(frame),
			"error":   err.Error(),
		})
		return
	}
	s.dispatch(ctx, req.Command())
}

func (s *Session) dispatch(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case BroadcastCommand:
		_, _ = s.hub.Broadcast(ctx, c.Secret, c.Message, c.Channels) //nolint:errcheck // rejection is logged by the hub
	case SubscribeCommand:
		if _, err := s.hub.Subscribe(ctx, s.conn, c.SessionID, c.UniqueID, c.Channels); err != nil {
			return
		}
		s.sessionID = c.SessionID
		s.subscribed = true
	case SendToCommand:
		s.hub.SendTo(ctx, c.To, c.Message)
	case AddChannelCommand:
		s.hub.AddChannels(ctx, c.ID, c.Channels)
	case RemoveChannelCommand:
		s.hub.RemoveChannels(ctx, c.ID, c.Channels)
	case SesToUniqueIDCommand:
		logger.Debug(ctx, "sesToUniqueId is not supported", logger.Fields{"conn_id": s.conn.ID()})
	case UnknownCommand:
		logger.Debug(ctx, "ignoring unknown function", logger.Fields{
			"conn_id":  s.conn.ID(),
			"function": c.Function,
		})
	}
}
