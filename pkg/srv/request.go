package srv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// nullUniqueID is what clients send in unique_id when they have none.
const nullUniqueID = "null"

// Request is a decoded protocol frame.
type Request struct {
	Broadcast json.RawMessage `json:"broadcast,omitempty"`
	Function  string          `json:"function,omitempty"`
	Secret    string          `json:"secret,omitempty"`
	Message   string          `json:"message,omitempty"`
	To        string          `json:"to,omitempty"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"ses_id,omitempty"`
	UniqueID  string          `json:"unique_id,omitempty"`
	Channels  []string        `json:"channels,omitempty"`
}

// DecodeRequest parses frame as a single JSON object.
func DecodeRequest(frame []byte) (*Request, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}
	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return &req, nil
}

// IsBroadcast reports whether the broadcast field holds the number 1.
func (r *Request) IsBroadcast() bool {
	if len(r.Broadcast) == 0 {
		return false
	}
	n, err := strconv.ParseFloat(string(r.Broadcast), 64)
	return err == nil && n == 1
}

// Kind identifies a command.
type Kind int

// Command kinds.
const (
	KindUnknown Kind = iota
	KindSubscribe
	KindBroadcast
	KindSendTo
	KindAddChannel
	KindRemoveChannel
	KindSesToUniqueID
)

func (k Kind) String() string {
	switch k {
	case KindSubscribe:
		return "subscribe"
	case KindBroadcast:
		return "broadcast"
	case KindSendTo:
		return "sendTo"
	case KindAddChannel:
		return "addChannel"
	case KindRemoveChannel:
		return "removeChannel"
	case KindSesToUniqueID:
		return "sesToUniqueId"
	default:
		return "unknown"
	}
}

// Command is one of the concrete command types below.
type Command interface {
	Kind() Kind
}

// SubscribeCommand joins the sending connection to channels after the auth
// gateway approves the session.
type SubscribeCommand struct {
	SessionID string
	UniqueID  string
	Channels  []string
}

// BroadcastCommand publishes Message to Channels if Secret matches.
type BroadcastCommand struct {
	Secret   string
	Message  string
	Channels []string
}

// SendToCommand delivers Message to the connection registered as To.
type SendToCommand struct {
	To      string
	Message string
}

// AddChannelCommand subscribes the connection registered as ID to Channels.
type AddChannelCommand struct {
	ID       string
	Channels []string
}

// RemoveChannelCommand unsubscribes the connection registered as ID.
type RemoveChannelCommand struct {
	ID       string
	Channels []string
}

// SesToUniqueIDCommand is recognized but not supported.
type SesToUniqueIDCommand struct {
	SessionID string
	UniqueID  string
}

// UnknownCommand carries an unrecognized function name.
type UnknownCommand struct {
	Function string
}

func (SubscribeCommand) Kind() Kind     { return KindSubscribe }
func (BroadcastCommand) Kind() Kind     { return KindBroadcast }
func (SendToCommand) Kind() Kind        { return KindSendTo }
func (AddChannelCommand) Kind() Kind    { return KindAddChannel }
func (RemoveChannelCommand) Kind() Kind { return KindRemoveChannel }
func (SesToUniqueIDCommand) Kind() Kind { return KindSesToUniqueID }
func (UnknownCommand) Kind() Kind       { return KindUnknown }

// Command classifies the request. A broadcast flag wins over everything;
// a request without a function is a subscribe.
func (r *Request) Command() Command {
	if r.IsBroadcast() {
		return BroadcastCommand{Secret: r.Secret, Message: r.Message, Channels: r.Channels}
	}
	switch r.Function {
	case "":
		return SubscribeCommand{SessionID: r.SessionID, UniqueID: r.UniqueID, Channels: r.Channels}
	case "sendTo":
		return SendToCommand{To: r.To, Message: r.Message}
	case "addChannel":
		return AddChannelCommand{ID: r.ID, Channels: r.Channels}
	case "removeChannel":
		return RemoveChannelCommand{ID: r.ID, Channels: r.Channels}
	case "sesToUniqueId":
		return SesToUniqueIDCommand{SessionID: r.SessionID, UniqueID: r.UniqueID}
	default:
		return UnknownCommand{Function: r.Function}
	}
}

// identityFor picks the key a subscribing connection is registered under.
func identityFor(sessionID, uniqueID string) string {
	if uniqueID == "" || uniqueID == nullUniqueID {
		return sessionID
	}
	return uniqueID
}
