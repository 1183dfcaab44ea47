// Package auth validates subscription attempts against an external login
// endpoint and notifies it of logouts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Gateway authorizes subscribe attempts and receives logout notifications.
type Gateway interface {
	// CheckSession reports whether sessionID may subscribe to channels.
	CheckSession(ctx context.Context, sessionID string, channels []string, uniqueID string) bool
	// NotifyLogout tells the gateway the session disconnected. Failures are ignored.
	NotifyLogout(ctx context.Context, sessionID string)
}

// AllowAll authorizes every session and ignores logouts.
type AllowAll struct{}

// CheckSession always returns true.
func (AllowAll) CheckSession(context.Context, string, []string, string) bool { return true }

// NotifyLogout does nothing.
func (AllowAll) NotifyLogout(context.Context, string) {}

var (
	// ErrDenied is returned when the login endpoint rejects a session.
	ErrDenied = errors.New("session denied")

	// ErrGatewayUnavailable is returned when the login endpoint cannot be
	// reached or keeps failing.
	ErrGatewayUnavailable = errors.New("auth gateway unavailable")
)

// FailurePolicy decides what an unreachable login endpoint means.
type FailurePolicy int

const (
	// FailOpen treats an unreachable endpoint as approval.
	FailOpen FailurePolicy = iota
	// FailClosed treats an unreachable endpoint as denial.
	FailClosed
)

func (p FailurePolicy) String() string {
	if p == FailClosed {
		return "fail-closed"
	}
	return "fail-open"
}

// ParseFailurePolicy parses "fail-open" or "fail-closed".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail-open", "open":
		return FailOpen, nil
	case "fail-closed", "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown auth failure policy %q", s)
	}
}
