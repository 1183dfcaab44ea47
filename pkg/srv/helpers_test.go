package srv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const testSecret = "SECRET"

var errBrokenPipe = errors.New("broken pipe")

// fakeConn records everything sent to it.
type fakeConn struct {
	id   string
	sent [][]byte
	mu   sync.Mutex
	fail bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errBrokenPipe
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) setFail(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, b := range c.sent {
		out[i] = string(b)
	}
	return out
}

type checkCall struct {
	sessionID string
	uniqueID  string
	channels  []string
}

// stubGateway approves or denies every session and records calls.
type stubGateway struct {
	logouts chan string
	checks  []checkCall
	mu      sync.Mutex
	deny    bool
}

func newStubGateway() *stubGateway {
	return &stubGateway{logouts: make(chan string, 16)}
}

func (g *stubGateway) CheckSession(_ context.Context, sessionID string, channels []string, uniqueID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks = append(g.checks, checkCall{sessionID: sessionID, uniqueID: uniqueID, channels: channels})
	return !g.deny
}

func (g *stubGateway) NotifyLogout(_ context.Context, sessionID string) {
	g.logouts <- sessionID
}

func (g *stubGateway) calls() []checkCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]checkCall(nil), g.checks...)
}

func newTestHub(t *testing.T, cfg Config) (*Hub, *stubGateway) {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	gw := newStubGateway()
	return NewHub(cfg, gw), gw
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectLogout(t *testing.T, gw *stubGateway, want string) {
	t.Helper()
	select {
	case got := <-gw.logouts:
		if got != want {
			t.Errorf("NotifyLogout(%q), want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no logout notification for %q", want)
	}
}
