package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorded struct {
	cookie   string
	channels []string
	uniqueID string
	hasUID   bool
	path     string
}

// loginServer answers every request with status and records what it saw.
func loginServer(t *testing.T, status int) (*httptest.Server, func() []recorded, *atomic.Int32) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recorded
	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		rec := recorded{path: r.URL.Path, channels: r.URL.Query()["channels[]"]}
		if c, err := r.Cookie(DefaultSessionCookie); err == nil {
			rec.cookie = c.Value
		}
		rec.uniqueID = r.URL.Query().Get("unique_id")
		rec.hasUID = r.URL.Query().Has("unique_id")
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	return server, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), reqs...)
	}, &hits
}

func TestCheckSessionNoLoginURL(t *testing.T) {
	g := NewHTTPGateway(Config{})
	if !g.CheckSession(context.Background(), "s1", []string{"room"}, "") {
		t.Error("CheckSession() = false with no login URL, want true")
	}
}

func TestCheckSessionSendsCookieAndQuery(t *testing.T) {
	server, reqs, _ := loginServer(t, http.StatusOK)
	g := NewHTTPGateway(Config{LoginURL: server.URL + "/login"})

	if !g.CheckSession(context.Background(), "abc", []string{"room1", "room2"}, "u1") {
		t.Fatal("CheckSession() = false, want true")
	}

	got := reqs()
	if len(got) != 1 {
		t.Fatalf("login endpoint saw %d requests, want 1", len(got))
	}
	r := got[0]
	if r.path != "/login" {
		t.Errorf("path = %q, want /login", r.path)
	}
	if r.cookie != "abc" {
		t.Errorf("cookie = %q, want abc", r.cookie)
	}
	if len(r.channels) != 2 || r.channels[0] != "room1" || r.channels[1] != "room2" {
		t.Errorf("channels[] = %v, want [room1 room2]", r.channels)
	}
	if r.uniqueID != "u1" {
		t.Errorf("unique_id = %q, want u1", r.uniqueID)
	}
}

func TestCheckSessionOmitsNullUniqueID(t *testing.T) {
	server, reqs, _ := loginServer(t, http.StatusOK)
	g := NewHTTPGateway(Config{LoginURL: server.URL})

	g.CheckSession(context.Background(), "abc", []string{"room"}, "null")
	g.CheckSession(context.Background(), "abc", []string{"room"}, "")

	for _, r := range reqs() {
		if r.hasUID {
			t.Errorf("unique_id should be omitted, got %q", r.uniqueID)
		}
	}
}

func TestCheckSessionCustomCookie(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err == nil {
			got = c.Value
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	g := NewHTTPGateway(Config{LoginURL: server.URL, SessionCookie: "sid"})
	g.CheckSession(context.Background(), "xyz", nil, "")
	if got != "xyz" {
		t.Errorf("sid cookie = %q, want xyz", got)
	}
}

func TestCheckSessionDenied(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusFound} {
		server, _, hits := loginServer(t, status)
		g := NewHTTPGateway(Config{LoginURL: server.URL, FailurePolicy: FailOpen})

		if g.CheckSession(context.Background(), "s1", []string{"room"}, "") {
			t.Errorf("status %d: CheckSession() = true, want false", status)
		}
		if n := hits.Load(); n != 1 {
			t.Errorf("status %d: %d requests, denial must not be retried", status, n)
		}
	}
}

func TestCheckSessionServerErrorRetriesThenAppliesPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy FailurePolicy
		want   bool
	}{
		{name: "fail open", policy: FailOpen, want: true},
		{name: "fail closed", policy: FailClosed, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, hits := loginServer(t, http.StatusServiceUnavailable)
			g := NewHTTPGateway(Config{LoginURL: server.URL, FailurePolicy: tt.policy, Attempts: 3})

			if got := g.CheckSession(context.Background(), "s1", nil, ""); got != tt.want {
				t.Errorf("CheckSession() = %v, want %v", got, tt.want)
			}
			if n := hits.Load(); n != 3 {
				t.Errorf("login endpoint saw %d requests, want 3", n)
			}
		})
	}
}

func TestCheckSessionRecoversAfterTransientError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	g := NewHTTPGateway(Config{LoginURL: server.URL, FailurePolicy: FailClosed})
	if !g.CheckSession(context.Background(), "s1", nil, "") {
		t.Error("CheckSession() = false, want true after a retry succeeds")
	}
}

func TestCheckSessionUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	open := NewHTTPGateway(Config{LoginURL: url, Attempts: 1})
	if !open.CheckSession(context.Background(), "s1", nil, "") {
		t.Error("fail-open gateway should authorize when the endpoint is unreachable")
	}
	closed := NewHTTPGateway(Config{LoginURL: url, Attempts: 1, FailurePolicy: FailClosed})
	if closed.CheckSession(context.Background(), "s1", nil, "") {
		t.Error("fail-closed gateway should deny when the endpoint is unreachable")
	}
}

func TestCheckSessionTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	g := NewHTTPGateway(Config{LoginURL: server.URL, Timeout: 50 * time.Millisecond, FailurePolicy: FailClosed})

	start := time.Now()
	if g.CheckSession(context.Background(), "s1", nil, "") {
		t.Error("timed-out check under fail-closed should deny")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("check took %v, timeout was not enforced", elapsed)
	}
}

func TestCheckSessionCache(t *testing.T) {
	server, _, hits := loginServer(t, http.StatusOK)
	g := NewHTTPGateway(Config{LoginURL: server.URL, CacheTTL: time.Minute})
	ctx := context.Background()

	g.CheckSession(ctx, "s1", []string{"a"}, "")
	g.CheckSession(ctx, "s1", []string{"a"}, "")
	if n := hits.Load(); n != 1 {
		t.Errorf("cached approval should skip the endpoint, saw %d requests", n)
	}

	g.CheckSession(ctx, "s1", []string{"b"}, "")
	if n := hits.Load(); n != 2 {
		t.Errorf("different channels must not hit the cache, saw %d requests", n)
	}
	if g.cache.Len() != 2 {
		t.Errorf("cache Len() = %d, want 2", g.cache.Len())
	}
}

func TestCheckSessionCacheSkipsFailOpen(t *testing.T) {
	server, _, _ := loginServer(t, http.StatusInternalServerError)
	g := NewHTTPGateway(Config{LoginURL: server.URL, CacheTTL: time.Minute, Attempts: 1})

	if !g.CheckSession(context.Background(), "s1", nil, "") {
		t.Fatal("fail-open should authorize")
	}
	if g.cache.Len() != 0 {
		t.Error("fail-open approvals must not be cached")
	}
}

func TestNotifyLogout(t *testing.T) {
	server, reqs, _ := loginServer(t, http.StatusOK)
	g := NewHTTPGateway(Config{LogoutURL: server.URL + "/logout"})

	g.NotifyLogout(context.Background(), "abc")

	got := reqs()
	if len(got) != 1 {
		t.Fatalf("logout endpoint saw %d requests, want 1", len(got))
	}
	if got[0].path != "/logout" || got[0].cookie != "abc" {
		t.Errorf("logout request = %+v", got[0])
	}
}

func TestNotifyLogoutIgnoresFailures(t *testing.T) {
	server, _, hits := loginServer(t, http.StatusInternalServerError)
	g := NewHTTPGateway(Config{LogoutURL: server.URL})
	g.NotifyLogout(context.Background(), "abc")
	if n := hits.Load(); n != 1 {
		t.Errorf("logout should be attempted once, saw %d", n)
	}

	NewHTTPGateway(Config{}).NotifyLogout(context.Background(), "abc")
	NewHTTPGateway(Config{LogoutURL: "http://127.0.0.1:1/"}).NotifyLogout(context.Background(), "abc")
}

func TestLoginTarget(t *testing.T) {
	got, err := loginTarget("http://example.com/check?app=1", []string{"a b", "c"}, "u1")
	if err != nil {
		t.Fatalf("loginTarget() error = %v", err)
	}
	want := "http://example.com/check?app=1&channels%5B%5D=a+b&channels%5B%5D=c&unique_id=u1"
	if got != want {
		t.Errorf("loginTarget() = %q, want %q", got, want)
	}

	if _, err := loginTarget("://bad", nil, ""); err == nil {
		t.Error("expected error for invalid URL")
	}
}
