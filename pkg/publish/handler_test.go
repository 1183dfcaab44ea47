package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/codeGROOVE-dev/juggler/pkg/srv"
)

const secret = "testsecret"

type recordingConn struct {
	got []string
	mu  sync.Mutex
}

func (*recordingConn) ID() string { return "rec" }

func (c *recordingConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, string(data))
	return nil
}

func (c *recordingConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func setup(t *testing.T) (*Handler, *recordingConn) {
	t.Helper()
	h := srv.NewHub(srv.Config{Secret: secret}, nil)
	conn := &recordingConn{}
	h.Channels().Subscribe(context.Background(), "room1", conn)
	return NewHandler(h), conn
}

func post(handler http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/publish", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestPublishDelivers(t *testing.T) {
	handler, conn := setup(t)

	w := post(handler, `{"broadcast":1,"secret":"testsecret","channels":["room1","empty"],"message":"hi"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Delivered != 1 {
		t.Errorf("expected 1 delivery, got %d", resp.Delivered)
	}
	if msgs := conn.messages(); len(msgs) != 1 || msgs[0] != "hi\x00" {
		t.Errorf("subscriber received %q", msgs)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}
}

func TestPublishRejections(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{
			name:   "wrong method",
			method: http.MethodGet,
			want:   http.StatusMethodNotAllowed,
		},
		{
			name:   "bad secret",
			method: http.MethodPost,
			body:   `{"secret":"wrong","channels":["room1"],"message":"hi"}`,
			want:   http.StatusUnauthorized,
		},
		{
			name:   "missing secret",
			method: http.MethodPost,
			body:   `{"channels":["room1"],"message":"hi"}`,
			want:   http.StatusUnauthorized,
		},
		{
			name:   "not json",
			method: http.MethodPost,
			body:   "hello",
			want:   http.StatusBadRequest,
		},
		{
			name:   "no channels",
			method: http.MethodPost,
			body:   `{"secret":"testsecret","message":"hi"}`,
			want:   http.StatusBadRequest,
		},
		{
			name:   "too large",
			method: http.MethodPost,
			body:   `{"secret":"testsecret","channels":["room1"],"message":"` + strings.Repeat("x", maxPayloadSize) + `"}`,
			want:   http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, conn := setup(t)
			req := httptest.NewRequest(tt.method, "/publish", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, w.Code)
			}
			if msgs := conn.messages(); len(msgs) != 0 {
				t.Errorf("rejected publish delivered %q", msgs)
			}
		})
	}
}
