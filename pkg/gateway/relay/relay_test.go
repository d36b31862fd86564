package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veralis/intake-gateway/pkg/gateway/apierror"
	"github.com/veralis/intake-gateway/pkg/gateway/inquiry"
	"github.com/veralis/intake-gateway/pkg/gateway/ratelimit"
	"github.com/veralis/intake-gateway/pkg/gateway/sessions"
)

func testHandler() *Handler {
	return &Handler{
		Config: Config{
			UpstreamAPIKey:      "test-key",
			AllowedOrigins:      map[string]struct{}{"https://veralis.example": {}},
			MaxFrameBytes:       1 << 20,
			MaxFramesPerSession: 1000,
			WriteTimeout:        time.Second,
		},
		Sessions: sessions.NewTracker(),
		Dial: func(ctx context.Context) (Conn, error) {
			return newFakeConn(), nil
		},
		NewMachine: func() *inquiry.Machine {
			return inquiry.NewMachine(inquiry.MachineConfig{Store: stubStore{}})
		},
	}
}

func upgradeRequest(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/v1/realtime", nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Sec-WebSocket-Version", "13")
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func decodeError(t *testing.T, body string) *apierror.Error {
	t.Helper()
	var env apierror.Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		t.Fatalf("error body %q: %v", body, err)
	}
	if env.Error == nil {
		t.Fatalf("no error in body %q", body)
	}
	return env.Error
}

func TestAdmission_NonUpgradeGets501(t *testing.T) {
	h := testHandler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/realtime", nil))

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
	if e := decodeError(t, rec.Body.String()); e.Code != "upgrade_required" {
		t.Fatalf("code = %q", e.Code)
	}
}

func TestAdmission_MissingCredentialGets500(t *testing.T) {
	h := testHandler()
	h.Config.UpstreamAPIKey = "   "
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, upgradeRequest("https://veralis.example"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if e := decodeError(t, rec.Body.String()); e.Code != "upstream_unconfigured" {
		t.Fatalf("code = %q", e.Code)
	}
}

func TestAdmission_DisallowedOriginGets403(t *testing.T) {
	h := testHandler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, upgradeRequest("https://evil.example"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAdmission_MissingOriginGets403(t *testing.T) {
	// No Referer fallback, no exception for non-browser callers.
	h := testHandler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, upgradeRequest(""))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAdmission_RateLimitGets429WithRetryAfter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := testHandler()
	h.Limiter = ratelimit.New(ratelimit.Config{
		Attempts: 1,
		Window:   time.Minute,
		Now:      func() time.Time { return now },
	})

	// Burn the single attempt. The request then fails at upgrade (recorder
	// cannot hijack), which is past admission.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, upgradeRequest("https://veralis.example"))
	if rec.Code == http.StatusTooManyRequests {
		t.Fatalf("first attempt must be admitted")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, upgradeRequest("https://veralis.example"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "60" {
		t.Fatalf("Retry-After = %q, want 60", ra)
	}
}

func TestAdmission_RateLimitIgnoresForwardedFor(t *testing.T) {
	// The limit keys on the transport peer, so a caller rotating
	// X-Forwarded-For values still burns the same budget.
	now := time.Unix(1700000000, 0)
	h := testHandler()
	h.Limiter = ratelimit.New(ratelimit.Config{
		Attempts: 1,
		Window:   time.Minute,
		Now:      func() time.Time { return now },
	})

	first := upgradeRequest("https://veralis.example")
	first.Header.Set("X-Forwarded-For", "198.51.100.1")
	h.ServeHTTP(httptest.NewRecorder(), first)

	second := upgradeRequest("https://veralis.example")
	second.Header.Set("X-Forwarded-For", "198.51.100.2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, second)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestAdmission_ChecksRunInOrder(t *testing.T) {
	// A request failing several gates at once reports the earliest one.
	h := testHandler()
	h.Config.UpstreamAPIKey = ""
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/realtime", nil))
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501 before the credential check", rec.Code)
	}

	h = testHandler()
	h.Config.UpstreamAPIKey = ""
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, upgradeRequest("https://evil.example"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 before the origin check", rec.Code)
	}
}

func TestRelay_EndToEndUpgrade(t *testing.T) {
	upstream := newFakeConn()
	h := testHandler()
	h.Dial = func(ctx context.Context) (Conn, error) { return upstream, nil }

	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime"
	header := http.Header{"Origin": []string{"https://veralis.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"setup":{"model":"models/gemini-2.0-flash-live-001"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "setup frame bridged", func() bool { return upstream.writeCount() == 1 })

	if h.Sessions.Count() != 1 {
		t.Fatalf("tracked sessions = %d, want 1", h.Sessions.Count())
	}

	// Upstream output comes back down the same socket.
	upstream.push(`{"serverContent":{"modelTurn":{"parts":[{"text":"hello"}]}}}`)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(frame), "hello") {
		t.Fatalf("frame = %q", frame)
	}
}
