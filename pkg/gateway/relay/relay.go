// Package relay bridges a browser websocket to the realtime model upstream.
// The handler owns admission (upgrade intent, upstream credential, origin,
// rate limit, in that order); the session owns the bidirectional bridge.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veralis/intake-gateway/pkg/gateway/apierror"
	"github.com/veralis/intake-gateway/pkg/gateway/dispatch"
	"github.com/veralis/intake-gateway/pkg/gateway/inquiry"
	"github.com/veralis/intake-gateway/pkg/gateway/lifecycle"
	"github.com/veralis/intake-gateway/pkg/gateway/mw"
	"github.com/veralis/intake-gateway/pkg/gateway/playback"
	"github.com/veralis/intake-gateway/pkg/gateway/ratelimit"
	"github.com/veralis/intake-gateway/pkg/gateway/sessions"
)

// Config is the per-handler slice of gateway configuration the relay needs.
type Config struct {
	UpstreamAPIKey      string
	AllowedOrigins      map[string]struct{}
	MaxFrameBytes       int64
	MaxFramesPerSession int
	WriteTimeout        time.Duration
	PingInterval        time.Duration
}

// Handler serves the /v1/realtime websocket endpoint.
type Handler struct {
	Config    Config
	Logger    *slog.Logger
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker

	// Dial opens the upstream socket. Injected so tests can bridge to a fake.
	Dial DialFunc

	// Identify resolves the caller's identity for the duplicate guard.
	Identify func(*http.Request) inquiry.Identity

	// NewMachine builds a fresh capture machine per session.
	NewMachine func() *inquiry.Machine

	// Now is the session clock; nil means time.Now.
	Now func() time.Time
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.logger().With("request_id", reqID)

	if !websocket.IsWebSocketUpgrade(r) {
		apierror.WriteStatus(w, http.StatusNotImplemented, &apierror.Error{
			Type:      apierror.TypeInvalidRequest,
			Message:   "this endpoint only speaks websocket",
			Code:      "upgrade_required",
			RequestID: reqID,
		})
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.WriteStatus(w, http.StatusServiceUnavailable, &apierror.Error{
			Type:      apierror.TypeAPI,
			Message:   "gateway is draining",
			Code:      "draining",
			RequestID: reqID,
		})
		return
	}
	if strings.TrimSpace(h.Config.UpstreamAPIKey) == "" {
		apierror.WriteStatus(w, http.StatusInternalServerError, &apierror.Error{
			Type:      apierror.TypeAPI,
			Message:   "realtime upstream is not configured",
			Code:      "upstream_unconfigured",
			RequestID: reqID,
		})
		return
	}
	if !h.originAllowed(r) {
		apierror.WriteStatus(w, http.StatusForbidden, &apierror.Error{
			Type:      apierror.TypePermission,
			Message:   "origin is not allowed",
			Param:     "Origin",
			RequestID: reqID,
		})
		return
	}
	if h.Limiter != nil {
		dec := h.Limiter.Allow(clientKey(r))
		if !dec.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			apierror.WriteStatus(w, http.StatusTooManyRequests, &apierror.Error{
				Type:      apierror.TypeRateLimit,
				Message:   "too many session attempts, slow down",
				Code:      "rate_limited",
				RequestID: reqID,
			})
			return
		}
	}

	upgrader := websocket.Upgrader{
		// Origin was already vetted above.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if h.Config.MaxFrameBytes > 0 {
		// Transport guard only. The per-frame ceiling is enforced (by silent
		// drop) in the session loop; this bound just stops pathological frames
		// from buffering unbounded.
		conn.SetReadLimit(2 * h.Config.MaxFrameBytes)
	}

	id := inquiry.Identity{}
	if h.Identify != nil {
		id = h.Identify(r)
	}
	var machine *inquiry.Machine
	if h.NewMachine != nil {
		machine = h.NewMachine()
	} else {
		machine = inquiry.NewMachine(inquiry.MachineConfig{})
	}

	sessionID := "sess_" + randHex(10)
	sess := NewSession(SessionParams{
		ID:         sessionID,
		Client:     conn,
		Dial:       h.Dial,
		Dispatcher: dispatch.New(machine, id, logger.With("session_id", sessionID)),
		Scheduler:  playback.NewScheduler(h.Now),
		Logger:     logger.With("session_id", sessionID),
		Config:     h.Config,
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	unregister := h.Sessions.Register(sessionID, sessions.Handle{
		Cancel: cancel,
		Notify: sess.Notify,
	})
	defer unregister()

	logger.Info("relay session started", "session_id", sessionID)
	sess.Run(ctx)
	logger.Info("relay session finished", "session_id", sessionID,
		"frames_in", sess.FramesIn(), "frames_out", sess.FramesOut())
}

// originAllowed requires a present Origin matching the allow-list. No
// fallback to Referer or other headers; an empty allow-list admits nobody.
func (h *Handler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return false
	}
	_, ok := h.Config.AllowedOrigins[strings.ToLower(origin)]
	return ok
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// clientKey derives the rate-limit key from the transport peer address.
// Forwarded-for headers are client-suppliable and deliberately ignored.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func randHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(buf)
}
