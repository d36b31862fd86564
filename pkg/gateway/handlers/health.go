package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/veralis/intake-gateway/pkg/gateway/config"
	"github.com/veralis/intake-gateway/pkg/gateway/lifecycle"
	"github.com/veralis/intake-gateway/pkg/gateway/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger is the database dependency of readiness, nil when the gateway runs
// without persistence.
type Pinger interface {
	Healthy(ctx context.Context) error
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	DB        Pinger
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		Draining      bool     `json:"draining"`
		LiveSessions  int      `json:"live_sessions"`
		RelayEnabled  bool     `json:"relay_enabled"`
		StoreEnabled  bool     `json:"store_enabled"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.MaxFrameBytes <= 0 {
		issues = append(issues, "max frame bytes must be > 0")
	}
	if h.Config.MaxFramesPerSession <= 0 {
		issues = append(issues, "max frames per session must be > 0")
	}
	if h.Config.RateLimitAttempts <= 0 || h.Config.RateLimitWindow <= 0 {
		issues = append(issues, "rate limit must be configured")
	}
	if h.Config.SubmitTimeout <= 0 {
		issues = append(issues, "submit timeout must be > 0")
	}
	if h.Lifecycle.IsDraining() {
		issues = append(issues, "gateway is draining")
	}
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.DB.Healthy(ctx); err != nil {
			issues = append(issues, "database is unreachable")
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:           ok,
		Draining:     h.Lifecycle.IsDraining(),
		LiveSessions: h.Sessions.Count(),
		RelayEnabled: h.Config.UpstreamAPIKey != "",
		StoreEnabled: h.DB != nil,
		Issues:       issues,
	})
}
