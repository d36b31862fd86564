package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Upstream realtime generation service.
	UpstreamWSURL  string
	UpstreamAPIKey string
	UpstreamModel  string

	// Exact-match Origin allowlist for the relay upgrade endpoint.
	AllowedOrigins map[string]struct{}

	// Relay ceilings.
	MaxFrameBytes       int64
	MaxFramesPerSession int

	// Upgrade admission rate limit (per remote address, fixed window).
	RateLimitAttempts int
	RateLimitWindow   time.Duration

	// Relay socket timings.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	DialTimeout      time.Duration

	// Inquiry persistence.
	DatabaseURL   string
	SubmitTimeout time.Duration

	// Legacy lead sink (Google Forms). Empty URL disables the sink.
	LeadsFormURL        string
	LeadsNameField      string
	LeadsCompanyField   string
	LeadsEmailField     string
	LeadsChallengeField string

	// Identity (WorkOS user management).
	WorkOSAPIKey      string
	SessionCookieName string

	// Billing (Stripe).
	StripeAPIKey        string
	StripeWebhookSecret string
	StripePriceID       string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	// Process mapper.
	MapperModel string

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("INTAKE_ADDR", ":8080"),
		UpstreamWSURL:        envOr("INTAKE_UPSTREAM_WS_URL", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"),
		UpstreamAPIKey:       strings.TrimSpace(os.Getenv("INTAKE_GEMINI_API_KEY")),
		UpstreamModel:        envOr("INTAKE_UPSTREAM_MODEL", "models/gemini-2.0-flash-live-001"),
		AllowedOrigins:       make(map[string]struct{}),
		MaxFrameBytes:        envInt64Or("INTAKE_MAX_FRAME_BYTES", 1<<20),
		MaxFramesPerSession:  envIntOr("INTAKE_MAX_FRAMES_PER_SESSION", 1000),
		RateLimitAttempts:    envIntOr("INTAKE_RATE_LIMIT_ATTEMPTS", 10),
		RateLimitWindow:      envDurationOr("INTAKE_RATE_LIMIT_WINDOW", 60*time.Second),
		HandshakeTimeout:     envDurationOr("INTAKE_HANDSHAKE_TIMEOUT", 5*time.Second),
		WriteTimeout:         envDurationOr("INTAKE_WS_WRITE_TIMEOUT", 5*time.Second),
		PingInterval:         envDurationOr("INTAKE_WS_PING_INTERVAL", 20*time.Second),
		DialTimeout:          envDurationOr("INTAKE_UPSTREAM_DIAL_TIMEOUT", 10*time.Second),
		DatabaseURL:          strings.TrimSpace(os.Getenv("INTAKE_DATABASE_URL")),
		SubmitTimeout:        envDurationOr("INTAKE_SUBMIT_TIMEOUT", 10*time.Second),
		LeadsFormURL:         strings.TrimSpace(os.Getenv("INTAKE_LEADS_FORM_URL")),
		LeadsNameField:       envOr("INTAKE_LEADS_NAME_FIELD", "entry.1001"),
		LeadsCompanyField:    envOr("INTAKE_LEADS_COMPANY_FIELD", "entry.1002"),
		LeadsEmailField:      envOr("INTAKE_LEADS_EMAIL_FIELD", "entry.1003"),
		LeadsChallengeField:  envOr("INTAKE_LEADS_CHALLENGE_FIELD", "entry.1004"),
		WorkOSAPIKey:         strings.TrimSpace(os.Getenv("INTAKE_WORKOS_API_KEY")),
		SessionCookieName:    envOr("INTAKE_SESSION_COOKIE", "wos-session"),
		StripeAPIKey:         strings.TrimSpace(os.Getenv("INTAKE_STRIPE_API_KEY")),
		StripeWebhookSecret:  strings.TrimSpace(os.Getenv("INTAKE_STRIPE_WEBHOOK_SECRET")),
		StripePriceID:        strings.TrimSpace(os.Getenv("INTAKE_STRIPE_PRICE_ID")),
		CheckoutSuccessURL:   envOr("INTAKE_CHECKOUT_SUCCESS_URL", "https://veralis.ai/thanks"),
		CheckoutCancelURL:    envOr("INTAKE_CHECKOUT_CANCEL_URL", "https://veralis.ai/pricing"),
		MapperModel:          envOr("INTAKE_MAPPER_MODEL", "gemini-2.0-flash"),
		ReadHeaderTimeout:    envDurationOr("INTAKE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:          envDurationOr("INTAKE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:  envDurationOr("INTAKE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	// Matched case-insensitively at admission time.
	for _, origin := range splitCSV(os.Getenv("INTAKE_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[strings.ToLower(origin)] = struct{}{}
	}

	// The upstream key may legitimately be absent; the relay then fails closed
	// on upgrade attempts instead of refusing to boot the rest of the site.
	if strings.TrimSpace(cfg.UpstreamWSURL) == "" {
		return Config{}, fmt.Errorf("INTAKE_UPSTREAM_WS_URL must not be empty")
	}
	if cfg.MaxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("INTAKE_MAX_FRAME_BYTES must be > 0")
	}
	if cfg.MaxFramesPerSession <= 0 {
		return Config{}, fmt.Errorf("INTAKE_MAX_FRAMES_PER_SESSION must be > 0")
	}
	if cfg.RateLimitAttempts <= 0 {
		return Config{}, fmt.Errorf("INTAKE_RATE_LIMIT_ATTEMPTS must be > 0")
	}
	if cfg.RateLimitWindow <= 0 {
		return Config{}, fmt.Errorf("INTAKE_RATE_LIMIT_WINDOW must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("INTAKE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("INTAKE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("INTAKE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.DialTimeout <= 0 {
		return Config{}, fmt.Errorf("INTAKE_UPSTREAM_DIAL_TIMEOUT must be > 0")
	}
	if cfg.SubmitTimeout <= 0 {
		return Config{}, fmt.Errorf("INTAKE_SUBMIT_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("INTAKE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("INTAKE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("INTAKE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
