// Package server wires the gateway's routes and middleware chain.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/veralis/intake-gateway/pkg/gateway/billing"
	"github.com/veralis/intake-gateway/pkg/gateway/config"
	"github.com/veralis/intake-gateway/pkg/gateway/handlers"
	"github.com/veralis/intake-gateway/pkg/gateway/identity"
	"github.com/veralis/intake-gateway/pkg/gateway/inquiry"
	"github.com/veralis/intake-gateway/pkg/gateway/leads"
	"github.com/veralis/intake-gateway/pkg/gateway/lifecycle"
	"github.com/veralis/intake-gateway/pkg/gateway/mapper"
	"github.com/veralis/intake-gateway/pkg/gateway/mw"
	"github.com/veralis/intake-gateway/pkg/gateway/ratelimit"
	"github.com/veralis/intake-gateway/pkg/gateway/relay"
	"github.com/veralis/intake-gateway/pkg/gateway/sessions"
)

// Deps are the collaborators main constructs and injects. Nil fields disable
// the corresponding surface; the rest of the gateway keeps working.
type Deps struct {
	Store    inquiry.Store        // nil: submissions fail with a clear error
	DB       handlers.Pinger      // readiness ping, usually the same store
	Sink     inquiry.Sink         // nil: no legacy lead dual-write
	Verifier identity.Verifier    // nil: everyone is a guest
	Mapper   *mapper.Mapper       // nil: process-map route returns 503
	Billing  *billing.Service     // nil: billing routes return 503
	Markers  inquiry.Markers      // nil: fresh in-memory markers
	Dial     relay.DialFunc       // nil: production dialer from config
	Now      func() time.Time     // nil: time.Now
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	router chi.Router

	lifecycle *lifecycle.Lifecycle
	tracker   *sessions.Tracker
	limiter   *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    chi.NewRouter(),
		lifecycle: &lifecycle.Lifecycle{},
		tracker:   sessions.NewTracker(),
		limiter: ratelimit.New(ratelimit.Config{
			Attempts: cfg.RateLimitAttempts,
			Window:   cfg.RateLimitWindow,
			Now:      deps.Now,
		}),
	}
	s.routes(deps)
	return s
}

func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.lifecycle }
func (s *Server) Sessions() *sessions.Tracker     { return s.tracker }

func (s *Server) routes(deps Deps) {
	resolver := identity.NewResolver(deps.Verifier, s.logger).WithCookie(s.cfg.SessionCookieName)

	if deps.Markers == nil {
		deps.Markers = inquiry.NewMemoryMarkers()
	}
	if deps.Sink == nil && s.cfg.LeadsFormURL != "" {
		deps.Sink = leads.New(leads.Config{
			FormURL: s.cfg.LeadsFormURL,
			Fields: leads.FieldMap{
				Name:       s.cfg.LeadsNameField,
				Company:    s.cfg.LeadsCompanyField,
				Email:      s.cfg.LeadsEmailField,
				Challenges: s.cfg.LeadsChallengeField,
			},
			Logger: s.logger,
		})
	}
	if deps.Dial == nil {
		deps.Dial = relay.NewUpstreamDialer(relay.UpstreamConfig{
			URL:         s.cfg.UpstreamWSURL,
			APIKey:      s.cfg.UpstreamAPIKey,
			DialTimeout: s.cfg.DialTimeout,
		})
	}

	relayHandler := &relay.Handler{
		Config: relay.Config{
			UpstreamAPIKey:      s.cfg.UpstreamAPIKey,
			AllowedOrigins:      s.cfg.AllowedOrigins,
			MaxFrameBytes:       s.cfg.MaxFrameBytes,
			MaxFramesPerSession: s.cfg.MaxFramesPerSession,
			WriteTimeout:        s.cfg.WriteTimeout,
			PingInterval:        s.cfg.PingInterval,
		},
		Logger:    s.logger,
		Limiter:   s.limiter,
		Lifecycle: s.lifecycle,
		Sessions:  s.tracker,
		Dial:      deps.Dial,
		Identify:  resolver.Resolve,
		NewMachine: func() *inquiry.Machine {
			return inquiry.NewMachine(inquiry.MachineConfig{
				Store:         deps.Store,
				Sink:          deps.Sink,
				Markers:       deps.Markers,
				SubmitTimeout: s.cfg.SubmitTimeout,
			})
		},
		Now: deps.Now,
	}

	s.router.Handle("/healthz", handlers.HealthHandler{})
	s.router.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.tracker,
		DB:        deps.DB,
	})

	s.router.Handle("/v1/realtime", relayHandler)
	s.router.Handle("/v1/process-map", handlers.ProcessMapHandler{
		Mapper:   deps.Mapper,
		Resolver: resolver,
		Logger:   s.logger,
	})
	s.router.Handle("/v1/billing/checkout", handlers.CheckoutHandler{
		Billing: deps.Billing,
		Logger:  s.logger,
	})
	if deps.Billing != nil {
		s.router.Handle("/v1/billing/webhook", deps.Billing.WebhookHandler())
	}

	s.router.NotFound(handlers.NotFoundHandler{}.ServeHTTP)
}

// Handler returns the router behind the full middleware chain, outermost
// request id first so every log line carries one.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
