// Package billing creates Stripe checkout sessions for the site's service
// plans and ingests the signed webhook events that confirm them.
package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/veralis/intake-gateway/pkg/gateway/apierror"
	"github.com/veralis/intake-gateway/pkg/gateway/mw"
)

// Plan is one purchasable service tier, keyed by the slug the site uses.
type Plan struct {
	Slug    string
	PriceID string
}

type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Plans         []Plan
}

// CheckoutCreator is the Stripe call behind NewCheckout, injectable in tests.
type CheckoutCreator interface {
	Create(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
}

type Service struct {
	cfg      Config
	checkout CheckoutCreator
	logger   *slog.Logger
}

var ErrUnknownPlan = errors.New("unknown billing plan")

func New(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger}
	if strings.TrimSpace(cfg.SecretKey) != "" {
		client := stripe.NewClient(cfg.SecretKey)
		s.checkout = client.V1CheckoutSessions
	}
	return s
}

// NewWithCheckout is New with the Stripe call replaced, for tests.
func NewWithCheckout(cfg Config, checkout CheckoutCreator, logger *slog.Logger) *Service {
	s := New(cfg, logger)
	s.checkout = checkout
	return s
}

func (s *Service) Configured() bool {
	return s.checkout != nil
}

// NewCheckout opens a hosted checkout session for the named plan and returns
// the redirect URL.
func (s *Service) NewCheckout(ctx context.Context, planSlug, customerEmail string) (string, error) {
	if s.checkout == nil {
		return "", fmt.Errorf("billing is not configured")
	}
	plan, ok := s.findPlan(planSlug)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, planSlug)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{{
			Price:    stripe.String(plan.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(s.cfg.SuccessURL),
		CancelURL:  stripe.String(s.cfg.CancelURL),
	}
	if strings.TrimSpace(customerEmail) != "" {
		params.CustomerEmail = stripe.String(customerEmail)
	}

	sess, err := s.checkout.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	s.logger.Info("checkout session created", "plan", plan.Slug, "session_id", sess.ID)
	return sess.URL, nil
}

func (s *Service) findPlan(slug string) (Plan, bool) {
	for _, p := range s.cfg.Plans {
		if p.Slug == slug {
			return p, true
		}
	}
	return Plan{}, false
}

// WebhookHandler verifies the Stripe signature and acknowledges the events we
// care about. Unhandled event types are acknowledged too, so Stripe stops
// resending them.
func (s *Service) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := mw.RequestIDFrom(r.Context())

		payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			apierror.WriteStatus(w, http.StatusBadRequest, &apierror.Error{
				Type: apierror.TypeInvalidRequest, Message: "unreadable payload", RequestID: reqID,
			})
			return
		}

		event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.cfg.WebhookSecret)
		if err != nil {
			s.logger.Warn("webhook signature rejected", "error", err, "request_id", reqID)
			apierror.WriteStatus(w, http.StatusBadRequest, &apierror.Error{
				Type: apierror.TypeInvalidRequest, Message: "invalid webhook signature", Code: "bad_signature", RequestID: reqID,
			})
			return
		}

		switch event.Type {
		case "checkout.session.completed":
			s.logger.Info("checkout completed", "event_id", event.ID)
		case "customer.subscription.deleted":
			s.logger.Info("subscription canceled", "event_id", event.ID)
		default:
			s.logger.Debug("webhook event ignored", "type", event.Type)
		}
		w.WriteHeader(http.StatusOK)
	})
}
