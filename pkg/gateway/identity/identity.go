// Package identity resolves who is on the other end of a session. Signed-in
// visitors carry a WorkOS user token; everyone else is a guest and identified
// by the email they submit.
package identity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/workos/workos-go/v6/pkg/usermanagement"

	"github.com/veralis/intake-gateway/pkg/gateway/inquiry"
)

// Verifier confirms a claimed user id against the identity provider and
// returns the canonical email on file.
type Verifier interface {
	Verify(ctx context.Context, userID string) (email string, err error)
}

type workosVerifier struct {
	client *usermanagement.Client
}

// NewWorkOSVerifier builds the production verifier.
func NewWorkOSVerifier(apiKey string) Verifier {
	return &workosVerifier{client: usermanagement.NewClient(apiKey)}
}

func (v *workosVerifier) Verify(ctx context.Context, userID string) (string, error) {
	user, err := v.client.GetUser(ctx, usermanagement.GetUserOpts{User: userID})
	if err != nil {
		return "", err
	}
	return user.Email, nil
}

// Resolver turns an incoming request into an inquiry identity.
type Resolver struct {
	verifier   Verifier
	logger     *slog.Logger
	timeout    time.Duration
	cookieName string
}

func NewResolver(v Verifier, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{verifier: v, logger: logger, timeout: 5 * time.Second, cookieName: "wos-session"}
}

// WithCookie overrides the session cookie name.
func (r *Resolver) WithCookie(name string) *Resolver {
	if strings.TrimSpace(name) != "" {
		r.cookieName = name
	}
	return r
}

// Resolve reads the session user from the request. A token that fails
// verification degrades to a guest identity rather than blocking the session;
// the duplicate guard then keys on the submitted email.
func (r *Resolver) Resolve(req *http.Request) inquiry.Identity {
	if r == nil {
		return inquiry.Identity{}
	}
	userID := sessionUser(req, r.cookieName)
	if userID == "" || r.verifier == nil {
		return inquiry.Identity{}
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.timeout)
	defer cancel()

	email, err := r.verifier.Verify(ctx, userID)
	if err != nil {
		r.logger.Warn("session user verification failed, treating as guest", "error", err)
		return inquiry.Identity{}
	}
	return inquiry.Identity{UserID: userID, Email: email}
}

// sessionUser extracts the claimed user id: Authorization bearer first, then
// the session cookie the site sets after the WorkOS callback.
func sessionUser(req *http.Request, cookieName string) string {
	if auth := strings.TrimSpace(req.Header.Get("Authorization")); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := req.Cookie(cookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}
