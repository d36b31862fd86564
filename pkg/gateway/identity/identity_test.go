package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeVerifier struct {
	email string
	err   error
	calls int
}

func (v *fakeVerifier) Verify(ctx context.Context, userID string) (string, error) {
	v.calls++
	return v.email, v.err
}

func TestResolve_BearerToken(t *testing.T) {
	v := &fakeVerifier{email: "ada@example.com"}
	r := NewResolver(v, nil)

	req := httptest.NewRequest("GET", "/v1/realtime", nil)
	req.Header.Set("Authorization", "Bearer user_01ABC")

	id := r.Resolve(req)
	if !id.Authenticated() || id.UserID != "user_01ABC" || id.Email != "ada@example.com" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestResolve_SessionCookie(t *testing.T) {
	v := &fakeVerifier{email: "ada@example.com"}
	r := NewResolver(v, nil)

	req := httptest.NewRequest("GET", "/v1/realtime", nil)
	req.AddCookie(&http.Cookie{Name: "wos-session", Value: "user_01ABC"})

	id := r.Resolve(req)
	if id.UserID != "user_01ABC" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestResolve_NoTokenIsGuest(t *testing.T) {
	v := &fakeVerifier{email: "ada@example.com"}
	r := NewResolver(v, nil)

	id := r.Resolve(httptest.NewRequest("GET", "/v1/realtime", nil))
	if id.Authenticated() {
		t.Fatalf("identity = %+v, want guest", id)
	}
	if v.calls != 0 {
		t.Fatalf("verifier called %d times without a token", v.calls)
	}
}

func TestResolve_VerificationFailureDegradesToGuest(t *testing.T) {
	v := &fakeVerifier{err: errors.New("no such user")}
	r := NewResolver(v, nil)

	req := httptest.NewRequest("GET", "/v1/realtime", nil)
	req.Header.Set("Authorization", "Bearer user_bogus")

	id := r.Resolve(req)
	if id.Authenticated() {
		t.Fatalf("identity = %+v, want guest after failed verification", id)
	}
}
