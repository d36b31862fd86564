// Package leads posts anonymous inquiries to the legacy Google Forms sheet
// the sales team still watches. Strictly best effort: the caller treats any
// error here as a log line, never as a failed submission.
package leads

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/veralis/intake-gateway/pkg/gateway/inquiry"
)

// FieldMap maps draft fields to the form's entry.N field names.
type FieldMap struct {
	Name       string
	Company    string
	Email      string
	Challenges string
	Summary    string
}

type Config struct {
	// FormURL is the formResponse endpoint of the Google Form.
	FormURL string
	Fields  FieldMap

	HTTPClient *http.Client
	Logger     *slog.Logger

	// MaxRetries bounds the resend attempts on retryable failures.
	MaxRetries uint64
}

type Sink struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

var _ inquiry.Sink = (*Sink)(nil)

func New(cfg Config) *Sink {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	return &Sink{cfg: cfg, client: cfg.HTTPClient, logger: cfg.Logger}
}

// Deliver posts the draft as a form response. Server-side hiccups (5xx,
// transport errors) are retried with exponential backoff; 4xx means the form
// changed underneath us and retrying cannot help.
func (s *Sink) Deliver(ctx context.Context, d inquiry.Draft) error {
	if strings.TrimSpace(s.cfg.FormURL) == "" {
		return fmt.Errorf("lead sink is not configured")
	}

	form := url.Values{}
	setField(form, s.cfg.Fields.Name, d.Name)
	setField(form, s.cfg.Fields.Company, d.Company)
	setField(form, s.cfg.Fields.Email, d.Email)
	setField(form, s.cfg.Fields.Challenges, d.Challenges)
	setField(form, s.cfg.Fields.Summary, d.Summary)
	body := form.Encode()

	backoff := retry.WithMaxRetries(s.cfg.MaxRetries, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.FormURL, strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		switch {
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("form endpoint returned %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return fmt.Errorf("form endpoint rejected the lead with %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("legacy lead delivery failed", "error", err)
		return err
	}
	s.logger.Info("legacy lead delivered", "company", d.Company)
	return nil
}

func setField(form url.Values, field, value string) {
	if field == "" || strings.TrimSpace(value) == "" {
		return
	}
	form.Set(field, value)
}
