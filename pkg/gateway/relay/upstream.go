package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultUpstreamWSURL is the realtime bidirectional endpoint of the model
// provider. The API key rides as a query parameter, per their handshake.
const DefaultUpstreamWSURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

type UpstreamConfig struct {
	URL         string
	APIKey      string
	DialTimeout time.Duration
}

// NewUpstreamDialer returns a DialFunc that opens the provider socket. The
// key never leaves the server; the browser only ever sees the relay.
func NewUpstreamDialer(cfg UpstreamConfig) DialFunc {
	if cfg.URL == "" {
		cfg.URL = DefaultUpstreamWSURL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return func(ctx context.Context) (Conn, error) {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream url: %w", err)
		}
		q := u.Query()
		q.Set("key", cfg.APIKey)
		u.RawQuery = q.Encode()

		dialer := websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			Proxy:            http.ProxyFromEnvironment,
		}
		conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial upstream: %w (status %d)", err, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial upstream: %w", err)
		}
		return conn, nil
	}
}
