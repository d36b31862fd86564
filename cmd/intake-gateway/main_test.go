package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/veralis/intake-gateway/pkg/gateway/config"
	gatewayserver "github.com/veralis/intake-gateway/pkg/gateway/server"
)

func testConfig() config.Config {
	return config.Config{
		Addr:                "127.0.0.1:0",
		UpstreamWSURL:       "wss://example.invalid/bidi",
		MaxFrameBytes:       1 << 20,
		MaxFramesPerSession: 1000,
		RateLimitAttempts:   10,
		RateLimitWindow:     time.Minute,
		HandshakeTimeout:    5 * time.Second,
		WriteTimeout:        5 * time.Second,
		PingInterval:        20 * time.Second,
		DialTimeout:         time.Second,
		SubmitTimeout:       10 * time.Second,
		ReadHeaderTimeout:   10 * time.Second,
		ReadTimeout:         30 * time.Second,
		ShutdownGracePeriod: time.Second,
	}
}

func stubDeps(cfg config.Config) gatewayDeps {
	return gatewayDeps{
		loadConfig: func() (config.Config, error) { return cfg, nil },
		buildDeps: func(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Deps, func(), error) {
			return gatewayserver.Deps{}, func() {}, nil
		},
		newGateway:   gatewayserver.New,
		signalNotify: func(chan<- os.Signal, ...os.Signal) {},
		signalStop:   func(chan<- os.Signal) {},
	}
}

func TestRunGateway_MissingDependencies(t *testing.T) {
	err := runGateway(context.Background(), nil, gatewayDeps{})
	if err == nil || !strings.Contains(err.Error(), "missing gateway dependency") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunGateway_ConfigErrorPropagates(t *testing.T) {
	deps := stubDeps(testConfig())
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("bad env")
	}
	err := runGateway(context.Background(), nil, deps)
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunGateway_BuildDepsErrorPropagates(t *testing.T) {
	deps := stubDeps(testConfig())
	deps.buildDeps = func(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Deps, func(), error) {
		return gatewayserver.Deps{}, func() {}, errors.New("database on fire")
	}
	err := runGateway(context.Background(), nil, deps)
	if err == nil || !strings.Contains(err.Error(), "database on fire") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunGateway_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- runGateway(ctx, nil, stubDeps(testConfig()))
	}()

	// Give the listener a moment, then cancel.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("runGateway did not stop on cancel")
	}
}

func TestRunMain_ReportsFailure(t *testing.T) {
	deps := stubDeps(testConfig())
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("bad env")
	}
	var buf strings.Builder
	if code := runMain(context.Background(), &buf, deps); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(buf.String(), "load config") {
		t.Fatalf("stderr = %q", buf.String())
	}
}
