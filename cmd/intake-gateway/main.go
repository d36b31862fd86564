package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/veralis/intake-gateway/pkg/gateway/billing"
	"github.com/veralis/intake-gateway/pkg/gateway/config"
	"github.com/veralis/intake-gateway/pkg/gateway/identity"
	"github.com/veralis/intake-gateway/pkg/gateway/mapper"
	gatewayserver "github.com/veralis/intake-gateway/pkg/gateway/server"
	"github.com/veralis/intake-gateway/pkg/storage/postgres"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	buildDeps    func(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Deps, func(), error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Deps) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.LoadFromEnv,
		buildDeps:  buildDeps,
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildDeps turns configuration into live collaborators. Optional surfaces
// stay nil when their configuration is absent; the gateway runs degraded
// rather than refusing to start.
func buildDeps(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Deps, func(), error) {
	var deps gatewayserver.Deps
	cleanup := func() {}

	if cfg.DatabaseURL != "" {
		if err := postgres.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return deps, cleanup, fmt.Errorf("migrate database: %w", err)
		}
		store, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return deps, cleanup, fmt.Errorf("open database: %w", err)
		}
		deps.Store = store
		deps.DB = store
		cleanup = store.Close

		if cfg.UpstreamAPIKey != "" {
			gen, err := mapper.NewGenAIGenerator(ctx, cfg.UpstreamAPIKey, cfg.MapperModel)
			if err != nil {
				store.Close()
				return deps, cleanup, fmt.Errorf("build mapper: %w", err)
			}
			deps.Mapper = mapper.New(gen, store, logger)
		}
	} else {
		logger.Warn("no database configured, inquiry submissions will fail")
	}

	if cfg.WorkOSAPIKey != "" {
		deps.Verifier = identity.NewWorkOSVerifier(cfg.WorkOSAPIKey)
	}

	if cfg.StripeAPIKey != "" {
		deps.Billing = billing.New(billing.Config{
			SecretKey:     cfg.StripeAPIKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			SuccessURL:    cfg.CheckoutSuccessURL,
			CancelURL:     cfg.CheckoutCancelURL,
			Plans: []billing.Plan{
				{Slug: "automation-audit", PriceID: cfg.StripePriceID},
			},
		}, logger)
	}

	return deps, cleanup, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil || deps.buildDeps == nil || deps.newGateway == nil {
		return errors.New("missing gateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	serverDeps, cleanup, err := deps.buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	gw := deps.newGateway(cfg, logger, serverDeps)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting intake gateway", "addr", cfg.Addr,
		"relay_enabled", cfg.UpstreamAPIKey != "",
		"store_enabled", serverDeps.Store != nil)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.Lifecycle().SetDraining(true)
	gw.Sessions().NotifyAll("draining", "the service is restarting, please reconnect shortly")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.Sessions().Wait(waitCtx) {
		gw.Sessions().CancelAll()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	// A local .env is a development convenience, not a requirement.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(stderr, "intake-gateway: load .env: %v\n", err)
			return 1
		}
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "intake-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
