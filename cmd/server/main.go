// Command server runs the credit ledger HTTP API, the worker callbacks and
// the Stripe webhook.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/leadledger/internal/bootstrap"
	"github.com/mihaimyh/leadledger/internal/config"
	"github.com/mihaimyh/leadledger/internal/logging"
	"github.com/mihaimyh/leadledger/pkg/billing"
	billingprom "github.com/mihaimyh/leadledger/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/leadledger/pkg/billing/stripe"
	"github.com/mihaimyh/leadledger/pkg/jobs"
	"github.com/mihaimyh/leadledger/pkg/ledger"
	ledgerzerolog "github.com/mihaimyh/leadledger/pkg/ledger/logger/zerolog"
	ledgerprom "github.com/mihaimyh/leadledger/pkg/ledger/metrics/prometheus"
	"github.com/mihaimyh/leadledger/pkg/worker"
	redisstore "github.com/mihaimyh/leadledger/storage/redis"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("server exited")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	logger := ledgerzerolog.NewLogger(log)
	ledgerMetrics := ledgerprom.NewMetrics(prometheus.DefaultRegisterer, cfg.Metrics.Namespace)

	store, closeStore, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closeStore()

	manager, err := ledger.NewManager(store, bootstrap.LedgerConfig(cfg, ledgerMetrics, logger))
	if err != nil {
		return err
	}

	var status jobs.StatusChannel
	redisClient, err := bootstrap.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		channel, err := redisstore.NewStatusChannel(redisClient, redisstore.Config{KeyPrefix: cfg.Redis.KeyPrefix})
		if err != nil {
			return err
		}
		status = channel
	} else {
		logger.Warn("REDIS_ADDR not set; job progress will always report pending")
	}

	workerClient, err := worker.NewClient(worker.Config{
		BaseURL:          cfg.Worker.BaseURL,
		Token:            cfg.Worker.Token,
		FailureThreshold: cfg.Worker.FailureThreshold,
		ResetTimeout:     cfg.Worker.ResetTimeout,
		Metrics:          ledgerMetrics,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	coordinator, err := jobs.NewCoordinator(jobs.Config{
		Ledger:        manager,
		Store:         store,
		Launcher:      workerClient,
		Status:        status,
		LaunchTimeout: cfg.Worker.LaunchTimeout,
		DefaultLimit:  cfg.Ledger.DefaultJobLimit,
		Metrics:       ledgerMetrics,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	deps := routerDeps{
		Ledger:    manager,
		Jobs:      coordinator,
		Logger:    logger,
		Ping:      pingFunc(store),
		AccessLog: &log,
	}
	if cfg.Stripe.SecretKey != "" {
		provider, err := stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				Ledger:  manager,
				Metrics: billingprom.NewMetrics(prometheus.DefaultRegisterer, cfg.Metrics.Namespace),
				Logger:  logger,
			},
			StripeAPIKey:        cfg.Stripe.SecretKey,
			StripeWebhookSecret: cfg.Stripe.WebhookSecret,
		})
		if err != nil {
			return fmt.Errorf("failed to create stripe provider: %w", err)
		}
		deps.Payments = provider
		deps.Webhook = provider.WebhookHandler()
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set; payments are disabled")
	}

	handler, err := newRouter(cfg, deps)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening",
			ledger.Field{Key: "addr", Value: srv.Addr},
			ledger.Field{Key: "store", Value: cfg.Store},
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func pingFunc(store bootstrap.Store) func(context.Context) error {
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping
	}
	return nil
}
