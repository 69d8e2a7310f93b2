// Command freecredit-reset restores every account's monthly free credit.
// It runs on a cron schedule, or once with -once. With Redis configured only
// one replica sweeps per tick.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/mihaimyh/leadledger/internal/bootstrap"
	"github.com/mihaimyh/leadledger/internal/config"
	"github.com/mihaimyh/leadledger/internal/logging"
	"github.com/mihaimyh/leadledger/pkg/ledger"
	ledgerzerolog "github.com/mihaimyh/leadledger/pkg/ledger/logger/zerolog"
	ledgerprom "github.com/mihaimyh/leadledger/pkg/ledger/metrics/prometheus"
	redisstore "github.com/mihaimyh/leadledger/storage/redis"
)

const (
	lockName     = "freecredit-reset"
	sweepTimeout = 30 * time.Minute
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	runOnStart := flag.Bool("run-on-start", true, "sweep immediately before waiting for the schedule")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	logger := ledgerzerolog.NewLogger(log).With(ledger.Field{Key: "service", Value: "freecredit-reset"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer closeStore()

	manager, err := ledger.NewManager(store, bootstrap.LedgerConfig(cfg,
		ledgerprom.NewMetrics(prometheus.DefaultRegisterer, cfg.Metrics.Namespace), logger))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create ledger manager")
	}

	s := &sweeper{resetter: manager, logger: logger, now: time.Now}
	redisClient, err := bootstrap.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		lockConfig := redisstore.DefaultConfig()
		lockConfig.KeyPrefix = cfg.Redis.KeyPrefix
		locker, err := redisstore.NewLocker(redisClient, lockConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create locker")
		}
		s.locker = locker
	} else {
		logger.Warn("REDIS_ADDR not set; sweeps are not coordinated across replicas")
	}

	if *once {
		if err := s.run(ctx); err != nil {
			log.Fatal().Err(err).Msg("free credit reset failed")
		}
		return
	}

	if *runOnStart {
		if err := s.run(ctx); err != nil {
			logger.Error("startup sweep failed", ledger.Field{Key: "error", Value: err.Error()})
		}
	}

	scheduler := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))
	if _, err := scheduler.AddFunc(cfg.Reset.Schedule, func() {
		if err := s.run(ctx); err != nil {
			logger.Error("scheduled sweep failed", ledger.Field{Key: "error", Value: err.Error()})
		}
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Reset.Schedule).Msg("invalid RESET_SCHEDULE")
	}
	scheduler.Start()
	logger.Info("free credit reset scheduled", ledger.Field{Key: "schedule", Value: cfg.Reset.Schedule})

	<-ctx.Done()
	logger.Info("shutting down")
	select {
	case <-scheduler.Stop().Done():
	case <-time.After(5 * time.Second):
		logger.Warn("sweep still running at shutdown")
	}
}

type resetter interface {
	ResetAllFreeCredit(ctx context.Context, cycleStart time.Time) (ledger.ResetSummary, error)
}

type locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// sweeper resets free credit for the cycle containing now
type sweeper struct {
	resetter resetter
	locker   locker
	logger   ledger.Logger
	now      func() time.Time
}

func (s *sweeper) run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	cycleStart := ledger.CycleStart(s.now())
	sweep := func(ctx context.Context) error {
		summary, err := s.resetter.ResetAllFreeCredit(ctx, cycleStart)
		s.logger.Info("free credit sweep done",
			ledger.Field{Key: "cycle_start", Value: cycleStart},
			ledger.Field{Key: "accounts", Value: summary.Accounts},
			ledger.Field{Key: "applied", Value: summary.Applied},
			ledger.Field{Key: "skipped", Value: summary.Skipped},
			ledger.Field{Key: "failed", Value: summary.Failed},
		)
		return err
	}

	if s.locker == nil {
		return sweep(ctx)
	}
	err := s.locker.WithLock(ctx, lockName, sweep)
	if errors.Is(err, redisstore.ErrLockHeld) {
		s.logger.Info("another replica is sweeping", ledger.Field{Key: "cycle_start", Value: cycleStart})
		return nil
	}
	return err
}
