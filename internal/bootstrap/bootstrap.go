// Package bootstrap wires the storage and Redis dependencies shared by the
// server and the scheduled jobs.
package bootstrap

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/leadledger/internal/config"
	"github.com/mihaimyh/leadledger/pkg/jobs"
	"github.com/mihaimyh/leadledger/pkg/ledger"
	fsstore "github.com/mihaimyh/leadledger/storage/firestore"
	"github.com/mihaimyh/leadledger/storage/memory"
	"github.com/mihaimyh/leadledger/storage/postgres"
)

// Store persists both the ledger and jobs
type Store interface {
	ledger.Store
	jobs.Store
}

var (
	_ Store = (*memory.Storage)(nil)
	_ Store = (*postgres.Storage)(nil)
	_ Store = (*fsstore.Storage)(nil)
)

// OpenStore opens the backend selected by cfg.Store. The returned close
// function releases its connections.
func OpenStore(ctx context.Context, cfg *config.Config, logger ledger.Logger) (Store, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store; balances are lost on restart")
		return memory.New(), func() {}, nil

	case config.StorePostgres:
		if cfg.Postgres.AutoMigrate {
			if err := postgres.RunMigrations(cfg.Postgres.URL); err != nil {
				return nil, nil, err
			}
			logger.Info("database migrations applied")
		}
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.Postgres.URL
		if cfg.Postgres.MaxConns > 0 {
			pgConfig.MaxConns = int32(cfg.Postgres.MaxConns)
		}
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case config.StoreFirestore:
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := fsstore.New(client, fsstore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// NewRedisClient connects to Redis. It returns nil when no address is configured.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// LedgerConfig builds the ledger manager configuration
func LedgerConfig(cfg *config.Config, metrics ledger.Metrics, logger ledger.Logger) ledger.Config {
	lc := ledger.DefaultConfig()
	lc.FreeCreditGrant = cfg.Ledger.FreeCreditGrant
	lc.Metrics = metrics
	lc.Logger = logger
	return lc
}
