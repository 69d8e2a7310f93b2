// Package redis provides the Redis-backed pieces of the service: the worker
// status channel read by job polling and a distributed lock for scheduled sweeps.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/leadledger/pkg/jobs"
)

// Config holds Redis configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys. The worker must use the same
	// prefix when it publishes progress (default: none)
	KeyPrefix string

	// LockExpiry is how long a sweep lock is held before Redis expires it (default: 10m)
	LockExpiry time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		LockExpiry: 10 * time.Minute,
	}
}

const statusKeyPrefix = "scraping_event_"

// StatusChannel implements jobs.StatusChannel over keys the worker writes.
type StatusChannel struct {
	client redis.UniversalClient
	config Config
}

var _ jobs.StatusChannel = (*StatusChannel)(nil)

// NewStatusChannel creates a status channel.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func NewStatusChannel(client redis.UniversalClient, config Config) (*StatusChannel, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &StatusChannel{client: client, config: config}, nil
}

func (s *StatusChannel) statusKey(correlationID string) string {
	return s.config.KeyPrefix + statusKeyPrefix + correlationID
}

// Read implements jobs.StatusChannel. A missing key means the worker has not
// reported yet.
func (s *StatusChannel) Read(ctx context.Context, correlationID string) (jobs.WorkerStatus, bool, error) {
	var status jobs.WorkerStatus
	data, err := s.client.Get(ctx, s.statusKey(correlationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return status, false, nil
	}
	if err != nil {
		return status, false, fmt.Errorf("failed to get worker status: %w", err)
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return status, false, fmt.Errorf("failed to decode worker status: %w", err)
	}
	return status, true, nil
}

// Publish writes a status the way the worker does. ttl 0 keeps the key forever.
func (s *StatusChannel) Publish(ctx context.Context, correlationID string, status jobs.WorkerStatus, ttl time.Duration) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode worker status: %w", err)
	}
	if err := s.client.Set(ctx, s.statusKey(correlationID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set worker status: %w", err)
	}
	return nil
}
