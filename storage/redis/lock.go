package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another process holds the lock
var ErrLockHeld = errors.New("lock held by another process")

const lockKeyPrefix = "lock:"

// Locker runs functions under a Redis distributed lock so that only one
// replica performs a scheduled sweep.
type Locker struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
	config Config
}

// NewLocker creates a locker
func NewLocker(client redis.UniversalClient, config Config) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.LockExpiry <= 0 {
		config.LockExpiry = DefaultConfig().LockExpiry
	}
	return &Locker{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		config: config,
	}, nil
}

// WithLock runs fn while holding the named lock. It does not wait: if the lock
// is taken it returns ErrLockHeld without running fn. Any other failure to
// acquire, such as Redis being unreachable, is returned wrapped.
func (l *Locker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	key := l.config.KeyPrefix + lockKeyPrefix + name
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(l.config.LockExpiry),
		redsync.WithTries(1),
	)
	if lockErr := mutex.LockContext(ctx); lockErr != nil {
		if l.taken(ctx, key, lockErr) {
			return fmt.Errorf("%w: %s", ErrLockHeld, name)
		}
		return fmt.Errorf("failed to acquire lock %s: %w", name, lockErr)
	}
	defer func() {
		// Unlock with a fresh context so a cancelled sweep still releases the lock.
		if ok, unlockErr := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || unlockErr != nil {
			if err == nil && unlockErr != nil {
				err = fmt.Errorf("failed to release lock %s: %w", name, unlockErr)
			}
		}
	}()
	return fn(ctx)
}

// taken reports whether lockErr means another holder owns key.
func (l *Locker) taken(ctx context.Context, key string, lockErr error) bool {
	var taken *redsync.ErrTaken
	if errors.As(lockErr, &taken) {
		return true
	}
	// ErrFailed carries no cause; the key decides.
	if !errors.Is(lockErr, redsync.ErrFailed) {
		return false
	}
	n, err := l.client.Exists(context.WithoutCancel(ctx), key).Result()
	return err == nil && n > 0
}
