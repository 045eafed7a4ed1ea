package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// DefaultLeaseTTL bounds how long a crashed holder can keep a key.
	DefaultLeaseTTL = 30 * time.Second
	// DefaultRetryInterval is the pause between acquisition attempts.
	DefaultRetryInterval = 25 * time.Millisecond

	keyPrefix = "keyforge:lock:"
)

// ErrNotHeld is logged when a lease expired before it was released.
var ErrNotHeld = errors.New("lock no longer held")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes callers across processes with SET NX leases.
type RedisLocker struct {
	client        redis.UniversalClient
	ttl           time.Duration
	retryInterval time.Duration
	logger        zerolog.Logger
}

// RedisConfig holds configuration for the Redis locker.
type RedisConfig struct {
	Client        redis.UniversalClient
	TTL           time.Duration
	RetryInterval time.Duration
	Logger        zerolog.Logger
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(cfg RedisConfig) (*RedisLocker, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLeaseTTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	return &RedisLocker{
		client:        cfg.Client,
		ttl:           cfg.TTL,
		retryInterval: cfg.RetryInterval,
		logger:        cfg.Logger.With().Str("component", "redis_lock").Logger(),
	}, nil
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Lock polls until the lease is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	name := keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() { l.release(name, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(name, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := releaseScript.Run(ctx, l.client, []string{name}, token).Int()
	if err != nil {
		l.logger.Error().Err(err).Str("lock", name).Msg("failed to release lock")
		return
	}
	if n == 0 {
		l.logger.Warn().Err(ErrNotHeld).Str("lock", name).Msg("lease expired before release")
	}
}
