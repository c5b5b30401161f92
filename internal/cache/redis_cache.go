package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"iocbridge/pkg/logger"
)

// Redis is the production Cache backend, built on go-redis with a
// connect-with-retry / IsReady readiness pattern.
type Redis struct {
	client *redis.Client
	logger *logger.Logger

	mu    sync.RWMutex
	ready bool
}

// RedisConfig configures the production cache backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis dials addr and verifies connectivity with a short retry loop
// (up to five pings) before returning; it returns an error and no client
// when none of them succeeds.
func NewRedis(ctx context.Context, cfg RedisConfig, log *logger.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	r := &Redis{client: client, logger: log}

	const maxAttempts = 5
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			r.setReady(true)
			log.Info("cache: connected to redis at %s", cfg.Addr)
			return r, nil
		}
		log.Warn("cache: redis ping attempt %d/%d failed: %v", attempt, maxAttempts, lastErr)
		time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
	}
	client.Close()
	return nil, fmt.Errorf("cache: redis unreachable at %s after %d attempts: %w", cfg.Addr, maxAttempts, lastErr)
}

func (r *Redis) setReady(v bool) {
	r.mu.Lock()
	r.ready = v
	r.mu.Unlock()
}

// IsReady reports whether the startup connectivity check in NewRedis
// succeeded. The flag is set once there and is not updated afterwards.
func (r *Redis) IsReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: redis get %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set %s: %w", key, err)
	}
	return nil
}

// AtomicSwap relies on Redis's SET being atomic at the single-key level:
// any concurrent GET observes the value before or after this call, never a
// partial write.
func (r *Redis) AtomicSwap(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.Set(ctx, key, value, ttl)
}

// incrScript increments a counter and, only on the first increment (when
// it would otherwise never expire), attaches a TTL. The daily reputation
// budget counter resets itself at the UTC day boundary without a separate
// sweeper.
var incrScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
if v == 1 and tonumber(ARGV[1]) > 0 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return v
`)

func (r *Redis) IncrCounter(ctx context.Context, key string) (int64, error) {
	secondsUntilUTCMidnight := int(time.Until(nextUTCMidnight()).Seconds())
	v, err := incrScript.Run(ctx, r.client, []string{key}, secondsUntilUTCMidnight).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache: redis incr %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) GetCounter(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache: redis get counter %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Expire(ctx context.Context, key string, at time.Time) error {
	if err := r.client.ExpireAt(ctx, key, at).Err(); err != nil {
		return fmt.Errorf("cache: redis expire %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func nextUTCMidnight() time.Time {
	now := time.Now().UTC()
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
