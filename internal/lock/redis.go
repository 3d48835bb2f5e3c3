package lock

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/steward/pkg/schema"
)

const (
	defaultLockTTL   = 30 * time.Second
	defaultLockRetry = 50 * time.Millisecond
	defaultKeyPrefix = "steward:lock:"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// extendScript renews the lease only if the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// RedisConfig configures a RedisLocker.
type RedisConfig struct {
	TTL    time.Duration // lock lease, renewed every TTL/3 while held
	Retry  time.Duration // poll interval while the key is held elsewhere
	Prefix string
	Logger *slog.Logger
}

// RedisLocker is a Locker shared by several steward processes. A lock is a
// SET NX PX key holding a random token; release compares the token first.
type RedisLocker struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

// NewRedisLocker wraps an existing redis client.
func NewRedisLocker(client redis.UniversalClient, cfg RedisConfig) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultLockTTL
	}
	if cfg.Retry <= 0 {
		cfg.Retry = defaultLockRetry
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultKeyPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &RedisLocker{client: client, cfg: cfg}
}

// Acquire polls until the key is free, ctx is done, or redis fails.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := l.cfg.Prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.cfg.Retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeLockUnavailable, "lock %q: %s", key, err.Error()).WithCause(err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, schema.NewErrorf(schema.ErrCodeLockUnavailable, "lock %q: %s", key, ctx.Err()).WithCause(ctx.Err())
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go l.renew(redisKey, token, stop, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			// Release must run even when the caller's ctx is already cancelled.
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.cfg.Logger.Warn("failed to release run lock",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		})
	}, nil
}

// renew extends the lease until stop is closed or the token is lost.
func (l *RedisLocker) renew(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := max(l.cfg.TTL/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := extendScript.Run(ctx, l.client, []string{redisKey}, token, l.cfg.TTL.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			l.cfg.Logger.Warn("failed to renew run lock", slog.String("key", redisKey), slog.String("error", err.Error()))
		case n == 0:
			l.cfg.Logger.Warn("run lock lost before release", slog.String("key", redisKey))
			return
		}
	}
}
