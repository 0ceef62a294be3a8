/*
Package redislock is a Redis-backed marketplace.Locker for deployments that
run more than one API process against the same database.

PROTOCOL:
  acquire: SET <prefix>:<key> <token> NX PX <ttl>, retried until ctx is done
  release: Lua compare-and-delete, so a lock that expired and was taken by
           another process is never released by the old holder

The TTL bounds how long a crashed holder can block a key. It must exceed the
longest critical section (the booking saga's calendar call runs outside
locks, so a few seconds is plenty).
*/
package redislock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/warp/mentor-marketplace/marketplace"
)

const (
	DefaultPrefix = "marketplace:lock"
	DefaultTTL    = 10 * time.Second
	retryInterval = 25 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func New(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *Locker {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		trimmed = DefaultPrefix
	}
	trimmed = strings.TrimSuffix(trimmed, ":")
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{client: client, prefix: trimmed, ttl: ttl, logger: logger}
}

// Connect parses a redis:// URL, pings the server and returns a Locker.
func Connect(ctx context.Context, url, prefix string, ttl time.Duration, logger *slog.Logger) (*Locker, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, prefix, ttl, logger), client, nil
}

func (l *Locker) key(key string) string {
	return l.prefix + ":" + key
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	full := l.key(key)
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire lock %s: %w", full, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{full}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Warn("lock release failed", "component", "redislock", "key", full, "error", err)
		}
	}, nil
}

var _ marketplace.Locker = (*Locker)(nil)
