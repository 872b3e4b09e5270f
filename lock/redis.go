package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a Redis lock could not be acquired in time.
var ErrLockTimeout = errors.New("lock: timed out waiting for key")

// releaseScript deletes the key only if it still holds our token, so an
// expired lock taken over by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisConfig struct {
	KeyPrefix string        // default "dues:lock:"
	TTL       time.Duration // lease length, default 30s
	Retry     time.Duration // poll interval while waiting, default 50ms
	Wait      time.Duration // max wait, default 10s
}

// Redis is a cross-process keyed lock on SET NX PX.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
}

func NewRedis(client *redis.Client, cfg RedisConfig) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "dues:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 50 * time.Millisecond
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 10 * time.Second
	}
	return &Redis{client: client, cfg: cfg}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.cfg.KeyPrefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(r.cfg.Wait)

	ticker := time.NewTicker(r.cfg.Retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return func() {
				// Release with a fresh context: the caller's may already be done.
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(ctx, r.client, []string{k}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
