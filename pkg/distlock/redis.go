package distlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// releaseScript deletes the lock only while it still belongs to this
// holder, so a holder that outlived its TTL cannot release a lock some
// other process has since acquired.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisCoordinator implements Coordinator on a Redis-compatible store
// using SET NX for acquisition and a compare-and-delete script for release.
type RedisCoordinator struct {
	client redis.Cmdable
	cfg    config
	flight singleflight.Group
}

// NewRedisCoordinator wires a coordinator over an established client.
func NewRedisCoordinator(client redis.Cmdable, options ...Option) (*RedisCoordinator, error) {
	if client == nil {
		return nil, errors.New("distlock: nil redis client")
	}
	return &RedisCoordinator{client: client, cfg: newConfig(options)}, nil
}

// WithLock acquires the named lock and runs fn, or reuses the in-flight
// holder's published result, or degrades to local execution per the
// package contract. Same-process callers for the same key and resultKey
// are collapsed before touching the store.
func (coordinator *RedisCoordinator) WithLock(ctx context.Context, key string, resultKey string, fn func(ctx context.Context) ([]byte, error)) (Outcome, error) {
	if resultKey == "" {
		return coordinator.withLock(ctx, key, resultKey, fn)
	}
	value, err, sharedLocally := coordinator.flight.Do(flightKey(key, resultKey), func() (interface{}, error) {
		return coordinator.withLock(ctx, key, resultKey, fn)
	})
	if err != nil {
		return Outcome{}, err
	}
	outcome := value.(Outcome)
	if sharedLocally {
		outcome.Shared = true
	}
	return outcome, nil
}

func (coordinator *RedisCoordinator) withLock(ctx context.Context, key string, resultKey string, fn func(ctx context.Context) ([]byte, error)) (Outcome, error) {
	holderID := uuid.NewString()
	deadline := time.Now().Add(coordinator.cfg.waitTimeout)

	for {
		acquired, err := coordinator.client.SetNX(ctx, lockKeyPrefix+key, holderID, coordinator.cfg.lockTTL).Result()
		if err != nil {
			coordinator.cfg.observe(key, EventFallback)
			return coordinator.runLocal(ctx, fn)
		}
		if acquired {
			coordinator.cfg.observe(key, EventAcquired)
			return coordinator.runHolding(ctx, key, resultKey, holderID, fn)
		}

		if resultKey != "" {
			payload, err := coordinator.client.Get(ctx, resultKeyPrefix+resultKey).Bytes()
			if err == nil {
				coordinator.cfg.observe(key, EventShared)
				return Outcome{Payload: payload, Shared: true, Coordinated: true}, nil
			}
			if !errors.Is(err, redis.Nil) {
				coordinator.cfg.observe(key, EventFallback)
				return coordinator.runLocal(ctx, fn)
			}
		}

		if time.Now().After(deadline) {
			coordinator.cfg.observe(key, EventTimeout)
			return coordinator.runLocal(ctx, fn)
		}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(coordinator.cfg.pollInterval):
		}
	}
}

func (coordinator *RedisCoordinator) runHolding(ctx context.Context, key string, resultKey string, holderID string, fn func(ctx context.Context) ([]byte, error)) (Outcome, error) {
	payload, fnErr := fn(ctx)
	if fnErr == nil && resultKey != "" {
		// Best effort: a lost publish only costs waiters a recompute.
		coordinator.client.Set(ctx, resultKeyPrefix+resultKey, payload, coordinator.cfg.lockTTL)
	}
	released, err := releaseScript.Run(ctx, coordinator.client, []string{lockKeyPrefix + key}, holderID).Int64()
	switch {
	case err != nil || released == 0:
		coordinator.cfg.observe(key, EventLost)
	default:
		coordinator.cfg.observe(key, EventReleased)
	}
	if fnErr != nil {
		return Outcome{Coordinated: true}, fnErr
	}
	return Outcome{Payload: payload, Coordinated: true}, nil
}

func (coordinator *RedisCoordinator) runLocal(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) (Outcome, error) {
	payload, err := fn(ctx)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Payload: payload}, nil
}

// Invalidate clears the cached result for resultKey.
func (coordinator *RedisCoordinator) Invalidate(ctx context.Context, resultKey string) error {
	return coordinator.client.Del(ctx, resultKeyPrefix+resultKey).Err()
}
