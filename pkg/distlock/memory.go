package distlock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// MemoryCoordinator implements Coordinator within one process. It mirrors
// the Redis backend's semantics (poll, result fast path, wait-timeout
// fallback) so tests and single-process deployments exercise the same
// paths request handlers do in production.
type MemoryCoordinator struct {
	cfg    config
	flight singleflight.Group

	mu      sync.Mutex
	locks   map[string]*lockEntry
	results map[string]cachedResult
}

type lockEntry struct {
	mu       sync.Mutex
	refCount int
}

type cachedResult struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemoryCoordinator wires an in-memory coordinator.
func NewMemoryCoordinator(options ...Option) *MemoryCoordinator {
	return &MemoryCoordinator{
		cfg:     newConfig(options),
		locks:   make(map[string]*lockEntry),
		results: make(map[string]cachedResult),
	}
}

// WithLock mirrors RedisCoordinator.WithLock for a single process.
func (coordinator *MemoryCoordinator) WithLock(ctx context.Context, key string, resultKey string, fn func(ctx context.Context) ([]byte, error)) (Outcome, error) {
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

func (coordinator *MemoryCoordinator) withLock(ctx context.Context, key string, resultKey string, fn func(ctx context.Context) ([]byte, error)) (Outcome, error) {
	deadline := time.Now().Add(coordinator.cfg.waitTimeout)

	for {
		entry, acquired := coordinator.tryAcquire(key)
		if acquired {
			coordinator.cfg.observe(key, EventAcquired)
			return coordinator.runHolding(ctx, key, resultKey, entry, fn)
		}

		if resultKey != "" {
			if payload, ok := coordinator.lookupResult(resultKey); ok {
				coordinator.cfg.observe(key, EventShared)
				return Outcome{Payload: payload, Shared: true, Coordinated: true}, nil
			}
		}

		if time.Now().After(deadline) {
			coordinator.cfg.observe(key, EventTimeout)
			payload, err := fn(ctx)
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Payload: payload}, nil
		}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(coordinator.cfg.pollInterval):
		}
	}
}

func (coordinator *MemoryCoordinator) runHolding(ctx context.Context, key string, resultKey string, entry *lockEntry, fn func(ctx context.Context) ([]byte, error)) (Outcome, error) {
	defer func() {
		coordinator.release(key, entry)
		coordinator.cfg.observe(key, EventReleased)
	}()

	payload, fnErr := fn(ctx)
	if fnErr != nil {
		return Outcome{Coordinated: true}, fnErr
	}
	if resultKey != "" {
		coordinator.publishResult(resultKey, payload)
	}
	return Outcome{Payload: payload, Coordinated: true}, nil
}

func (coordinator *MemoryCoordinator) tryAcquire(key string) (*lockEntry, bool) {
	coordinator.mu.Lock()
	entry, ok := coordinator.locks[key]
	if !ok {
		entry = &lockEntry{}
		coordinator.locks[key] = entry
	}
	entry.refCount++
	coordinator.mu.Unlock()

	if entry.mu.TryLock() {
		return entry, true
	}

	coordinator.mu.Lock()
	entry.refCount--
	if entry.refCount == 0 {
		delete(coordinator.locks, key)
	}
	coordinator.mu.Unlock()
	return nil, false
}

func (coordinator *MemoryCoordinator) release(key string, entry *lockEntry) {
	coordinator.mu.Lock()
	entry.refCount--
	if entry.refCount == 0 {
		delete(coordinator.locks, key)
	}
	coordinator.mu.Unlock()
	entry.mu.Unlock()
}

func (coordinator *MemoryCoordinator) publishResult(resultKey string, payload []byte) {
	coordinator.mu.Lock()
	coordinator.results[resultKey] = cachedResult{
		payload:   payload,
		expiresAt: time.Now().Add(coordinator.cfg.lockTTL),
	}
	coordinator.mu.Unlock()
}

func (coordinator *MemoryCoordinator) lookupResult(resultKey string) ([]byte, bool) {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	cached, ok := coordinator.results[resultKey]
	if !ok {
		return nil, false
	}
	if time.Now().After(cached.expiresAt) {
		delete(coordinator.results, resultKey)
		return nil, false
	}
	return cached.payload, true
}

// Invalidate clears the cached result for resultKey.
func (coordinator *MemoryCoordinator) Invalidate(_ context.Context, resultKey string) error {
	coordinator.mu.Lock()
	delete(coordinator.results, resultKey)
	coordinator.mu.Unlock()
	return nil
}
