// Package distlock serializes work across server processes with a named,
// TTL-bounded exclusive lock and a short-lived result cache that gives
// waiters single-flight semantics: a caller who cannot acquire the lock
// reuses the holder's published result instead of recomputing it.
//
// Coordination here is best-effort. When the lock store is unreachable the
// coordinator degrades to running fn locally, so callers that mutate state
// must carry their own last-resort guard (the wallet store's optimistic
// version check).
package distlock

import (
	"context"
	"errors"
	"time"
)

// ErrLockUnavailable marks a degraded, uncoordinated execution. It is
// reported through Outcome.Coordinated rather than returned.
var ErrLockUnavailable = errors.New("lock store unavailable")

const (
	// DefaultLockTTL bounds how long a crashed holder can block others.
	DefaultLockTTL = 30 * time.Second
	// DefaultWaitTimeout bounds how long a waiter polls before degrading
	// to local execution.
	DefaultWaitTimeout = 60 * time.Second
	// DefaultPollInterval paces waiters.
	DefaultPollInterval = 50 * time.Millisecond

	lockKeyPrefix   = "distlock:lock:"
	resultKeyPrefix = "distlock:result:"
)

// Lock observer event names.
const (
	EventAcquired = "acquired"
	EventShared   = "shared"
	EventFallback = "fallback"
	EventTimeout  = "timeout"
	EventReleased = "released"
	EventLost     = "lost"
)

// Outcome describes how a WithLock call completed.
type Outcome struct {
	// Payload is fn's encoded result, either computed here or reused from
	// the in-flight holder's published result.
	Payload []byte
	// Shared is true when the payload came from the result cache instead
	// of a local fn execution.
	Shared bool
	// Coordinated is false when the lock could not be acquired or the
	// store was unreachable and fn ran without mutual exclusion.
	Coordinated bool
}

// Coordinator is the distributed single-flight lock contract.
//
// resultKey scopes result sharing to one logical operation (a booking id,
// a week id, a payment reference). Waiters only adopt a cached result
// published under their own resultKey; an empty resultKey disables sharing
// so unrelated operations contending on the same lock never observe each
// other's output.
type Coordinator interface {
	WithLock(ctx context.Context, key string, resultKey string, fn func(ctx context.Context) ([]byte, error)) (Outcome, error)
	// Invalidate clears the cached result only; it never forces lock release.
	Invalidate(ctx context.Context, resultKey string) error
}

// Observer receives lock lifecycle events for logging and metrics.
type Observer interface {
	ObserveLock(key string, event string)
}

// Option configures a coordinator.
type Option func(*config)

type config struct {
	lockTTL      time.Duration
	waitTimeout  time.Duration
	pollInterval time.Duration
	observer     Observer
}

func newConfig(options []Option) config {
	cfg := config{
		lockTTL:      DefaultLockTTL,
		waitTimeout:  DefaultWaitTimeout,
		pollInterval: DefaultPollInterval,
	}
	for _, option := range options {
		if option != nil {
			option(&cfg)
		}
	}
	return cfg
}

func (cfg config) observe(key string, event string) {
	if cfg.observer != nil {
		cfg.observer.ObserveLock(key, event)
	}
}

// WithLockTTL overrides the lock record TTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(cfg *config) {
		if ttl > 0 {
			cfg.lockTTL = ttl
		}
	}
}

// WithWaitTimeout overrides the waiter poll budget.
func WithWaitTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.waitTimeout = timeout
		}
	}
}

// WithPollInterval overrides the waiter poll interval.
func WithPollInterval(interval time.Duration) Option {
	return func(cfg *config) {
		if interval > 0 {
			cfg.pollInterval = interval
		}
	}
}

// WithObserver wires lock lifecycle callbacks.
func WithObserver(observer Observer) Option {
	return func(cfg *config) {
		cfg.observer = observer
	}
}

func flightKey(key string, resultKey string) string {
	return key + "\x00" + resultKey
}
