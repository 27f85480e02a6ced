// Package lock provides a Redis-backed per-party lock for the ledger engine.
//
// With the lock installed, Writer.Post and Recalculator.Recalculate for the
// same (domain, party) never interleave across processes, which removes the
// lost-update window on balance_after.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/logger"
)

const (
	keyNamespace   = "credit-ledger"
	defaultTTL     = 10 * time.Second
	defaultBackoff = 50 * time.Millisecond
	defaultRetries = 20
)

// ErrBusy is returned when the party lock stayed held for all retries.
var ErrBusy = errors.New("party ledger is locked")

type obtainer interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

// RedisLocker implements ledger.Locker with bsm/redislock.
type RedisLocker struct {
	client  obtainer
	ttl     time.Duration
	retries int
	backoff time.Duration
	log     *logger.Logger
}

type Option func(*RedisLocker)

func WithTTL(ttl time.Duration) Option {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetry sets how often and how far apart Obtain is retried.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(l *RedisLocker) {
		if retries >= 0 {
			l.retries = retries
		}
		if backoff > 0 {
			l.backoff = backoff
		}
	}
}

func WithLogger(log *logger.Logger) Option {
	return func(l *RedisLocker) {
		if log != nil {
			l.log = log
		}
	}
}

// New wraps an existing redis client.
func New(rdb redis.UniversalClient, opts ...Option) *RedisLocker {
	return newLocker(redislock.New(rdb), opts...)
}

func newLocker(client obtainer, opts ...Option) *RedisLocker {
	l := &RedisLocker{
		client:  client,
		ttl:     defaultTTL,
		retries: defaultRetries,
		backoff: defaultBackoff,
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect parses a redis URL, verifies connectivity and returns the locker
// together with the client so the caller can close it.
func Connect(ctx context.Context, url string, opts ...Option) (*RedisLocker, *redis.Client, error) {
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(parsed)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb, opts...), rdb, nil
}

// Key is the redis key guarding one party's ledger.
func Key(domain ledger.Domain, partyID ledger.PartyID) string {
	return fmt.Sprintf("%s:lock:%s:%s", keyNamespace, domain, partyID)
}

// Lock obtains the party lock. The returned func releases it; release errors
// are logged, the lock expires after the TTL regardless.
func (l *RedisLocker) Lock(ctx context.Context, domain ledger.Domain, partyID ledger.PartyID) (func(), error) {
	key := Key(domain, partyID)
	strategy := redislock.LimitRetry(redislock.LinearBackoff(l.backoff), l.retries)

	held, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{RetryStrategy: strategy})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", key, err)
	}

	return func() {
		// The caller's ctx may already be cancelled; release on a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := held.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.log.WarnErr(l.log.WithField(ctx, "lock_key", key), "failed to release party lock", err)
		}
	}, nil
}

var _ ledger.Locker = (*RedisLocker)(nil)
