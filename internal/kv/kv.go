// Package kv provides the Redis-backed key-value surface used for
// deduplication locking, escalation caching/indexing, and scheduler
// leader election. It generalizes the in-process TTL cache shape of
// infrastructure/cache into a cross-instance store, since locking and
// leader election only make sense when every instance shares one backend.
package kv

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/intentgovern/controlplane/infrastructure/errors"
)

// Store is the key-value surface consumed by the dedupe lock, the
// escalation indices, and the scheduler's leader lease.
type Store struct {
	client *redis.Client
}

// Config configures the underlying Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// New dials a Redis client. It does not block on connectivity; callers
// should exercise Ping during startup health checks.
func New(cfg Config) *Store {
	return &Store{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})}
}

// NewFromClient wraps an already-constructed client, primarily for tests
// against a miniredis instance or a redis.NewClusterClient deployment.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.ExternalServiceError("redis", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Get returns the raw string value at key, or redis.Nil wrapped as
// errors.NotFound if absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", errors.NotFound("kv", key)
	}
	if err != nil {
		return "", errors.ExternalServiceError("redis", err)
	}
	return val, nil
}

// Set stores value at key with the given TTL. A zero TTL means no
// expiration.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.ExternalServiceError("redis", err)
	}
	return nil
}

// SetNX stores value at key only if it does not already exist, returning
// whether it won the race.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, errors.ExternalServiceError("redis", err)
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errors.ExternalServiceError("redis", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Sorted sets — escalation:idx:timeouts
// ---------------------------------------------------------------------------

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err(); err != nil {
		return errors.ExternalServiceError("redis", err)
	}
	return nil
}

func (s *Store) ZRem(ctx context.Context, key, member string) error {
	if err := s.client.ZRem(ctx, key, member).Err(); err != nil {
		return errors.ExternalServiceError("redis", err)
	}
	return nil
}

// ZRangeByScore returns members with score in [min, max], ascending.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	res, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, errors.ExternalServiceError("redis", err)
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Unordered sets — escalation:idx:pending:{tenant}
// ---------------------------------------------------------------------------

func (s *Store) SAdd(ctx context.Context, key, member string) error {
	if err := s.client.SAdd(ctx, key, member).Err(); err != nil {
		return errors.ExternalServiceError("redis", err)
	}
	return nil
}

func (s *Store) SRem(ctx context.Context, key, member string) error {
	if err := s.client.SRem(ctx, key, member).Err(); err != nil {
		return errors.ExternalServiceError("redis", err)
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, errors.ExternalServiceError("redis", err)
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Lists — escalation:idx:intent:{intent_id}
// ---------------------------------------------------------------------------

func (s *Store) RPush(ctx context.Context, key, value string) error {
	if err := s.client.RPush(ctx, key, value).Err(); err != nil {
		return errors.ExternalServiceError("redis", err)
	}
	return nil
}

func (s *Store) LRange(ctx context.Context, key string) ([]string, error) {
	res, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, errors.ExternalServiceError("redis", err)
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Distributed lock — intent:dedupe:{tenant}:{hash}, scheduler:leader
// ---------------------------------------------------------------------------

// LockConfig controls acquisition retry behavior for AcquireLock.
type LockConfig struct {
	Lease          time.Duration
	AcquireWait    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
}

// DefaultLockConfig matches the dedupe-reservation lock parameters.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Lease:          30 * time.Second,
		AcquireWait:    5 * time.Second,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		Jitter:         0.25,
	}
}

// Lock is a held distributed lock. Release is idempotent and safe to call
// from a deferred statement.
type Lock struct {
	store   *Store
	key     string
	token   string
	released bool
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// AcquireLock blocks, retrying with jittered exponential backoff, until it
// holds the lock at key, the lease expires in another holder's favor and
// is re-contended, or cfg.AcquireWait elapses. Returns errors.IntentLocked
// on timeout.
func (s *Store) AcquireLock(ctx context.Context, key string, cfg LockConfig) (*Lock, error) {
	token := fmt.Sprintf("%d-%d", time.Now().UnixNano(), rand.Int63())
	deadline := time.Now().Add(cfg.AcquireWait)
	backoffDur := cfg.InitialBackoff

	for {
		ok, err := s.SetNX(ctx, key, token, cfg.Lease)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{store: s, key: key, token: token}, nil
		}

		if time.Now().After(deadline) {
			return nil, errors.IntentLocked(key)
		}

		jittered := applyJitter(backoffDur, cfg.Jitter)
		select {
		case <-ctx.Done():
			return nil, errors.IntentLocked(key)
		case <-time.After(jittered):
		}

		backoffDur *= 2
		if backoffDur > cfg.MaxBackoff {
			backoffDur = cfg.MaxBackoff
		}
	}
}

func applyJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

// Release deletes the lock only if this token still owns it, so a lock
// that expired and was re-acquired by another holder is left untouched.
func (l *Lock) Release(ctx context.Context) error {
	if l.released {
		return nil
	}
	l.released = true
	if err := releaseScript.Run(ctx, l.store.client, []string{l.key}, l.token).Err(); err != nil {
		return errors.ExternalServiceError("redis", err)
	}
	return nil
}
