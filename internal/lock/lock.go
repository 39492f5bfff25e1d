// Package lock provides the meta-tile build lock (spec §3/§6 "LockManager"):
// at most one build per meta-tile identity may run at a time, process-wide
// via golang.org/x/sync/singleflight (grounded on the teacher's
// mapcache.CacheService.tilesLock / mapcache/service.go's tileLock) and,
// optionally, across processes via a Redis-backed variant holding a token
// minted with github.com/gofrs/uuid (grounded on the teacher's
// server/auth/service.go uuid.NewV4() token minting).
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/gisquick/tileproxy/internal/domain"
)

// Manager guards a keyed critical section: Do runs fn while holding the
// lock for key, so at most one fn per key runs at a time in the same
// process (or, for distributed implementations, in any process).
// SingleflightManager hands concurrent callers the first caller's result;
// FileLockManager and RedisManager make each caller wait for the lock and
// then run its own fn.
type Manager interface {
	Do(ctx context.Context, key string, fn func() (any, error)) (any, error)
}

// SingleflightManager serializes concurrent builds of the same meta-tile
// within one process. It is the default LockManager (spec §6 "single
// process deployments need no distributed lock").
type SingleflightManager struct {
	group singleflight.Group
}

func NewSingleflightManager() *SingleflightManager {
	return &SingleflightManager{}
}

func (m *SingleflightManager) Do(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	v, err, _ := m.group.Do(key, fn)
	return v, err
}

// RedisLocker is the minimal surface RedisManager needs from a Redis client
// (satisfied by RedisClientAdapter, which internal/config wraps around a
// *redis.Client), kept narrow so this package doesn't import
// go-redis directly and force every caller of SingleflightManager to link it.
type RedisLocker interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
	Del(ctx context.Context, key string) error
}

// RedisManager distributes the meta-tile lock across processes: a build
// holds a Redis key (set with a random gofrs/uuid token and TTL) for the
// duration of the build, and other processes poll until it clears or the
// TTL expires. Meant for multi-instance deployments sharing one cache.
type RedisManager struct {
	Client     RedisLocker
	Prefix     string
	TTL        time.Duration
	PollEvery  time.Duration
	newToken   func() (string, error)
}

func NewRedisManager(client RedisLocker, prefix string, ttl time.Duration) *RedisManager {
	return &RedisManager{
		Client:    client,
		Prefix:    prefix,
		TTL:       ttl,
		PollEvery: 100 * time.Millisecond,
		newToken:  newUUIDToken,
	}
}

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Do acquires the distributed lock for key, runs fn, then releases it —
// but only if this caller still owns it (the uuid token guards against
// releasing a lock another builder re-acquired after our TTL lapsed).
func (m *RedisManager) Do(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	token, err := m.newToken()
	if err != nil {
		return nil, domain.NewError(domain.ErrKindLockTimeout, "lock.RedisManager.Do", err)
	}
	lockKey := m.Prefix + key
	for {
		ok, err := m.Client.SetNX(ctx, lockKey, token, m.TTL)
		if err != nil {
			return nil, domain.NewError(domain.ErrKindBackendUnavailable, "lock.RedisManager.Do", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, domain.NewError(domain.ErrKindLockTimeout, "lock.RedisManager.Do", ctx.Err())
		case <-time.After(m.PollEvery):
		}
	}
	defer m.Client.Eval(ctx, unlockScript, []string{lockKey}, token)
	return fn()
}

// RedisClientAdapter adapts a *redis.Client (go-redis/redis/v8) to the
// narrow RedisLocker surface, kept as a tiny shim rather than importing
// go-redis into this file's declarations directly.
type RedisClientAdapter struct {
	SetNXFunc func(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	EvalFunc  func(ctx context.Context, script string, keys []string, args ...any) (any, error)
	DelFunc   func(ctx context.Context, key string) error
}

func (a RedisClientAdapter) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return a.SetNXFunc(ctx, key, value, ttl)
}

func (a RedisClientAdapter) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return a.EvalFunc(ctx, script, keys, args...)
}

func (a RedisClientAdapter) Del(ctx context.Context, key string) error {
	return a.DelFunc(ctx, key)
}

func newUUIDToken() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUUIDUnavailable, err)
	}
	return id.String(), nil
}

var errUUIDUnavailable = errors.New("lock: uuid generation failed")
