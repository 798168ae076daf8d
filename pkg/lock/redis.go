package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLockTTL   = 5 * time.Minute
	defaultKeyPrefix = "og:lock"
	releaseTimeout   = 5 * time.Second
)

type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
}

// RedisLocker holds locks as keys set with NX and a TTL. The value is a
// per-acquisition owner token, so only the acquiring instance can delete it and
// a crashed holder's lock expires on its own.
type RedisLocker struct {
	client redisStore
	prefix string
	ttl    time.Duration

	mu     sync.Mutex
	owners map[string]string
}

func NewRedisLocker(client redisStore, prefix string, ttl time.Duration) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		owners: make(map[string]string),
	}, nil
}

// TTL is how long a lock survives without Extend.
func (l *RedisLocker) TTL() time.Duration { return l.ttl }

func (l *RedisLocker) key(name string) string {
	return l.prefix + ":" + name
}

func (l *RedisLocker) TryAcquire(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, errors.New("lock name is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.owners[name]; held {
		return false, nil
	}

	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(name), owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", name, err)
	}
	if ok {
		l.owners[name] = owner
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	owner, held := l.owners[name]
	delete(l.owners, name)
	l.mu.Unlock()
	if !held {
		return nil
	}

	// Release must run even when the job's context was canceled.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := l.client.CompareAndDelete(releaseCtx, l.key(name), owner); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

// Extend pushes the expiry of a held lock out by another TTL. It reports false
// when the lock is not held or has already expired and been taken over.
func (l *RedisLocker) Extend(ctx context.Context, name string) (bool, error) {
	l.mu.Lock()
	owner, held := l.owners[name]
	l.mu.Unlock()
	if !held {
		return false, nil
	}
	ok, err := l.client.CompareAndExpire(ctx, l.key(name), owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", name, err)
	}
	return ok, nil
}
