package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker grants advisory per-session locks so at most one stream iterates a session at a time.
// ok is false when another holder owns the lock; release is nil in that case.
type Locker interface {
	TryLock(ctx context.Context, id string, ttl time.Duration) (release func(), ok bool, err error)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]lockEntry
	now   Clock
	token uint64
}

type lockEntry struct {
	token   uint64
	expires time.Time
}

// NewMemoryLocker creates an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]lockEntry), now: time.Now}
}

// TryLock acquires the lock for id unless a live holder exists.
func (l *MemoryLocker) TryLock(ctx context.Context, id string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if entry, ok := l.held[id]; ok && (entry.expires.IsZero() || now.Before(entry.expires)) {
		return nil, false, nil
	}
	l.token++
	token := l.token
	entry := lockEntry{token: token}
	if ttl > 0 {
		entry.expires = now.Add(ttl)
	}
	l.held[id] = entry
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[id]; ok && cur.token == token {
			delete(l.held, id)
		}
	}, true, nil
}

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker coordinates stream ownership across daemon instances sharing one Redis.
//
// Key structure:
//
//	{prefix}lock:stream:{sessionID} -> random token, expiring after ttl
type RedisLocker struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisLocker wraps client.
func NewRedisLocker(client redis.UniversalClient, keyPrefix string) *RedisLocker {
	return &RedisLocker{client: client, keyPrefix: keyPrefix}
}

// TryLock uses SET NX PX with a random token.
func (l *RedisLocker) TryLock(ctx context.Context, id string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	key := l.keyPrefix + "lock:stream:" + id
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("session: acquire lock %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		// release must outlive a cancelled request context
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}, true, nil
}

// FallbackLocker uses the Redis locker while the fallback store is connected and the memory
// locker otherwise.
type FallbackLocker struct {
	store  *FallbackStore
	remote Locker
	local  Locker
}

// NewFallbackLocker pairs lockers with the connectivity state of store.
func NewFallbackLocker(store *FallbackStore, remote, local Locker) *FallbackLocker {
	return &FallbackLocker{store: store, remote: remote, local: local}
}

// TryLock delegates to the side matching the store's connectivity.
func (l *FallbackLocker) TryLock(ctx context.Context, id string, ttl time.Duration) (func(), bool, error) {
	if l.store.Connected() {
		release, ok, err := l.remote.TryLock(ctx, id, ttl)
		if err == nil {
			return release, ok, nil
		}
	}
	return l.local.TryLock(ctx, id, ttl)
}
