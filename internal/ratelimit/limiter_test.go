package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func newMemoryStore(clock *fakeClock) *MemoryStore {
	s := NewMemoryStoreWithCleanup(0)
	s.now = clock.now
	return s
}

func newRedisStore(t *testing.T, clock *fakeClock) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, "test:")
	s.now = clock.now
	return s
}

func storeContract(t *testing.T, newStore func(t *testing.T, clock *fakeClock) Store) {
	t.Run("burst then deny", func(t *testing.T) {
		clock := newClock()
		s := newStore(t, clock)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			ok, _, err := s.Allow(ctx, "alice", 3, 1)
			require.NoError(t, err)
			assert.True(t, ok, "request %d", i)
		}
		ok, remaining, err := s.Allow(ctx, "alice", 3, 1)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.InDelta(t, 0, remaining, 1e-9)

		ok, _, err = s.Allow(ctx, "bob", 3, 1)
		require.NoError(t, err)
		assert.True(t, ok, "keys are independent")
	})

	t.Run("refill", func(t *testing.T) {
		clock := newClock()
		s := newStore(t, clock)
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			_, _, err := s.Allow(ctx, "alice", 2, 0.5)
			require.NoError(t, err)
		}
		clock.advance(3 * time.Second)
		remaining, err := s.Remaining(ctx, "alice", 2, 0.5)
		require.NoError(t, err)
		assert.InDelta(t, 1.5, remaining, 1e-9)

		again, err := s.Remaining(ctx, "alice", 2, 0.5)
		require.NoError(t, err)
		assert.InDelta(t, 1.5, again, 1e-9, "Remaining must not consume")
	})

	t.Run("reset", func(t *testing.T) {
		clock := newClock()
		s := newStore(t, clock)
		ctx := context.Background()
		_, _, _ = s.Allow(ctx, "alice", 1, 1)
		ok, _, _ := s.Allow(ctx, "alice", 1, 1)
		require.False(t, ok)
		require.NoError(t, s.Reset(ctx, "alice"))
		ok, _, err := s.Allow(ctx, "alice", 1, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T, clock *fakeClock) Store {
		s := newMemoryStore(clock)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRedisStore(t *testing.T) {
	storeContract(t, func(t *testing.T, clock *fakeClock) Store { return newRedisStore(t, clock) })
}

func TestMemoryStoreCleanup(t *testing.T) {
	clock := newClock()
	s := newMemoryStore(clock)
	defer s.Close()
	ctx := context.Background()

	_, _, _ = s.Allow(ctx, "idle", 10, 10)
	for i := 0; i < 5; i++ {
		_, _, _ = s.Allow(ctx, "busy", 10, 0.001)
	}
	clock.advance(time.Second)
	s.cleanup()
	assert.Equal(t, 1, s.Len())
}

type brokenStore struct{}

func (brokenStore) Allow(context.Context, string, float64, float64) (bool, float64, error) {
	return false, 0, errors.New("connection refused")
}
func (brokenStore) Remaining(context.Context, string, float64, float64) (float64, error) {
	return 0, errors.New("connection refused")
}
func (brokenStore) Reset(context.Context, string) error { return nil }
func (brokenStore) Close() error                       { return nil }

func TestLimiterFailsOpen(t *testing.T) {
	l := NewLimiter(Config{Store: brokenStore{}, BurstSize: 1, RequestsPerSecond: 1})
	for i := 0; i < 3; i++ {
		ok, remaining := l.Allow(context.Background(), "alice")
		assert.True(t, ok)
		assert.Equal(t, 1.0, remaining)
	}
	assert.Equal(t, 1.0, l.Remaining(context.Background(), "alice"))
}

func TestLimiterEmptyKey(t *testing.T) {
	l := NewLimiter(Config{BurstSize: 1})
	defer l.Close()
	for i := 0; i < 3; i++ {
		ok, _ := l.Allow(context.Background(), "")
		assert.True(t, ok)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10.0, cfg.BurstSize)
	assert.InDelta(t, 10.0/60.0, cfg.RequestsPerSecond, 1e-12)
}

func TestMiddleware(t *testing.T) {
	l := NewLimiter(Config{BurstSize: 2, RequestsPerSecond: 1})
	defer l.Close()
	var rejected []string
	m := NewMiddleware(l, true, func(r *http.Request) string { return r.Header.Get("X-User-ID") }, nil)
	m.OnReject = func(key string) { rejected = append(rejected, key) }
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/ai/enhance", nil)
		req.Header.Set("X-User-ID", "alice")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, first.Header().Get("X-RateLimit-Reset"))

	assert.Equal(t, http.StatusNoContent, do().Code)
	third := do()
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.JSONEq(t, `{"error":"Rate limit exceeded. Please try again later."}`, third.Body.String())
	assert.Equal(t, []string{"alice"}, rejected)
}

func TestMiddlewareDisabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	m := NewMiddleware(NewLimiter(Config{}), false, nil, nil)
	rec := httptest.NewRecorder()
	m.Wrap(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}
