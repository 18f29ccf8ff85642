package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// storeContract runs the behaviour every Store implementation must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		st := newStore(t)
		created, err := st.Create(ctx, NewSession{OwnerID: "u1", OriginalText: "hello", Action: ActionImprove, Backend: "mock"})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, StatusPending, created.Status)
		assert.False(t, created.CreatedAt.IsZero())

		got, err := st.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "u1", got.OwnerID)
		assert.Equal(t, "hello", got.OriginalText)
		assert.Equal(t, "mock", got.Backend)
	})

	t.Run("missing", func(t *testing.T) {
		st := newStore(t)
		_, err := st.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.Update(ctx, "nope", StatusPatch(StatusStreaming))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.Cancel(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("forward only", func(t *testing.T) {
		st := newStore(t)
		created, err := st.Create(ctx, NewSession{OwnerID: "u1", OriginalText: "x", Action: ActionImprove})
		require.NoError(t, err)
		_, err = st.Update(ctx, created.ID, StatusPatch(StatusStreaming))
		require.NoError(t, err)
		text := "better"
		done, err := st.Update(ctx, created.ID, Patch{
			Status:       statusPtr(StatusCompleted),
			EnhancedText: &text,
			Usage:        &Usage{InputTokens: 3, OutputTokens: 4, Cost: 0.1},
		})
		require.NoError(t, err)
		require.NotNil(t, done.CompletedAt)

		_, err = st.Update(ctx, created.ID, StatusPatch(StatusStreaming))
		assert.ErrorIs(t, err, ErrInvalidTransition)

		got, err := st.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Equal(t, "better", got.EnhancedText)
		require.NotNil(t, got.Usage)
		assert.Equal(t, 4, got.Usage.OutputTokens)
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		st := newStore(t)
		created, err := st.Create(ctx, NewSession{OwnerID: "u1", OriginalText: "x", Action: ActionImprove})
		require.NoError(t, err)
		first, err := st.Cancel(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, first.Status)
		require.NotNil(t, first.CompletedAt)

		second, err := st.Cancel(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, second.Status)
		assert.True(t, first.CompletedAt.Equal(*second.CompletedAt))
	})

	t.Run("cancel leaves completed untouched", func(t *testing.T) {
		st := newStore(t)
		created, err := st.Create(ctx, NewSession{OwnerID: "u1", OriginalText: "x", Action: ActionImprove})
		require.NoError(t, err)
		_, err = st.Update(ctx, created.ID, StatusPatch(StatusStreaming))
		require.NoError(t, err)
		_, err = st.Update(ctx, created.ID, StatusPatch(StatusCompleted))
		require.NoError(t, err)
		got, err := st.Cancel(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestRedisStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		_, client := newTestRedis(t)
		return NewRedisStore(client, RedisConfig{KeyPrefix: "test:"})
	})
}

func TestFallbackStoreContract(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		_, client := newTestRedis(t)
		return NewFallbackStore(NewRedisStore(client, RedisConfig{}), nil, FallbackConfig{})
	})
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	created, err := st.Create(ctx, NewSession{OwnerID: "u1", OriginalText: "x", Action: ActionImprove})
	require.NoError(t, err)
	created.Status = StatusCompleted

	got, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st := NewMemoryStore(
		WithMemoryTTL(time.Hour),
		WithMemoryClock(func() time.Time { return now }),
		WithMemoryIDs(func() string { return "fixed" }),
	)
	_, err := st.Create(ctx, NewSession{OwnerID: "u1", OriginalText: "x", Action: ActionImprove})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Len())

	now = now.Add(2 * time.Hour)
	_, err = st.Get(ctx, "fixed")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, st.CleanupExpired())
	assert.Equal(t, 0, st.Len())
}

func TestRedisStoreKeyAndTTL(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	st := NewRedisStore(client, RedisConfig{KeyPrefix: "enh:", TTL: 30 * time.Minute})

	created, err := st.Create(ctx, NewSession{OwnerID: "u1", OriginalText: "x", Action: ActionImprove})
	require.NoError(t, err)

	key := "enh:session:" + created.ID
	require.True(t, mr.Exists(key))
	assert.Equal(t, 30*time.Minute, mr.TTL(key))

	mr.FastForward(10 * time.Minute)
	_, err = st.Update(ctx, created.ID, StatusPatch(StatusStreaming))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, mr.TTL(key), "update must keep the remaining TTL")

	mr.FastForward(21 * time.Minute)
	_, err = st.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreCancelRacingComplete(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	st := NewRedisStore(client, RedisConfig{})

	for i := 0; i < 20; i++ {
		created, err := st.Create(ctx, NewSession{OwnerID: "u1", OriginalText: "x", Action: ActionImprove})
		require.NoError(t, err)
		_, err = st.Update(ctx, created.ID, StatusPatch(StatusStreaming))
		require.NoError(t, err)

		var (
			cancelled *Session
			cancelErr error
			updateErr error
			done      = make(chan struct{})
		)
		go func() {
			defer close(done)
			cancelled, cancelErr = st.Cancel(ctx, created.ID)
		}()
		text := "better"
		_, updateErr = st.Update(ctx, created.ID, Patch{Status: statusPtr(StatusCompleted), EnhancedText: &text})
		<-done
		require.NoError(t, cancelErr)

		final, err := st.Get(ctx, created.ID)
		require.NoError(t, err)
		if cancelled.Status == StatusCancelled {
			assert.ErrorIs(t, updateErr, ErrInvalidTransition)
			assert.Equal(t, StatusCancelled, final.Status)
			assert.Empty(t, final.EnhancedText)
		} else {
			require.NoError(t, updateErr)
			assert.Equal(t, StatusCompleted, final.Status)
		}
	}
}

func TestFallbackStoreDegradesAndRecovers(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	st := NewFallbackStore(NewRedisStore(client, RedisConfig{}), nil, FallbackConfig{})
	require.True(t, st.CheckPrimary(ctx))

	mr.Close()

	created, err := st.Create(ctx, NewSession{OwnerID: "u1", OriginalText: "x", Action: ActionImprove})
	require.NoError(t, err, "create should be served from memory")
	assert.False(t, st.Connected())
	require.NoError(t, st.Ping(ctx))

	got, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	cancelled, err := st.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	require.NoError(t, mr.Restart())
	assert.True(t, st.CheckPrimary(ctx))
	assert.True(t, st.Connected())

	// sessions written during the outage stay reachable through the local side
	got, err = st.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestFallbackStoreKeepsSessionsAcrossOutage(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	st := NewFallbackStore(NewRedisStore(client, RedisConfig{}), nil, FallbackConfig{})
	require.True(t, st.CheckPrimary(ctx))

	streaming, err := st.Create(ctx, NewSession{OwnerID: "u1", OriginalText: "a", Action: ActionImprove})
	require.NoError(t, err)
	_, err = st.Update(ctx, streaming.ID, StatusPatch(StatusStreaming))
	require.NoError(t, err)
	pending, err := st.Create(ctx, NewSession{OwnerID: "u1", OriginalText: "b", Action: ActionImprove})
	require.NoError(t, err)

	mr.Close()

	got, err := st.Get(ctx, streaming.ID)
	require.NoError(t, err)
	assert.False(t, st.Connected())
	assert.Equal(t, StatusStreaming, got.Status)

	text := "done"
	done, err := st.Update(ctx, streaming.ID, Patch{Status: statusPtr(StatusCompleted), EnhancedText: &text})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	cancelled, err := st.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	// redis comes back holding the pre-outage state; the local writes win
	require.NoError(t, mr.Restart())
	require.True(t, st.CheckPrimary(ctx))
	got, err = st.Get(ctx, streaming.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "done", got.EnhancedText)
	got, err = st.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

type failingStore struct{ Store }

func (failingStore) Ping(context.Context) error { return errors.New("dial tcp: refused") }

func TestFallbackStoreInitialProbeFailure(t *testing.T) {
	st := NewFallbackStore(failingStore{}, nil, FallbackConfig{})
	assert.False(t, st.CheckPrimary(context.Background()))
	assert.False(t, st.Connected())

	created, err := st.Create(context.Background(), NewSession{OwnerID: "u1", OriginalText: "x", Action: ActionImprove})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, created.Status)
}
