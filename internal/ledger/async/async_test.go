package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/enhance-gateway/internal/ledger"
)

type fakeStore struct {
	mu      sync.Mutex
	entries []ledger.Entry
	fail    bool
	closed  bool
}

func (f *fakeStore) Record(_ context.Context, e ledger.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("write failed")
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeStore) Summary(context.Context, string) (ledger.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := ledger.EmptySummary()
	s.Sessions = int64(len(f.entries))
	return s, nil
}

func (f *fakeStore) ListRecent(context.Context, string, int) ([]ledger.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.Entry(nil), f.entries...), nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func entry(id string) ledger.Entry {
	return ledger.Entry{SessionID: id, OwnerID: "alice", Action: "improve", Backend: "mock"}
}

func TestCloseDrainsQueue(t *testing.T) {
	under := &fakeStore{}
	s := New(under, Config{BatchSize: 10, FlushInterval: time.Hour, NumWorkers: 2})
	for i := 0; i < 25; i++ {
		require.NoError(t, s.Record(context.Background(), entry(string(rune('a'+i)))))
	}
	require.NoError(t, s.Close())
	assert.Equal(t, 25, under.count())
	assert.True(t, under.closed)
}

func TestFlushIntervalWritesPartialBatch(t *testing.T) {
	under := &fakeStore{}
	s := New(under, Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Record(context.Background(), entry("s1")))
	require.Eventually(t, func() bool { return under.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRecordAfterFlushIsSynchronous(t *testing.T) {
	under := &fakeStore{}
	s := New(under, Config{})
	s.Flush()
	require.NoError(t, s.Record(context.Background(), entry("late")))
	assert.Equal(t, 1, under.count())
}

func TestRecordValidatesBeforeQueueing(t *testing.T) {
	s := New(&fakeStore{}, Config{})
	t.Cleanup(func() { _ = s.Close() })
	assert.Error(t, s.Record(context.Background(), ledger.Entry{OwnerID: "alice"}))
}

func TestReadsDelegate(t *testing.T) {
	under := &fakeStore{}
	s := New(under, Config{})
	require.NoError(t, s.Record(context.Background(), entry("s1")))
	s.Flush()

	summary, err := s.Summary(context.Background(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary.Sessions)

	recent, err := s.ListRecent(context.Background(), "alice", 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.False(t, recent[0].CreatedAt.IsZero())
	assert.NoError(t, s.Ping(context.Background()))
}

func TestFailedWritesAreDropped(t *testing.T) {
	under := &fakeStore{fail: true}
	s := New(under, Config{})
	require.NoError(t, s.Record(context.Background(), entry("s1")))
	require.NoError(t, s.Close())
	assert.Equal(t, 0, under.count())
}
