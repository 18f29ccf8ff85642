package enhance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/enhance-gateway/internal/backend"
	"github.com/tokligence/enhance-gateway/internal/ledger"
	"github.com/tokligence/enhance-gateway/internal/session"
	"github.com/tokligence/enhance-gateway/internal/sse"
	"github.com/tokligence/enhance-gateway/internal/testutil"
)

type memLedger struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

func (l *memLedger) Record(_ context.Context, e ledger.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *memLedger) Summary(_ context.Context, owner string) (ledger.Summary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := ledger.EmptySummary()
	for _, e := range l.entries {
		if e.OwnerID != owner {
			continue
		}
		out.Sessions++
		out.InputTokens += e.InputTokens
		out.OutputTokens += e.OutputTokens
		out.Cost += e.Cost
	}
	out.TotalTokens = out.InputTokens + out.OutputTokens
	return out, nil
}

func (l *memLedger) ListRecent(_ context.Context, owner string, limit int) ([]ledger.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.Entry
	for _, e := range l.entries {
		if e.OwnerID == owner {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *memLedger) Ping(context.Context) error { return nil }
func (l *memLedger) Close() error { return nil }

func (l *memLedger) all() []ledger.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.Entry(nil), l.entries...)
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
	chunks   int
	created  int
}

func (m *recordingMetrics) SessionCreated(string, string) {
	m.mu.Lock()
	m.created++
	m.mu.Unlock()
}

func (m *recordingMetrics) StreamOpened() {}

func (m *recordingMetrics) StreamClosed(outcome string) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, outcome)
	m.mu.Unlock()
}

func (m *recordingMetrics) ChunkStreamed(string, int) {
	m.mu.Lock()
	m.chunks++
	m.mu.Unlock()
}

func (m *recordingMetrics) UsageRecorded(string, int, int, float64) {}

func (m *recordingMetrics) lastOutcome() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outcomes) == 0 {
		return ""
	}
	return m.outcomes[len(m.outcomes)-1]
}

type harness struct {
	svc       *Service
	store     *session.MemoryStore
	locker    *session.MemoryLocker
	transport *sse.Transport
	ledger    *memLedger
	metrics   *recordingMetrics
}

func newHarness(t *testing.T, backends ...backend.Backend) *harness {
	t.Helper()
	sel, err := backend.NewSelector(backend.SelectorConfig{Backends: backends, Default: backends[0].Name()})
	require.NoError(t, err)
	h := &harness{
		store:     session.NewMemoryStore(),
		locker:    session.NewMemoryLocker(),
		transport: sse.NewTransport(nil),
		ledger:    &memLedger{},
		metrics:   &recordingMetrics{},
	}
	h.svc, err = New(Config{
		Store:     h.store,
		Locker:    h.locker,
		Selector:  sel,
		Transport: h.transport,
		Ledger:    h.ledger,
		Metrics:   h.metrics,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) create(t *testing.T, owner string) string {
	t.Helper()
	res, err := h.svc.CreateSession(context.Background(), CreateRequest{
		OwnerID: owner,
		Text:    "make this better",
		Action:  session.ActionImprove,
	})
	require.NoError(t, err)
	return res.SessionID
}

func alice() Requester { return Requester{ID: "alice"} }

// signalOnMetadata returns a channel closed once the n-th metadata event was written.
func signalOnMetadata(conn *testutil.RecordingConn, n int32) <-chan struct{} {
	ch := make(chan struct{})
	var seen atomic.Int32
	conn.OnWrite = func(ev sse.Event) {
		if ev.Type == sse.EventMetadata && seen.Add(1) == n {
			close(ch)
		}
	}
	return ch
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Store: session.NewMemoryStore()})
	assert.Error(t, err)
}

func TestStreamCompletes(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, Chunks: []string{"a", "b", "c"}}
	h := newHarness(t, b)
	id := h.create(t, "alice")

	conn := testutil.NewRecordingConn()
	require.NoError(t, h.svc.StreamSession(context.Background(), id, alice(), conn))

	assert.Equal(t, []sse.EventType{
		sse.EventConnected,
		sse.EventChunk, sse.EventMetadata,
		sse.EventChunk, sse.EventMetadata,
		sse.EventChunk, sse.EventMetadata,
		sse.EventDone,
	}, conn.Types())
	assert.True(t, conn.Closed())
	assert.False(t, h.transport.IsActive(id))

	req := b.LastRequest()
	require.NotNil(t, req)
	assert.Equal(t, backend.DefaultTemperature, req.Temperature)
	assert.Equal(t, backend.DefaultMaxTokens, req.MaxTokens)
	assert.Contains(t, req.Prompt, "make this better")
	inputTokens := backend.EstimateTokens(req.Prompt + req.SystemPrompt)

	done, ok := conn.Last().Data.(sse.DoneData)
	require.True(t, ok)
	assert.Equal(t, id, done.SessionID)
	assert.Equal(t, inputTokens+3, done.TotalTokens)
	assert.Equal(t, inputTokens, done.Usage.InputTokens)
	assert.Equal(t, 3, done.Usage.OutputTokens)

	meta, ok := conn.Events()[2].Data.(sse.MetadataData)
	require.True(t, ok)
	assert.Equal(t, inputTokens+1, meta.TotalTokens)
	assert.Equal(t, "generating", meta.Status)

	sess, err := h.svc.GetSession(context.Background(), id, "alice")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, "abc", sess.EnhancedText)
	require.NotNil(t, sess.Usage)
	assert.Equal(t, 3, sess.Usage.OutputTokens)
	assert.NotNil(t, sess.CompletedAt)

	entries := h.ledger.all()
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].SessionID)
	assert.Equal(t, "mock", entries[0].Backend)
	assert.Equal(t, OutcomeCompleted, h.metrics.lastOutcome())
	assert.Equal(t, 0, h.svc.Streaming())
}

func TestStreamCostUsesBackendRates(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "gemini", Up: true, Chunks: []string{"twelve chars"}}
	h := newHarness(t, b)
	id := h.create(t, "alice")

	conn := testutil.NewRecordingConn()
	require.NoError(t, h.svc.StreamSession(context.Background(), id, alice(), conn))
	done := conn.Last().Data.(sse.DoneData)
	want := (float64(done.Usage.InputTokens)*0.001 + float64(done.Usage.OutputTokens)*0.002) / 1000
	assert.InDelta(t, want, done.Usage.Cost, 1e-12)
}

func TestCancelBetweenChunks(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, Chunks: []string{"a", "b", "c"}}
	h := newHarness(t, b)
	id := h.create(t, "alice")

	conn := testutil.NewRecordingConn()
	secondMeta := signalOnMetadata(conn, 2)
	type outcome struct {
		res CancelResult
		err error
	}
	cancelled := make(chan outcome, 1)
	b.BeforeChunk = func(i int) {
		if i != 2 {
			return
		}
		<-secondMeta
		res, err := h.svc.CancelSession(context.Background(), id, "alice")
		cancelled <- outcome{res, err}
	}

	require.NoError(t, h.svc.StreamSession(context.Background(), id, alice(), conn))

	got := <-cancelled
	require.NoError(t, got.err)
	assert.True(t, got.res.StreamClosed)
	assert.Equal(t, session.StatusCancelled, got.res.Status)

	assert.Equal(t, []sse.EventType{
		sse.EventConnected,
		sse.EventChunk, sse.EventMetadata,
		sse.EventChunk, sse.EventMetadata,
		sse.EventCancelled,
	}, conn.Types())
	last, ok := conn.Last().Data.(sse.CancelledData)
	require.True(t, ok)
	assert.Equal(t, sse.CancelledMessage, last.Message)

	sess, err := h.svc.GetSession(context.Background(), id, "alice")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, sess.Status)
	assert.Empty(t, sess.EnhancedText)
	assert.Empty(t, h.ledger.all())
	assert.False(t, h.transport.IsActive(id))
	assert.Equal(t, OutcomeCancelled, h.metrics.lastOutcome())
}

func TestCancelRecordedInStoreBetweenChunks(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, Chunks: []string{"a", "b", "c"}}
	h := newHarness(t, b)
	id := h.create(t, "alice")

	conn := testutil.NewRecordingConn()
	secondMeta := signalOnMetadata(conn, 2)
	b.BeforeChunk = func(i int) {
		if i != 2 {
			return
		}
		<-secondMeta
		// another instance wrote the cancel; nothing touched this process's transport
		_, err := h.store.Cancel(context.Background(), id)
		assert.NoError(t, err)
	}

	require.NoError(t, h.svc.StreamSession(context.Background(), id, alice(), conn))

	assert.Equal(t, []sse.EventType{
		sse.EventConnected,
		sse.EventChunk, sse.EventMetadata,
		sse.EventChunk, sse.EventMetadata,
		sse.EventCancelled,
	}, conn.Types())
	assert.True(t, conn.Closed())

	sess, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, sess.Status)
	assert.Empty(t, sess.EnhancedText)
	assert.Empty(t, h.ledger.all())
	assert.Equal(t, OutcomeCancelled, h.metrics.lastOutcome())
}

func TestBackendErrorAfterRecordedCancel(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, Chunks: []string{"a"}, FailAfter: errors.New("upstream reset")}
	h := newHarness(t, b)
	id := h.create(t, "alice")

	conn := testutil.NewRecordingConn()
	firstMeta := signalOnMetadata(conn, 1)
	b.BeforeFail = func() {
		<-firstMeta
		_, err := h.store.Cancel(context.Background(), id)
		assert.NoError(t, err)
	}

	require.NoError(t, h.svc.StreamSession(context.Background(), id, alice(), conn))

	assert.Equal(t, []sse.EventType{
		sse.EventConnected,
		sse.EventChunk, sse.EventMetadata,
		sse.EventCancelled,
	}, conn.Types())
	assert.NotContains(t, conn.Types(), sse.EventError)

	sess, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, sess.Status)
	assert.Empty(t, sess.Error)
	assert.Equal(t, OutcomeCancelled, h.metrics.lastOutcome())
}

// cancelOnReload cancels a session through svc the first time a read observes it streaming,
// and still hands the caller the record it read before the cancel.
type cancelOnReload struct {
	*session.MemoryStore
	svc   *Service
	fired atomic.Bool
	res   chan CancelResult
}

func (s *cancelOnReload) Get(ctx context.Context, id string) (*session.Session, error) {
	sess, err := s.MemoryStore.Get(ctx, id)
	if err == nil && sess.Status == session.StatusStreaming && s.fired.CompareAndSwap(false, true) {
		res, cerr := s.svc.CancelSession(ctx, id, sess.OwnerID)
		if cerr == nil {
			s.res <- res
		}
	}
	return sess, err
}

func TestCancelLandingAfterChunkReload(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, Chunks: []string{"a", "b"}}
	sel, err := backend.NewSelector(backend.SelectorConfig{Backends: []backend.Backend{b}, Default: "mock"})
	require.NoError(t, err)
	store := &cancelOnReload{MemoryStore: session.NewMemoryStore(), res: make(chan CancelResult, 1)}
	transport := sse.NewTransport(nil)
	m := &recordingMetrics{}
	store.svc, err = New(Config{Store: store, Selector: sel, Transport: transport, Metrics: m})
	require.NoError(t, err)

	created, err := store.svc.CreateSession(context.Background(), CreateRequest{OwnerID: "alice", Text: "x", Action: session.ActionImprove})
	require.NoError(t, err)

	conn := testutil.NewRecordingConn()
	require.NoError(t, store.svc.StreamSession(context.Background(), created.SessionID, alice(), conn))

	res := <-store.res
	assert.True(t, res.StreamClosed)
	assert.Equal(t, []sse.EventType{sse.EventConnected, sse.EventCancelled}, conn.Types())
	assert.Equal(t, OutcomeCancelled, m.lastOutcome())
}

func TestCancelBeforeStreamNeverInvokesBackend(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, Chunks: []string{"a"}}
	h := newHarness(t, b)
	id := h.create(t, "alice")

	res, err := h.svc.CancelSession(context.Background(), id, "alice")
	require.NoError(t, err)
	assert.False(t, res.StreamClosed)
	assert.Equal(t, session.StatusCancelled, res.Status)

	conn := testutil.NewRecordingConn()
	require.NoError(t, h.svc.StreamSession(context.Background(), id, alice(), conn))
	assert.Equal(t, []sse.EventType{sse.EventConnected, sse.EventCancelled}, conn.Types())
	assert.Equal(t, 0, b.Streams())
	assert.True(t, conn.Closed())
}

func TestCancelFinishedSessionIsNoop(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, Chunks: []string{"a"}}
	h := newHarness(t, b)
	id := h.create(t, "alice")
	require.NoError(t, h.svc.StreamSession(context.Background(), id, alice(), testutil.NewRecordingConn()))

	res, err := h.svc.CancelSession(context.Background(), id, "alice")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, res.Status)
	assert.False(t, res.StreamClosed)
	assert.Equal(t, "Session is already completed", res.Message)

	sess, err := h.svc.GetSession(context.Background(), id, "alice")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
}

func TestStreamByNonOwnerLooksLikeUnknownSession(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, Chunks: []string{"a"}}
	h := newHarness(t, b)
	id := h.create(t, "alice")

	foreign := testutil.NewRecordingConn()
	errForeign := h.svc.StreamSession(context.Background(), id, Requester{ID: "mallory"}, foreign)
	unknown := testutil.NewRecordingConn()
	errUnknown := h.svc.StreamSession(context.Background(), "does-not-exist", Requester{ID: "mallory"}, unknown)

	assert.ErrorIs(t, errForeign, ErrNotFound)
	assert.ErrorIs(t, errUnknown, ErrNotFound)
	assert.Equal(t, unknown.Events(), foreign.Events())
	assert.Equal(t, []sse.EventType{sse.EventError}, foreign.Types())
	assert.Equal(t, sse.CodeNotFound, foreign.Last().Data.(sse.ErrorData).Code)
	assert.Equal(t, 0, b.Streams())
	assert.Equal(t, 0, h.transport.Active())

	_, err := h.svc.GetSession(context.Background(), id, "mallory")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.CancelSession(context.Background(), id, "mallory")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStreamBackendFailure(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, Chunks: []string{"a"}, FailAfter: errors.New("upstream reset")}
	h := newHarness(t, b)
	id := h.create(t, "alice")

	conn := testutil.NewRecordingConn()
	err := h.svc.StreamSession(context.Background(), id, alice(), conn)
	assert.ErrorIs(t, err, ErrBackendError)

	assert.Equal(t, []sse.EventType{sse.EventConnected, sse.EventChunk, sse.EventMetadata, sse.EventError}, conn.Types())
	data := conn.Last().Data.(sse.ErrorData)
	assert.Equal(t, sse.CodeBackendError, data.Code)
	assert.Equal(t, "upstream reset", data.Message)

	sess, err := h.svc.GetSession(context.Background(), id, "alice")
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, sess.Status)
	assert.Equal(t, "upstream reset", sess.Error)
	assert.False(t, h.transport.IsActive(id))
	assert.Equal(t, OutcomeError, h.metrics.lastOutcome())
}

func TestStreamStartFailure(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, StartErr: backend.ErrNotConfigured}
	h := newHarness(t, b)
	id := h.create(t, "alice")

	conn := testutil.NewRecordingConn()
	err := h.svc.StreamSession(context.Background(), id, alice(), conn)
	assert.ErrorIs(t, err, backend.ErrNotConfigured)
	assert.Equal(t, []sse.EventType{sse.EventConnected, sse.EventError}, conn.Types())
}

func TestStreamUnknownStoredBackend(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true}
	h := newHarness(t, b)
	sess, err := h.store.Create(context.Background(), session.NewSession{
		OwnerID:      "alice",
		OriginalText: "x",
		Action:       session.ActionImprove,
		Backend:      "retired",
	})
	require.NoError(t, err)

	conn := testutil.NewRecordingConn()
	err = h.svc.StreamSession(context.Background(), sess.ID, alice(), conn)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, []sse.EventType{sse.EventError}, conn.Types())
	assert.Equal(t, sse.CodeBackendUnavailable, conn.Last().Data.(sse.ErrorData).Code)

	stored, err := h.store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, stored.Status)
}

func TestStreamRejectsConcurrentStream(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, Chunks: []string{"a"}}
	h := newHarness(t, b)
	id := h.create(t, "alice")

	release, ok, err := h.locker.TryLock(context.Background(), id, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	conn := testutil.NewRecordingConn()
	err = h.svc.StreamSession(context.Background(), id, alice(), conn)
	assert.ErrorIs(t, err, ErrAlreadyStreaming)
	assert.Equal(t, []sse.EventType{sse.EventError}, conn.Types())
	assert.Equal(t, sse.CodeError, conn.Last().Data.(sse.ErrorData).Code)
	assert.Equal(t, 0, b.Streams())
}

func TestStreamStopsWhenClientLeaves(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, Chunks: []string{"a", "b", "c"}}
	h := newHarness(t, b)
	id := h.create(t, "alice")

	conn := testutil.NewRecordingConn()
	firstMeta := signalOnMetadata(conn, 1)
	b.BeforeChunk = func(i int) {
		if i != 1 {
			return
		}
		<-firstMeta
		conn.Disconnect()
		for deadline := time.Now().Add(time.Second); h.transport.IsActive(id) && time.Now().Before(deadline); {
			time.Sleep(time.Millisecond)
		}
	}

	require.NoError(t, h.svc.StreamSession(context.Background(), id, alice(), conn))
	assert.Equal(t, []sse.EventType{sse.EventConnected, sse.EventChunk, sse.EventMetadata}, conn.Types())
	assert.Equal(t, OutcomeDisconnected, h.metrics.lastOutcome())

	sess, err := h.svc.GetSession(context.Background(), id, "alice")
	require.NoError(t, err)
	assert.Equal(t, session.StatusStreaming, sess.Status)
	assert.Empty(t, h.ledger.all())
}

func TestStreamReplaysFinishedSession(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, Chunks: []string{"a", "b"}}
	h := newHarness(t, b)
	id := h.create(t, "alice")

	first := testutil.NewRecordingConn()
	require.NoError(t, h.svc.StreamSession(context.Background(), id, alice(), first))
	second := testutil.NewRecordingConn()
	require.NoError(t, h.svc.StreamSession(context.Background(), id, alice(), second))

	assert.Equal(t, []sse.EventType{sse.EventConnected, sse.EventDone}, second.Types())
	assert.Equal(t, first.Last(), second.Last())
	assert.Equal(t, 1, b.Streams())
}

func TestStreamReplaysFailedSession(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, FailAfter: errors.New("boom")}
	h := newHarness(t, b)
	id := h.create(t, "alice")
	_ = h.svc.StreamSession(context.Background(), id, alice(), testutil.NewRecordingConn())

	conn := testutil.NewRecordingConn()
	require.NoError(t, h.svc.StreamSession(context.Background(), id, alice(), conn))
	assert.Equal(t, []sse.EventType{sse.EventConnected, sse.EventError}, conn.Types())
	assert.Equal(t, "boom", conn.Last().Data.(sse.ErrorData).Message)
}

func TestConcurrentReplaysEachGetTerminal(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, Chunks: []string{"a"}}
	h := newHarness(t, b)
	id := h.create(t, "alice")
	require.NoError(t, h.svc.StreamSession(context.Background(), id, alice(), testutil.NewRecordingConn()))

	conns := make([]*testutil.RecordingConn, 8)
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = testutil.NewRecordingConn()
		wg.Add(1)
		go func(c *testutil.RecordingConn) {
			defer wg.Done()
			assert.NoError(t, h.svc.StreamSession(context.Background(), id, alice(), c))
		}(conns[i])
	}
	wg.Wait()

	for _, c := range conns {
		assert.Equal(t, []sse.EventType{sse.EventConnected, sse.EventDone}, c.Types())
		assert.True(t, c.Closed())
	}
	assert.Equal(t, 0, h.transport.Active())
	assert.Equal(t, 1, b.Streams())
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, &testutil.ScriptedBackend{ID: "mock", Up: true})
	cases := map[string]CreateRequest{
		"empty text":     {OwnerID: "alice", Text: "  ", Action: session.ActionImprove},
		"unknown action": {OwnerID: "alice", Text: "x", Action: "rewrite"},
		"no owner":       {Text: "x", Action: session.ActionImprove},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.CreateSession(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Zero(t, h.store.Len())
}

func TestCreateSelectsFirstAvailableFallback(t *testing.T) {
	a := &testutil.ScriptedBackend{ID: "a", Up: false}
	bk := &testutil.ScriptedBackend{ID: "b", Up: true}
	c := &testutil.ScriptedBackend{ID: "c", Up: true}
	sel, err := backend.NewSelector(backend.SelectorConfig{Backends: []backend.Backend{a, bk, c}, Default: "a", Fallbacks: []string{"b", "c"}})
	require.NoError(t, err)
	svc, err := New(Config{Store: session.NewMemoryStore(), Selector: sel, Transport: sse.NewTransport(nil)})
	require.NoError(t, err)

	res, err := svc.CreateSession(context.Background(), CreateRequest{
		OwnerID:      "alice",
		Text:         "12345678",
		Action:       session.ActionFreePrompt,
		CustomPrompt: "abcd",
	})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Backend)
	assert.Equal(t, StreamPath(res.SessionID), res.StreamURL)
	assert.Equal(t, 3, res.EstimatedTokens)
	assert.Equal(t, 1, a.Probes())
	assert.Equal(t, 1, bk.Probes())
	assert.Equal(t, 0, c.Probes())

	sess, err := svc.GetSession(context.Background(), res.SessionID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "b", sess.Backend)
	assert.Equal(t, session.StatusPending, sess.Status)
	assert.Equal(t, "abcd", sess.Context.CustomPrompt)
}

func TestCreateExplicitBackend(t *testing.T) {
	a := &testutil.ScriptedBackend{ID: "a", Up: true}
	bk := &testutil.ScriptedBackend{ID: "b", Up: false}
	h := newHarness(t, a, bk)

	res, err := h.svc.CreateSession(context.Background(), CreateRequest{OwnerID: "alice", Text: "x", Action: session.ActionSummarize, Backend: "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Backend)
	assert.Equal(t, 0, bk.Probes())

	_, err = h.svc.CreateSession(context.Background(), CreateRequest{OwnerID: "alice", Text: "x", Action: session.ActionSummarize, Backend: "nope"})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestCreateWithoutAvailableBackend(t *testing.T) {
	h := newHarness(t, &testutil.ScriptedBackend{ID: "a", Up: false})
	_, err := h.svc.CreateSession(context.Background(), CreateRequest{OwnerID: "alice", Text: "x", Action: session.ActionImprove})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, err, backend.ErrUnavailable)
	assert.Zero(t, h.store.Len())
}

func TestUsage(t *testing.T) {
	b := &testutil.ScriptedBackend{ID: "mock", Up: true, Chunks: []string{"a", "b"}}
	h := newHarness(t, b)
	for i := 0; i < 2; i++ {
		id := h.create(t, "alice")
		require.NoError(t, h.svc.StreamSession(context.Background(), id, alice(), testutil.NewRecordingConn()))
	}

	report, err := h.svc.Usage(context.Background(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, report.Sessions)
	assert.EqualValues(t, 4, report.OutputTokens)
	assert.Len(t, report.Recent, 2)

	empty, err := h.svc.Usage(context.Background(), "bob")
	require.NoError(t, err)
	assert.Zero(t, empty.Sessions)
}

func TestUsageWithoutLedger(t *testing.T) {
	sel, err := backend.NewSelector(backend.SelectorConfig{Backends: []backend.Backend{&testutil.ScriptedBackend{ID: "mock", Up: true}}})
	require.NoError(t, err)
	svc, err := New(Config{Store: session.NewMemoryStore(), Selector: sel, Transport: sse.NewTransport(nil)})
	require.NoError(t, err)

	report, err := svc.Usage(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, report.Sessions)
	assert.NotNil(t, report.ByAction)
	assert.NotNil(t, report.Recent)
}
