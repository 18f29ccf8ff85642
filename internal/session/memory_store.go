package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in a process-local map. It is the fallback used when the durable
// store is unreachable and the default for single-instance development.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	ttl      time.Duration
	newID    IDFunc
	now      Clock
}

type memoryEntry struct {
	session *Session
	expires time.Time
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryTTL expires entries after ttl. Zero disables expiry.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.ttl = ttl }
}

// WithMemoryIDs overrides id generation.
func WithMemoryIDs(fn IDFunc) MemoryOption {
	return func(s *MemoryStore) { s.newID = fn }
}

// WithMemoryClock overrides the clock.
func WithMemoryClock(fn Clock) MemoryOption {
	return func(s *MemoryStore) { s.now = fn }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]memoryEntry),
		newID:    defaultID,
		now:      defaultClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists a new pending session.
func (s *MemoryStore) Create(ctx context.Context, in NewSession) (*Session, error) {
	rec := newRecord(s.newID(), in, s.now())
	s.Put(rec)
	return rec.Clone(), nil
}

// Put stores a copy of sess, replacing any existing record. FallbackStore uses it to mirror
// records served by the durable store.
func (s *MemoryStore) Put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = memoryEntry{session: sess.Clone(), expires: s.expiry()}
}

// Get returns a copy of the session.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	entry, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || s.expired(entry) {
		return nil, ErrNotFound
	}
	return entry.session.Clone(), nil
}

// Update applies patch under the store lock.
func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok || s.expired(entry) {
		return nil, ErrNotFound
	}
	updated := entry.session.Clone()
	if err := patch.apply(updated, s.now()); err != nil {
		return nil, err
	}
	entry.session = updated
	s.sessions[id] = entry
	return updated.Clone(), nil
}

// Cancel marks the session cancelled unless it is already terminal.
func (s *MemoryStore) Cancel(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok || s.expired(entry) {
		return nil, ErrNotFound
	}
	updated := entry.session.Clone()
	changed, err := cancelRecord(updated, s.now())
	if err != nil {
		return nil, err
	}
	if changed {
		entry.session = updated
		s.sessions[id] = entry
	}
	return updated.Clone(), nil
}

// Has reports whether a live record exists for id.
func (s *MemoryStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	return ok && !s.expired(e)
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.sessions {
		if !s.expired(e) {
			n++
		}
	}
	return n
}

// CleanupExpired drops entries whose TTL elapsed.
func (s *MemoryStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.sessions {
		if s.expired(e) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) expiry() time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(s.ttl)
}

func (s *MemoryStore) expired(e memoryEntry) bool {
	return !e.expires.IsZero() && s.now().After(e.expires)
}
