package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no session exists for an id.
var ErrNotFound = errors.New("session: not found")

// ErrInvalidTransition is matched by errors.Is for every *TransitionError.
var ErrInvalidTransition = errors.New("session: invalid status transition")

// TransitionError reports an update that would move a session backwards or out of a terminal state.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Store persists session records. Implementations provide last-write-wins semantics and no
// cross-call locking; callers that need mutual exclusion use a Locker.
type Store interface {
	// Create persists a new pending session with a freshly generated id.
	Create(ctx context.Context, in NewSession) (*Session, error)
	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)
	// Update applies a partial update, failing with ErrNotFound if absent.
	Update(ctx context.Context, id string, patch Patch) (*Session, error)
	// Cancel marks the session cancelled. Terminal sessions are returned unchanged.
	Cancel(ctx context.Context, id string) (*Session, error)
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

// IDFunc generates session ids. Tests may swap it for deterministic ids.
type IDFunc func() string

func defaultID() string { return uuid.NewString() }

// Clock returns the current time.
type Clock func() time.Time

func defaultClock() time.Time { return time.Now().UTC() }

// cancelRecord applies the idempotent cancel rule shared by all stores. The bool result is false
// when the record was already terminal and nothing needs to be written.
func cancelRecord(s *Session, now time.Time) (bool, error) {
	if s.Status.Terminal() {
		return false, nil
	}
	if err := StatusPatch(StatusCancelled).apply(s, now); err != nil {
		return false, err
	}
	return true, nil
}
