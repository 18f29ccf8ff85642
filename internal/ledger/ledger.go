package ledger

import (
	"context"
	"errors"
	"time"
)

// Entry is the usage record of one completed enhancement session.
type Entry struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"sessionId"`
	OwnerID      string    `json:"userId"`
	Action       string    `json:"action"`
	Backend      string    `json:"provider"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	Cost         float64   `json:"cost"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Bucket aggregates usage for one grouping key.
type Bucket struct {
	Sessions int64   `json:"sessions"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Summary aggregates usage for an owner.
type Summary struct {
	Sessions     int64             `json:"sessions"`
	InputTokens  int64             `json:"inputTokens"`
	OutputTokens int64             `json:"outputTokens"`
	TotalTokens  int64             `json:"totalTokens"`
	Cost         float64           `json:"cost"`
	ByAction     map[string]Bucket `json:"byAction"`
	ByBackend    map[string]Bucket `json:"byProvider"`
}

// EmptySummary returns a zero summary with initialised maps.
func EmptySummary() Summary {
	return Summary{ByAction: map[string]Bucket{}, ByBackend: map[string]Bucket{}}
}

// Store defines persistence behaviour for the ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, ownerID string) (Summary, error)
	ListRecent(ctx context.Context, ownerID string, limit int) ([]Entry, error)
	Ping(ctx context.Context) error
	Close() error
}

// Validate checks the fields every store requires.
func (e Entry) Validate() error {
	if e.OwnerID == "" {
		return errors.New("ledger record requires owner id")
	}
	if e.SessionID == "" {
		return errors.New("ledger record requires session id")
	}
	if e.InputTokens < 0 || e.OutputTokens < 0 || e.Cost < 0 {
		return errors.New("ledger record requires non-negative usage")
	}
	return nil
}
