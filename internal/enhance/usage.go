package enhance

import (
	"context"
	"fmt"

	"github.com/tokligence/enhance-gateway/internal/ledger"
	"github.com/tokligence/enhance-gateway/internal/session"
)

// UsageReport is the usage overview of one owner.
type UsageReport struct {
	ledger.Summary
	Recent []ledger.Entry `json:"recent"`
}

// RecentLimit caps the recent entries returned by Usage.
const RecentLimit = 20

// Usage returns totals and recent completed sessions for ownerID. Without a ledger the report
// is empty.
func (s *Service) Usage(ctx context.Context, ownerID string) (UsageReport, error) {
	report := UsageReport{Summary: ledger.EmptySummary(), Recent: []ledger.Entry{}}
	if s.ledger == nil {
		return report, nil
	}
	summary, err := s.ledger.Summary(ctx, ownerID)
	if err != nil {
		return UsageReport{}, fmt.Errorf("enhance: usage summary: %w", err)
	}
	recent, err := s.ledger.ListRecent(ctx, ownerID, RecentLimit)
	if err != nil {
		return UsageReport{}, fmt.Errorf("enhance: recent usage: %w", err)
	}
	report.Summary = summary
	if recent != nil {
		report.Recent = recent
	}
	return report, nil
}

// recordUsage writes the ledger entry of a completed session. Failures are logged.
func (s *Service) recordUsage(ctx context.Context, sess *session.Session, usage session.Usage) {
	s.metrics.UsageRecorded(sess.Backend, usage.InputTokens, usage.OutputTokens, usage.Cost)
	if s.ledger == nil {
		return
	}
	entry := ledger.Entry{
		SessionID:    sess.ID,
		OwnerID:      sess.OwnerID,
		Action:       string(sess.Action),
		Backend:      sess.Backend,
		InputTokens:  int64(usage.InputTokens),
		OutputTokens: int64(usage.OutputTokens),
		Cost:         usage.Cost,
	}
	if sess.CompletedAt != nil {
		entry.CreatedAt = *sess.CompletedAt
	}
	if err := s.ledger.Record(ctx, entry); err != nil {
		s.logger.Printf("[WARN] enhance: record usage for session %s: %v", sess.ID, err)
	}
}
