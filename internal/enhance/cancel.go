package enhance

import (
	"context"
	"fmt"

	"github.com/tokligence/enhance-gateway/internal/session"
	"github.com/tokligence/enhance-gateway/internal/sse"
)

// CancelResult reports the outcome of a cancel request.
type CancelResult struct {
	SessionID    string         `json:"sessionId"`
	Status       session.Status `json:"status"`
	StreamClosed bool           `json:"streamClosed"`
	Message      string         `json:"message"`
}

// CancelSession cancels a session owned by requesterID and closes its stream if one is open on
// this process. Cancelling a finished session changes nothing.
func (s *Service) CancelSession(ctx context.Context, sessionID, requesterID string) (CancelResult, error) {
	sess, err := s.owned(ctx, sessionID, requesterID)
	if err != nil {
		return CancelResult{}, err
	}
	if sess.Status.Terminal() {
		return alreadyFinished(sess), nil
	}

	cancelled, err := s.store.Cancel(ctx, sess.ID)
	if err != nil {
		return CancelResult{}, fmt.Errorf("enhance: cancel session %s: %w", sess.ID, err)
	}
	if cancelled.Status != session.StatusCancelled {
		// finished between the load and the cancel
		return alreadyFinished(cancelled), nil
	}

	closed := s.transport.CloseWithTerminal(sess.ID, sse.Cancelled(sess.ID))
	s.interrupt(sess.ID)
	s.logger.Printf("[INFO] enhance: session %s cancelled by %s (stream closed=%t)", sess.ID, requesterID, closed)
	return CancelResult{
		SessionID:    sess.ID,
		Status:       session.StatusCancelled,
		StreamClosed: closed,
		Message:      "Session cancelled",
	}, nil
}

func alreadyFinished(sess *session.Session) CancelResult {
	return CancelResult{
		SessionID: sess.ID,
		Status:    sess.Status,
		Message:   fmt.Sprintf("Session is already %s", sess.Status),
	}
}
