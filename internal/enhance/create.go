package enhance

import (
	"context"
	"fmt"
	"strings"

	"github.com/tokligence/enhance-gateway/internal/backend"
	"github.com/tokligence/enhance-gateway/internal/session"
)

// CreateRequest describes a new enhancement.
type CreateRequest struct {
	OwnerID        string
	Text           string
	Action         session.Action
	Backend        string // optional; selected by availability when empty
	Context        session.FieldContext
	IncludeContext []string
	CustomPrompt   string
	Tone           string
}

// CreateResult is returned once the session is persisted.
type CreateResult struct {
	SessionID       string `json:"sessionId"`
	StreamURL       string `json:"streamUrl"`
	EstimatedTokens int    `json:"estimatedTokens"`
	Backend         string `json:"provider"`
}

// StreamPath returns the stream endpoint of a session.
func StreamPath(sessionID string) string {
	return "/api/ai/stream/" + sessionID
}

// CreateSession validates req, picks a backend and stores a pending session.
func (s *Service) CreateSession(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return CreateResult{}, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Text) == "" {
		return CreateResult{}, fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	if !req.Action.Valid() {
		return CreateResult{}, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, req.Action)
	}

	b, err := s.pickBackend(ctx, req.Backend)
	if err != nil {
		return CreateResult{}, err
	}

	fc := req.Context
	if fc.Text == "" {
		fc.Text = req.Text
	}
	fc.IncludeContext = append([]string(nil), req.IncludeContext...)
	fc.CustomPrompt = req.CustomPrompt
	fc.Tone = req.Tone

	sess, err := s.store.Create(ctx, session.NewSession{
		OwnerID:      req.OwnerID,
		OriginalText: req.Text,
		Action:       req.Action,
		Backend:      b.Name(),
		Context:      fc,
	})
	if err != nil {
		return CreateResult{}, fmt.Errorf("enhance: create session: %w", err)
	}
	s.metrics.SessionCreated(string(req.Action), b.Name())
	s.logger.Printf("[INFO] enhance: session %s created for %s (action=%s backend=%s)", sess.ID, req.OwnerID, req.Action, b.Name())

	return CreateResult{
		SessionID:       sess.ID,
		StreamURL:       StreamPath(sess.ID),
		EstimatedTokens: b.EstimateTokens(req.Text + req.CustomPrompt),
		Backend:         b.Name(),
	}, nil
}

// pickBackend resolves an explicit hint by name, otherwise selects by availability.
func (s *Service) pickBackend(ctx context.Context, name string) (backend.Backend, error) {
	var (
		b   backend.Backend
		err error
	)
	if strings.TrimSpace(name) != "" {
		b, err = s.selector.Resolve(name)
	} else {
		b, err = s.selector.Select(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return b, nil
}
