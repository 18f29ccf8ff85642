package enhance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tokligence/enhance-gateway/internal/backend"
	"github.com/tokligence/enhance-gateway/internal/prompt"
	"github.com/tokligence/enhance-gateway/internal/session"
	"github.com/tokligence/enhance-gateway/internal/sse"
)

// run is a prepared generation for one session.
type run struct {
	sess        *session.Session
	backend     backend.Backend
	req         backend.Request
	inputTokens int
}

// StreamSession generates the enhancement of a session and writes its events to conn. It returns
// after the terminal event was sent or the client went away. Errors raised after the connection
// was opened have already been reported to the client as an error event.
func (s *Service) StreamSession(ctx context.Context, sessionID string, requester Requester, conn sse.Conn) error {
	sess, err := s.owned(ctx, sessionID, requester.ID)
	if err != nil {
		s.transport.Emit(conn, sse.Error(Code(err), PublicMessage(err)))
		return err
	}
	if sess.Status.Terminal() {
		s.replayTerminal(sess, conn)
		return nil
	}

	release, ok, err := s.locker.TryLock(ctx, sess.ID, s.lockTTL)
	if err != nil {
		s.transport.Emit(conn, sse.Error(sse.CodeError, "failed to start stream"))
		return fmt.Errorf("enhance: lock session %s: %w", sess.ID, err)
	}
	if !ok {
		s.transport.Emit(conn, sse.Error(sse.CodeError, PublicMessage(ErrAlreadyStreaming)))
		return ErrAlreadyStreaming
	}
	defer release()

	if _, err := s.store.Update(ctx, sess.ID, session.StatusPatch(session.StatusStreaming)); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			if cur, gerr := s.store.Get(ctx, sess.ID); gerr == nil && cur.Status.Terminal() {
				s.replayTerminal(cur, conn)
				return nil
			}
		}
		s.transport.Emit(conn, sse.Error(sse.CodeError, "failed to start stream"))
		return fmt.Errorf("enhance: mark session %s streaming: %w", sess.ID, err)
	}

	r, err := s.prepare(ctx, sess, requester)
	if err != nil {
		s.markFailed(context.WithoutCancel(ctx), sess.ID, err)
		s.transport.Emit(conn, sse.Error(Code(err), err.Error()))
		return err
	}
	return s.run(ctx, r, conn)
}

// prepare resolves the stored backend and builds the request.
func (s *Service) prepare(ctx context.Context, sess *session.Session, requester Requester) (*run, error) {
	b, err := s.selector.Resolve(sess.Backend)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	fc := sess.Context
	ac, err := s.assembler.Assemble(ctx, fc, fc.IncludeContext, requester.Permissions)
	if err != nil {
		s.logger.Printf("[WARN] enhance: context for session %s degraded: %v", sess.ID, err)
	}
	if ac.PrimaryText == "" {
		ac.PrimaryText = sess.OriginalText
	}
	built := s.builder.Build(sess.Action, ac, prompt.Overrides{CustomPrompt: fc.CustomPrompt, Tone: fc.Tone})

	return &run{
		sess:    sess,
		backend: b,
		req: backend.Request{
			Prompt:       built.UserPrompt,
			SystemPrompt: built.SystemPrompt,
			Temperature:  s.temperature,
			MaxTokens:    s.maxTokens,
		},
		inputTokens: b.EstimateTokens(built.UserPrompt + built.SystemPrompt),
	}, nil
}

func (s *Service) run(ctx context.Context, r *run, conn sse.Conn) error {
	id := r.sess.ID
	gone := s.transport.Open(id, conn)
	defer s.transport.Remove(id)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	f := s.track(id, cancel)
	defer s.untrack(id, f)
	go func() {
		select {
		case <-gone:
			cancel()
		case <-streamCtx.Done():
		}
	}()

	s.metrics.StreamOpened()
	outcome, err := s.pump(streamCtx, context.WithoutCancel(ctx), r)
	s.metrics.StreamClosed(outcome)
	return err
}

// pump relays chunks until the sequence ends, fails, or the stream is interrupted. Store writes
// use bg so they survive the client going away.
func (s *Service) pump(ctx, bg context.Context, r *run) (string, error) {
	id := r.sess.ID
	events, err := r.backend.Stream(ctx, r.req)
	if err != nil {
		if ctx.Err() != nil {
			return s.interrupted(bg, id), nil
		}
		return s.fail(bg, id, err)
	}

	var (
		text         strings.Builder
		outputTokens int
	)
	for {
		select {
		case <-ctx.Done():
			return s.interrupted(bg, id), nil
		case ev, ok := <-events:
			if !ok {
				return s.complete(bg, r, text.String(), outputTokens)
			}
			if ev.Err != nil {
				if ctx.Err() != nil {
					return s.interrupted(bg, id), nil
				}
				return s.fail(bg, id, ev.Err)
			}

			cur, err := s.store.Get(bg, id)
			switch {
			case err != nil:
				s.logger.Printf("[WARN] enhance: reload session %s: %v", id, err)
			case cur.Status == session.StatusCancelled:
				s.closeCancelled(id)
				return OutcomeCancelled, nil
			}
			if !s.transport.IsActive(id) {
				// a cancel may have closed the connection after the reload above
				return s.interrupted(bg, id), nil
			}

			c := ev.Chunk
			if c == nil || (c.Text == "" && c.Tokens == 0) {
				continue
			}
			text.WriteString(c.Text)
			outputTokens += c.Tokens
			s.transport.Send(id, sse.Chunk(c.Text, c.Tokens))
			s.transport.Send(id, sse.Metadata(r.inputTokens+outputTokens))
			s.metrics.ChunkStreamed(r.backend.Name(), c.Tokens)
		}
	}
}

func (s *Service) complete(ctx context.Context, r *run, text string, outputTokens int) (string, error) {
	id := r.sess.ID
	usage := session.Usage{
		InputTokens:  r.inputTokens,
		OutputTokens: outputTokens,
		Cost:         s.pricing.Cost(r.sess.Backend, r.inputTokens, outputTokens),
	}
	status := session.StatusCompleted
	updated, err := s.store.Update(ctx, id, session.Patch{Status: &status, EnhancedText: &text, Usage: &usage})
	if err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			s.closeCancelled(id)
			return OutcomeCancelled, nil
		}
		s.transport.CloseWithTerminal(id, sse.Error(sse.CodeError, "failed to save result"))
		return OutcomeError, fmt.Errorf("enhance: complete session %s: %w", id, err)
	}

	s.transport.CloseWithTerminal(id, sse.Done(id, usage.InputTokens+usage.OutputTokens, usageData(usage)))
	s.recordUsage(ctx, updated, usage)
	s.logger.Printf("[INFO] enhance: session %s completed (in=%d out=%d cost=%.6f)", id, usage.InputTokens, usage.OutputTokens, usage.Cost)
	return OutcomeCompleted, nil
}

// fail reports a generation error unless the session was cancelled meanwhile.
func (s *Service) fail(ctx context.Context, id string, cause error) (string, error) {
	if cur, err := s.store.Get(ctx, id); err == nil && cur.Status == session.StatusCancelled {
		s.closeCancelled(id)
		return OutcomeCancelled, nil
	}
	if s.markFailed(ctx, id, cause) {
		s.closeCancelled(id)
		return OutcomeCancelled, nil
	}
	s.logger.Printf("[ERROR] enhance: session %s failed: %v", id, cause)
	s.transport.CloseWithTerminal(id, sse.Error(sse.CodeBackendError, cause.Error()))
	return OutcomeError, fmt.Errorf("%w: session %s: %w", ErrBackendError, id, cause)
}

// markFailed stores the error on the session. It reports true when the session had been
// cancelled and could no longer move to error.
func (s *Service) markFailed(ctx context.Context, id string, cause error) bool {
	status := session.StatusError
	msg := cause.Error()
	if _, err := s.store.Update(ctx, id, session.Patch{Status: &status, Error: &msg}); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			return true
		}
		s.logger.Printf("[WARN] enhance: mark session %s failed: %v", id, err)
	}
	return false
}

// interrupted resolves why the stream stopped early: a recorded cancel or a departed client.
func (s *Service) interrupted(ctx context.Context, id string) string {
	if cur, err := s.store.Get(ctx, id); err == nil && cur.Status == session.StatusCancelled {
		s.closeCancelled(id)
		return OutcomeCancelled
	}
	s.logger.Printf("enhance: stream for session %s interrupted", id)
	return OutcomeDisconnected
}

func (s *Service) closeCancelled(id string) {
	s.transport.CloseWithTerminal(id, sse.Cancelled(id))
}

// replayTerminal answers a stream request for a finished session with its final event. The
// connection is never registered, so concurrent replays cannot displace one another.
func (s *Service) replayTerminal(sess *session.Session, conn sse.Conn) {
	s.transport.Replay(sess.ID, conn, terminalEvent(sess))
}

func terminalEvent(sess *session.Session) sse.Event {
	switch sess.Status {
	case session.StatusCancelled:
		return sse.Cancelled(sess.ID)
	case session.StatusCompleted:
		var usage session.Usage
		if sess.Usage != nil {
			usage = *sess.Usage
		}
		return sse.Done(sess.ID, usage.InputTokens+usage.OutputTokens, usageData(usage))
	default:
		msg := sess.Error
		if msg == "" {
			msg = "generation failed"
		}
		return sse.Error(sse.CodeBackendError, msg)
	}
}

func usageData(u session.Usage) sse.UsageData {
	return sse.UsageData{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, Cost: u.Cost}
}
