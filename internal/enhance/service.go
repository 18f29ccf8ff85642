// Package enhance orchestrates enhancement sessions: creation, streaming generation to a client
// connection, lookup and cancellation.
package enhance

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/tokligence/enhance-gateway/internal/backend"
	"github.com/tokligence/enhance-gateway/internal/fieldctx"
	"github.com/tokligence/enhance-gateway/internal/ledger"
	"github.com/tokligence/enhance-gateway/internal/prompt"
	"github.com/tokligence/enhance-gateway/internal/session"
	"github.com/tokligence/enhance-gateway/internal/sse"
)

// DefaultLockTTL bounds how long a crashed stream can block a session.
const DefaultLockTTL = 10 * time.Minute

// ContextAssembler gathers the context around the field being enhanced.
type ContextAssembler interface {
	Assemble(ctx context.Context, fc session.FieldContext, options []string, perms fieldctx.Permissions) (fieldctx.Assembled, error)
}

// PromptBuilder renders prompts for an action.
type PromptBuilder interface {
	Build(action session.Action, ac fieldctx.Assembled, o prompt.Overrides) prompt.Result
}

// BackendSelector picks generation backends.
type BackendSelector interface {
	Resolve(name string) (backend.Backend, error)
	Select(ctx context.Context) (backend.Backend, error)
}

// Stream outcomes reported to Metrics.
const (
	OutcomeCompleted    = "completed"
	OutcomeCancelled    = "cancelled"
	OutcomeError        = "error"
	OutcomeDisconnected = "disconnected"
)

// Metrics receives orchestration events.
type Metrics interface {
	SessionCreated(action, backendName string)
	StreamOpened()
	StreamClosed(outcome string)
	ChunkStreamed(backendName string, tokens int)
	UsageRecorded(backendName string, inputTokens, outputTokens int, cost float64)
}

type noopMetrics struct{}

func (noopMetrics) SessionCreated(string, string) {}
func (noopMetrics) StreamOpened() {}
func (noopMetrics) StreamClosed(string) {}
func (noopMetrics) ChunkStreamed(string, int) {}
func (noopMetrics) UsageRecorded(string, int, int, float64) {}

// Config wires a Service.
type Config struct {
	Store     session.Store
	Locker    session.Locker
	Selector  BackendSelector
	Transport *sse.Transport
	Assembler ContextAssembler
	Builder   PromptBuilder
	Pricing   Pricing
	Ledger    ledger.Store // optional
	Metrics   Metrics      // optional
	Logger    *log.Logger

	Temperature float64
	MaxTokens   int
	LockTTL     time.Duration
}

// Requester identifies the caller of a stream.
type Requester struct {
	ID          string
	Permissions fieldctx.Permissions
}

// Service is the session orchestrator.
type Service struct {
	store     session.Store
	locker    session.Locker
	selector  BackendSelector
	transport *sse.Transport
	assembler ContextAssembler
	builder   PromptBuilder
	pricing   Pricing
	ledger    ledger.Store
	metrics   Metrics
	logger    *log.Logger

	temperature float64
	maxTokens   int
	lockTTL     time.Duration

	mu       sync.Mutex
	inflight map[string]*inflight
}

type inflight struct {
	cancel context.CancelFunc
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("enhance: session store required")
	}
	if cfg.Selector == nil {
		return nil, errors.New("enhance: backend selector required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("enhance: transport required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Locker == nil {
		cfg.Locker = session.NewMemoryLocker()
	}
	if cfg.Assembler == nil {
		cfg.Assembler = fieldctx.NewAssembler(nil, nil, cfg.Logger)
	}
	if cfg.Builder == nil {
		cfg.Builder = prompt.NewBuilder()
	}
	if cfg.Pricing == nil {
		cfg.Pricing = DefaultPricing()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = backend.DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = backend.DefaultMaxTokens
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &Service{
		store:       cfg.Store,
		locker:      cfg.Locker,
		selector:    cfg.Selector,
		transport:   cfg.Transport,
		assembler:   cfg.Assembler,
		builder:     cfg.Builder,
		pricing:     cfg.Pricing,
		ledger:      cfg.Ledger,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		lockTTL:     cfg.LockTTL,
		inflight:    make(map[string]*inflight),
	}, nil
}

// GetSession returns the session if it exists and belongs to requesterID.
func (s *Service) GetSession(ctx context.Context, sessionID, requesterID string) (*session.Session, error) {
	return s.owned(ctx, sessionID, requesterID)
}

// owned loads a session and hides sessions owned by someone else behind ErrNotFound.
func (s *Service) owned(ctx context.Context, sessionID, requesterID string) (*session.Session, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if sess.OwnerID != requesterID {
		s.logger.Printf("[WARN] enhance: requester %s asked for session %s owned by another user", requesterID, sessionID)
		return nil, ErrNotFound
	}
	return sess, nil
}

// track registers the cancel function of a local stream.
func (s *Service) track(sessionID string, cancel context.CancelFunc) *inflight {
	f := &inflight{cancel: cancel}
	s.mu.Lock()
	s.inflight[sessionID] = f
	s.mu.Unlock()
	return f
}

func (s *Service) untrack(sessionID string, f *inflight) {
	s.mu.Lock()
	if s.inflight[sessionID] == f {
		delete(s.inflight, sessionID)
	}
	s.mu.Unlock()
}

// interrupt cancels a stream running in this process, if any.
func (s *Service) interrupt(sessionID string) bool {
	s.mu.Lock()
	f := s.inflight[sessionID]
	s.mu.Unlock()
	if f == nil {
		return false
	}
	f.cancel()
	return true
}

// Streaming reports the number of streams running in this process.
func (s *Service) Streaming() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
