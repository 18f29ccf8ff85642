package session

import (
	"time"
)

// Status is the lifecycle state of an enhancement session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusError:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStreaming, StatusCompleted, StatusCancelled, StatusError:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a session may move from one status to another.
//
//	pending   -> streaming | cancelled
//	streaming -> completed | cancelled | error
//
// Re-applying the current non-terminal status is allowed so repeated writes stay idempotent.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case StatusPending:
		return to == StatusStreaming || to == StatusCancelled
	case StatusStreaming:
		return to == StatusCompleted || to == StatusCancelled || to == StatusError
	default:
		return false
	}
}

// Action is the transformation requested for the original text.
type Action string

const (
	ActionImprove     Action = "improve"
	ActionMakeShorter Action = "make_shorter"
	ActionSummarize   Action = "summarize"
	ActionFixGrammar  Action = "fix_grammar"
	ActionChangeTone  Action = "change_tone"
	ActionFreePrompt  Action = "free_prompt"
	ActionExpand      Action = "expand"
)

// Actions lists every supported action in display order.
var Actions = []Action{
	ActionImprove,
	ActionMakeShorter,
	ActionSummarize,
	ActionFixGrammar,
	ActionChangeTone,
	ActionFreePrompt,
	ActionExpand,
}

// Valid reports whether a is a supported action.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// FieldContext describes where the text being enhanced lives. The core treats it as opaque and
// hands it to the context assembler when streaming starts.
type FieldContext struct {
	FieldType      string         `json:"fieldType"`
	EntityID       string         `json:"entityId,omitempty"`
	FieldID        string         `json:"fieldId,omitempty"`
	Text           string         `json:"text"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IncludeContext []string       `json:"includeContext,omitempty"`
	CustomPrompt   string         `json:"customPrompt,omitempty"`
	Tone           string         `json:"tone,omitempty"`
}

// Usage captures token accounting for a finished session.
type Usage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Cost         float64 `json:"cost"`
}

// Session is the lifecycle record of one enhancement request.
type Session struct {
	ID           string       `json:"sessionId"`
	OwnerID      string       `json:"userId"`
	Status       Status       `json:"status"`
	OriginalText string       `json:"originalText"`
	EnhancedText string       `json:"enhancedText,omitempty"`
	Action       Action       `json:"action"`
	Backend      string       `json:"provider"`
	Context      FieldContext `json:"context"`
	Usage        *Usage       `json:"usage,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Usage != nil {
		u := *s.Usage
		out.Usage = &u
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.Context.Metadata != nil {
		out.Context.Metadata = make(map[string]any, len(s.Context.Metadata))
		for k, v := range s.Context.Metadata {
			out.Context.Metadata[k] = v
		}
	}
	if s.Context.IncludeContext != nil {
		out.Context.IncludeContext = append([]string(nil), s.Context.IncludeContext...)
	}
	return &out
}

// NewSession carries the caller-supplied attributes of a session being created.
type NewSession struct {
	OwnerID      string
	OriginalText string
	Action       Action
	Backend      string
	Context      FieldContext
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status       *Status
	EnhancedText *string
	Usage        *Usage
	Error        *string
}

// StatusPatch is shorthand for a patch that only moves the status.
func StatusPatch(s Status) Patch {
	return Patch{Status: &s}
}

// apply merges p into s after validating the status transition.
func (p Patch) apply(s *Session, now time.Time) error {
	if p.Status != nil {
		if !CanTransition(s.Status, *p.Status) {
			return &TransitionError{From: s.Status, To: *p.Status}
		}
		s.Status = *p.Status
		if s.Status.Terminal() && s.CompletedAt == nil {
			t := now
			s.CompletedAt = &t
		}
	}
	if p.EnhancedText != nil {
		s.EnhancedText = *p.EnhancedText
	}
	if p.Usage != nil {
		u := *p.Usage
		s.Usage = &u
	}
	if p.Error != nil {
		s.Error = *p.Error
	}
	return nil
}

func newRecord(id string, in NewSession, now time.Time) *Session {
	return &Session{
		ID:           id,
		OwnerID:      in.OwnerID,
		Status:       StatusPending,
		OriginalText: in.OriginalText,
		Action:       in.Action,
		Backend:      in.Backend,
		Context:      in.Context,
		CreatedAt:    now,
	}
}
