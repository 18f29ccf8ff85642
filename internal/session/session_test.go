package session

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusStreaming, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusError, false},
		{StatusPending, StatusPending, true},
		{StatusStreaming, StatusCompleted, true},
		{StatusStreaming, StatusCancelled, true},
		{StatusStreaming, StatusError, true},
		{StatusStreaming, StatusPending, false},
		{StatusStreaming, StatusStreaming, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusCompleted, StatusCompleted, false},
		{StatusCancelled, StatusStreaming, false},
		{StatusError, StatusCompleted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestPatchApplyStampsCompletedAt(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newRecord("id", NewSession{OwnerID: "u"}, now)
	if err := StatusPatch(StatusStreaming).apply(s, now); err != nil {
		t.Fatalf("apply streaming: %v", err)
	}
	if s.CompletedAt != nil {
		t.Fatalf("streaming should not stamp completedAt")
	}
	later := now.Add(time.Minute)
	text := "done"
	if err := (Patch{Status: statusPtr(StatusCompleted), EnhancedText: &text}).apply(s, later); err != nil {
		t.Fatalf("apply completed: %v", err)
	}
	if s.CompletedAt == nil || !s.CompletedAt.Equal(later) {
		t.Fatalf("completedAt = %v, want %v", s.CompletedAt, later)
	}
	if s.EnhancedText != "done" {
		t.Fatalf("enhanced text = %q", s.EnhancedText)
	}
}

func TestPatchApplyRejectsBackwardsTransition(t *testing.T) {
	now := time.Now()
	s := newRecord("id", NewSession{OwnerID: "u"}, now)
	s.Status = StatusCompleted
	msg := "boom"
	err := Patch{Status: statusPtr(StatusError), Error: &msg}.apply(s, now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != StatusCompleted || te.To != StatusError {
		t.Fatalf("unexpected transition error %#v", err)
	}
	if s.Error != "" {
		t.Fatalf("rejected patch must not modify the record")
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := &Session{
		ID:      "a",
		Usage:   &Usage{InputTokens: 1},
		Context: FieldContext{Metadata: map[string]any{"k": "v"}, IncludeContext: []string{"x"}},
	}
	c := s.Clone()
	c.Usage.InputTokens = 9
	c.Context.Metadata["k"] = "changed"
	c.Context.IncludeContext[0] = "y"
	if s.Usage.InputTokens != 1 || s.Context.Metadata["k"] != "v" || s.Context.IncludeContext[0] != "x" {
		t.Fatalf("clone shares state with original: %+v", s)
	}
}

func TestActionValid(t *testing.T) {
	if !ActionSummarize.Valid() {
		t.Fatal("summarize should be valid")
	}
	if Action("translate").Valid() {
		t.Fatal("translate is not a supported action")
	}
}

func statusPtr(s Status) *Status { return &s }
