package mock

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tokligence/enhance-gateway/internal/backend"
)

func drain(t *testing.T, ch <-chan backend.StreamEvent) []backend.Chunk {
	t.Helper()
	var out []backend.Chunk
	for ev := range ch {
		if ev.Err != nil {
			t.Fatalf("unexpected error: %v", ev.Err)
		}
		out = append(out, *ev.Chunk)
	}
	return out
}

func TestStreamChunksByFiveWords(t *testing.T) {
	b := New(Config{Enabled: true, ChunkDelay: -1, Text: "one two three four five six seven"})
	ch, err := b.Stream(context.Background(), backend.Request{Prompt: "anything"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := drain(t, ch)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks: %+v", len(chunks), chunks)
	}
	if chunks[0].Text != "one two three four five " || chunks[1].Text != "six seven " {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[0].Tokens != backend.EstimateTokens(chunks[0].Text) {
		t.Fatalf("tokens = %d", chunks[0].Tokens)
	}
	final := chunks[2]
	if final.Text != "" || final.Tokens != 0 || final.FinishReason != backend.FinishStop {
		t.Fatalf("final chunk = %+v", final)
	}
}

func TestCannedTextByKeyword(t *testing.T) {
	b := New(Config{Enabled: true})
	cases := []struct {
		prompt string
		prefix string
	}{
		{"Please IMPROVE this", "This is a sample enhanced text"},
		{"translate to French", "This is a translated version"},
		{"summarize the notes", "Here is a concise summary"},
		{"something else", "This is a stream of dummy text"},
	}
	for _, tc := range cases {
		got := b.cannedText(backend.Request{Prompt: tc.prompt}.WithDefaults())
		if !strings.HasPrefix(got, tc.prefix) {
			t.Errorf("cannedText(%q) = %q", tc.prompt, got)
		}
	}
	repeated := b.cannedText(backend.Request{Prompt: "x", MaxTokens: 1000})
	if strings.Count(repeated, "This is a stream of dummy text") != 3 {
		t.Errorf("default text should repeat up to three times")
	}
	short := b.cannedText(backend.Request{Prompt: "x", MaxTokens: 10})
	if strings.Count(short, "This is a stream of dummy text") != 1 {
		t.Errorf("default text should not repeat for small budgets")
	}
}

func TestDisabled(t *testing.T) {
	b := New(Config{})
	if b.Available(context.Background()) {
		t.Fatal("disabled mock must be unavailable")
	}
	if _, err := b.Stream(context.Background(), backend.Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error from disabled mock")
	}
}

func TestStreamStopsOnCancel(t *testing.T) {
	b := New(Config{Enabled: true, ChunkDelay: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Stream(ctx, backend.Request{Prompt: "improve"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	<-ch
	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}
