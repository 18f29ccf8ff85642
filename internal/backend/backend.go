package backend

import (
	"context"
	"errors"
	"unicode/utf8"
)

// Backend produces generated text as a lazy, finite stream of chunks.
type Backend interface {
	// Name is the configuration name of the backend (openai, claude, gemini, mock).
	Name() string
	// Available probes liveness. Probe failures are reported as false.
	Available(ctx context.Context) bool
	// EstimateTokens approximates the token count of text.
	EstimateTokens(text string) int
	// Stream starts generation. The returned channel is closed after the last event or once ctx
	// is cancelled; it cannot be restarted.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Request is a single generation request.
type Request struct {
	Prompt       string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Stop         []string
}

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

// WithDefaults fills zero values with the service defaults.
func (r Request) WithDefaults() Request {
	if r.Temperature == 0 {
		r.Temperature = DefaultTemperature
	}
	if r.MaxTokens <= 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	return r
}

// Finish reasons reported on the final chunk.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
)

// Chunk is one increment of generated text.
type Chunk struct {
	Text         string
	Tokens       int
	FinishReason string
}

// StreamEvent carries either a chunk or a terminal error.
type StreamEvent struct {
	Chunk *Chunk
	Err   error
}

// ErrNotConfigured is returned by Stream on backends registered without credentials.
var ErrNotConfigured = errors.New("backend: not configured")

// EstimateTokens approximates tokens as one per four characters, rounded up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Send delivers ev unless ctx is done first. It reports whether the event was delivered.
func Send(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
