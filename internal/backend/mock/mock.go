// Package mock provides a deterministic stand-in backend for development and tests. It streams
// canned text without network access.
package mock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tokligence/enhance-gateway/internal/backend"
)

// Name is the configuration name of this backend.
const Name = "mock"

var _ backend.Backend = (*Backend)(nil)

var improvedSamples = []string{
	"This is a sample enhanced text that demonstrates how the AI assistant improves your content. ",
	"It provides suggestions and refinements to make your writing more clear, concise, and engaging. ",
	"The system analyzes your input and generates improvements that maintain your original intent. ",
	"You can use this for testing streaming functionality without making actual API calls. ",
	"Each chunk is delivered with realistic delays to simulate real-world streaming behavior. ",
	"This helps developers test the frontend integration and streaming mechanisms efficiently. ",
	"The dummy text includes varied sentence structures and lengths to mimic real AI responses. ",
	"Feel free to customize the dummy text or add more samples as needed for your testing scenarios. ",
}

const translatedText = "This is a translated version of your text. The translation maintains the original meaning while adapting to the target language naturally. "

const summaryText = "Here is a concise summary of the key points: The main concepts are presented clearly, important details are highlighted, and the overall message is preserved in a more compact form. "

const defaultText = "This is a stream of dummy text for testing purposes. It simulates the streaming behavior of an LLM provider without making actual API calls. Each chunk is delivered with a small delay to mimic real-world streaming. You can customize this text or use your own dummy content for development and testing."

// Config holds configuration for the mock backend.
type Config struct {
	Enabled    bool
	ChunkDelay time.Duration // default 200ms; negative disables the delay
	ChunkWords int           // default 5
	// Text overrides the canned text selection when non-empty.
	Text string
}

// Backend streams canned text in fixed-size word groups.
type Backend struct {
	enabled    bool
	delay      time.Duration
	chunkWords int
	text       string
}

// New creates a mock backend.
func New(cfg Config) *Backend {
	delay := cfg.ChunkDelay
	if delay == 0 {
		delay = 200 * time.Millisecond
	}
	if delay < 0 {
		delay = 0
	}
	words := cfg.ChunkWords
	if words <= 0 {
		words = 5
	}
	return &Backend{enabled: cfg.Enabled, delay: delay, chunkWords: words, text: cfg.Text}
}

func (b *Backend) Name() string { return Name }

// Available reports whether the stand-in was enabled by configuration.
func (b *Backend) Available(ctx context.Context) bool { return b.enabled }

func (b *Backend) EstimateTokens(text string) int { return backend.EstimateTokens(text) }

// Stream emits each chunk after the configured delay, then a final empty chunk with finish
// reason stop.
func (b *Backend) Stream(ctx context.Context, req backend.Request) (<-chan backend.StreamEvent, error) {
	if !b.enabled {
		return nil, errors.New("mock: backend disabled; set use_mock_backend=true")
	}
	req = req.WithDefaults()
	chunks := b.chunkText(b.cannedText(req))

	ch := make(chan backend.StreamEvent)
	go func() {
		defer close(ch)
		for _, text := range chunks {
			if !b.wait(ctx) {
				return
			}
			if !backend.Send(ctx, ch, backend.StreamEvent{Chunk: &backend.Chunk{
				Text:   text,
				Tokens: backend.EstimateTokens(text),
			}}) {
				return
			}
		}
		backend.Send(ctx, ch, backend.StreamEvent{Chunk: &backend.Chunk{FinishReason: backend.FinishStop}})
	}()
	return ch, nil
}

func (b *Backend) wait(ctx context.Context) bool {
	if b.delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(b.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (b *Backend) cannedText(req backend.Request) string {
	if b.text != "" {
		return b.text
	}
	prompt := strings.ToLower(req.Prompt)
	switch {
	case strings.Contains(prompt, "improve") || strings.Contains(prompt, "enhance"):
		return strings.Join(improvedSamples, "")
	case strings.Contains(prompt, "translate"):
		return translatedText
	case strings.Contains(prompt, "summarize"):
		return summaryText
	}
	estimated := backend.EstimateTokens(defaultText)
	if estimated < req.MaxTokens {
		reps := (req.MaxTokens + estimated - 1) / estimated
		if reps > 3 {
			reps = 3
		}
		return strings.Repeat(defaultText, reps)
	}
	return defaultText
}

// chunkText groups words by chunkWords; each chunk keeps a trailing space.
func (b *Backend) chunkText(text string) []string {
	words := strings.Split(text, " ")
	var chunks []string
	for i := 0; i < len(words); i += b.chunkWords {
		end := i + b.chunkWords
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.Join(words[i:end], " ")
		if strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk+" ")
		}
	}
	return chunks
}
