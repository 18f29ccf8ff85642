package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/enhance-gateway/internal/backend"
)

// Name is the configuration name of this backend.
const Name = "openai"

var _ backend.Backend = (*Backend)(nil)

// Backend streams completions from the OpenAI Chat Completions API.
type Backend struct {
	apiKey     string
	baseURL    string
	model      string
	org        string
	httpClient *http.Client
	logger     *log.Logger
}

// Config holds configuration for the OpenAI backend.
type Config struct {
	APIKey         string // empty registers the backend as unavailable
	BaseURL        string // optional, defaults to https://api.openai.com/v1
	Model          string // optional, defaults to gpt-4-turbo-preview
	Organization   string // optional
	RequestTimeout time.Duration
	Logger         *log.Logger
}

// New creates an OpenAI backend.
func New(cfg Config) *Backend {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4-turbo-preview"
	}


	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Backend{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    baseURL,
		model:      model,
		org:        cfg.Organization,
		httpClient: backend.NewHTTPClient(cfg.RequestTimeout),
		logger:     logger,
	}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) EstimateTokens(text string) int { return backend.EstimateTokens(text) }

// Available lists models to verify the key and connectivity.
func (b *Backend) Available(ctx context.Context) bool {
	if b.apiKey == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	b.setHeaders(req)
	if err := backend.Probe(ctx, b.httpClient, req); err != nil {
		b.logger.Printf("[WARN] openai: backend unavailable: %v", err)
		return false
	}
	return true
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream sends a streaming chat completion request and relays content deltas.
func (b *Backend) Stream(ctx context.Context, req backend.Request) (<-chan backend.StreamEvent, error) {
	if b.apiKey == "" {
		return nil, fmt.Errorf("openai: %w", backend.ErrNotConfigured)
	}
	req = req.WithDefaults()

	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       b.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	b.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, backend.StatusError("openai", resp)
	}

	ch := make(chan backend.StreamEvent, 10)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		var parseErr error
		err := backend.ReadSSE(ctx, resp.Body, func(msg backend.SSEMessage) bool {
			var chunk chatChunk
			if err := json.Unmarshal([]byte(msg.Data), &chunk); err != nil {
				parseErr = fmt.Errorf("openai: parse stream: %w", err)
				return false
			}
			if len(chunk.Choices) == 0 {
				return true
			}
			choice := chunk.Choices[0]
			finish := ""
			if choice.FinishReason != nil {
				finish = *choice.FinishReason
			}
			if choice.Delta.Content == "" && finish == "" {
				return true
			}
			return backend.Send(ctx, ch, backend.StreamEvent{Chunk: &backend.Chunk{
				Text:         choice.Delta.Content,
				Tokens:       backend.EstimateTokens(choice.Delta.Content),
				FinishReason: finish,
			}})
		})
		if parseErr != nil {
			backend.Send(ctx, ch, backend.StreamEvent{Err: parseErr})
			return
		}
		if err != nil && ctx.Err() == nil {
			backend.Send(ctx, ch, backend.StreamEvent{Err: fmt.Errorf("openai: read stream: %w", err)})
		}
	}()
	return ch, nil
}

func (b *Backend) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	if b.org != "" {
		req.Header.Set("OpenAI-Organization", b.org)
	}
}
