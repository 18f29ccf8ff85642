package anthropic

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
const Name = "claude"

var _ backend.Backend = (*Backend)(nil)

// Backend streams completions from the Anthropic Messages API (Claude).
type Backend struct {
	apiKey     string
	baseURL    string
	model      string
	version    string
	httpClient *http.Client
	logger     *log.Logger
}

// Config holds configuration for the Anthropic backend.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.anthropic.com
	Model          string // optional, defaults to claude-3-5-sonnet-20241022
	Version        string // optional, defaults to 2023-06-01
	RequestTimeout time.Duration
	Logger         *log.Logger
}

// New creates an Anthropic backend.
func New(cfg Config) *Backend {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = "2023-06-01"
	}


	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Backend{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    baseURL,
		model:      mapModelName(cfg.Model),
		version:    version,
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
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	b.setHeaders(req)
	if err := backend.Probe(ctx, b.httpClient, req); err != nil {
		b.logger.Printf("[WARN] claude: backend unavailable: %v", err)
		return false
	}
	return true
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model         string    `json:"model"`
	Messages      []message `json:"messages"`
	System        string    `json:"system,omitempty"`
	MaxTokens     int       `json:"max_tokens"`
	Temperature   float64   `json:"temperature"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream"`
}

// streamEvent is the subset of the Messages streaming schema the backend consumes.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream sends a streaming Messages request and relays text deltas.
func (b *Backend) Stream(ctx context.Context, req backend.Request) (<-chan backend.StreamEvent, error) {
	if b.apiKey == "" {
		return nil, fmt.Errorf("claude: %w", backend.ErrNotConfigured)
	}
	req = req.WithDefaults()

	body, err := json.Marshal(messagesRequest{
		Model:         b.model,
		Messages:      []message{{Role: "user", Content: req.Prompt}},
		System:        req.SystemPrompt,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		StopSequences: req.Stop,
		Stream:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("claude: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("claude: create request: %w", err)
	}
	b.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("claude: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, backend.StatusError("claude", resp)
	}

	ch := make(chan backend.StreamEvent, 10)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		var streamErr error
		err := backend.ReadSSE(ctx, resp.Body, func(msg backend.SSEMessage) bool {
			if msg.Data == "{}" {
				return true
			}
			var evt streamEvent
			if err := json.Unmarshal([]byte(msg.Data), &evt); err != nil {
				streamErr = fmt.Errorf("claude: parse stream: %w", err)
				return false
			}
			switch evt.Type {
			case "content_block_delta":
				if evt.Delta.Type != "text_delta" || evt.Delta.Text == "" {
					return true
				}
				return backend.Send(ctx, ch, backend.StreamEvent{Chunk: &backend.Chunk{
					Text:   evt.Delta.Text,
					Tokens: backend.EstimateTokens(evt.Delta.Text),
				}})
			case "message_delta":
				if evt.Delta.StopReason == "" {
					return true
				}
				return backend.Send(ctx, ch, backend.StreamEvent{Chunk: &backend.Chunk{
					FinishReason: mapStopReason(evt.Delta.StopReason),
				}})
			case "message_stop":
				return false
			case "error":
				streamErr = fmt.Errorf("claude: %s (type=%s)", evt.Error.Message, evt.Error.Type)
				return false
			}
			return true
		})
		if streamErr != nil {
			backend.Send(ctx, ch, backend.StreamEvent{Err: streamErr})
			return
		}
		if err != nil && ctx.Err() == nil {
			backend.Send(ctx, ch, backend.StreamEvent{Err: fmt.Errorf("claude: read stream: %w", err)})
		}
	}()
	return ch, nil
}

func (b *Backend) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", b.apiKey)
	req.Header.Set("anthropic-version", b.version)
}

func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return backend.FinishLength
	default:
		return backend.FinishStop
	}
}

// mapModelName expands short aliases to dated model identifiers.
func mapModelName(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	switch model {
	case "", "claude", "claude-sonnet", "claude-3-sonnet":
		return "claude-3-5-sonnet-20241022"
	case "claude-haiku", "claude-3-haiku":
		return "claude-3-5-haiku-20241022"
	case "claude-3", "claude-opus":
		return "claude-3-opus-20240229"
	}
	return model
}
