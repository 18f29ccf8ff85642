package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tokligence/enhance-gateway/internal/backend"
)

// Name is the configuration name of this backend.
const Name = "gemini"

var _ backend.Backend = (*Backend)(nil)

// Backend streams completions from the Google Gemini streamGenerateContent endpoint.
type Backend struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *log.Logger
}

// Config holds configuration for the Gemini backend.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://generativelanguage.googleapis.com
	Model          string // optional, defaults to gemini-2.0-flash-001
	RequestTimeout time.Duration
	Logger         *log.Logger
}

// New creates a Gemini backend.
func New(cfg Config) *Backend {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	model := strings.TrimPrefix(strings.TrimSpace(cfg.Model), "models/")
	if model == "" {
		model = "gemini-2.0-flash-001"
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second // Gemini may need more time for generation
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Backend{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: backend.NewHTTPClient(timeout),
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
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v1beta/models?key="+url.QueryEscape(b.apiKey), nil)
	if err != nil {
		return false
	}
	if err := backend.Probe(ctx, b.httpClient, req); err != nil {
		b.logger.Printf("[WARN] gemini: backend unavailable: %v", err)
		return false
	}
	return true
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64  `json:"temperature"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
}

// Stream sends a streamGenerateContent request. Gemini receives the system prompt prepended to
// the user prompt.
func (b *Backend) Stream(ctx context.Context, req backend.Request) (<-chan backend.StreamEvent, error) {
	if b.apiKey == "" {
		return nil, fmt.Errorf("gemini: %w", backend.ErrNotConfigured)
	}
	req = req.WithDefaults()

	prompt := req.Prompt
	if req.SystemPrompt != "" {
		prompt = req.SystemPrompt + "\n\n" + req.Prompt
	}
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", b.baseURL, b.model, url.QueryEscape(b.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: send stream request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, backend.StatusError("gemini", resp)
	}

	ch := make(chan backend.StreamEvent, 10)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		var parseErr error
		err := backend.ReadSSE(ctx, resp.Body, func(msg backend.SSEMessage) bool {
			var gr generateResponse
			if err := json.Unmarshal([]byte(msg.Data), &gr); err != nil {
				parseErr = fmt.Errorf("gemini: parse stream: %w", err)
				return false
			}
			if len(gr.Candidates) == 0 {
				return true
			}
			cand := gr.Candidates[0]
			var text strings.Builder
			for _, p := range cand.Content.Parts {
				text.WriteString(p.Text)
			}
			finish := mapFinishReason(cand.FinishReason)
			if text.Len() == 0 && finish == "" {
				return true
			}
			return backend.Send(ctx, ch, backend.StreamEvent{Chunk: &backend.Chunk{
				Text:         text.String(),
				Tokens:       backend.EstimateTokens(text.String()),
				FinishReason: finish,
			}})
		})
		if parseErr != nil {
			backend.Send(ctx, ch, backend.StreamEvent{Err: parseErr})
			return
		}
		if err != nil && ctx.Err() == nil {
			backend.Send(ctx, ch, backend.StreamEvent{Err: fmt.Errorf("gemini: read stream: %w", err)})
		}
	}()
	return ch, nil
}

func mapFinishReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "MAX_TOKENS":
		return backend.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return backend.FinishContentFilter
	default:
		return backend.FinishStop
	}
}
