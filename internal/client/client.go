// Package client talks to the enhancement API: session creation, lookup, cancellation, usage,
// and reading a session's event stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tokligence/enhance-gateway/internal/enhance"
	"github.com/tokligence/enhance-gateway/internal/session"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls one enhancement API endpoint.
type Client struct {
	baseURL    *url.URL
	httpClient HTTPClient
	token      string
	userID     string
	logger     *log.Logger
}

// New constructs a client using the provided base URL. A nil httpClient gets a default one
// without a timeout so streams can stay open.
func New(baseURL string, httpClient HTTPClient) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("client: invalid base URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("client: base URL %q needs a scheme and host", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, logger: log.New(io.Discard, "", 0)}, nil
}

// SetToken authenticates requests with a bearer token.
func (c *Client) SetToken(token string) { c.token = strings.TrimSpace(token) }

// SetUserID sends X-User-ID, honoured by servers running with auth disabled.
func (c *Client) SetUserID(id string) { c.userID = strings.TrimSpace(id) }

// SetLogger configures request logging.
func (c *Client) SetLogger(logger *log.Logger) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	c.logger = logger
}

// EnhanceRequest is the body of POST /api/ai/enhance.
type EnhanceRequest struct {
	Text           string         `json:"text"`
	Action         session.Action `json:"action"`
	Backend        string         `json:"backend,omitempty"`
	Context        FieldContext   `json:"context"`
	IncludeContext []string       `json:"includeContext,omitempty"`
	CustomPrompt   string         `json:"customPrompt,omitempty"`
	Tone           string         `json:"tone,omitempty"`
}

// FieldContext locates the field being enhanced.
type FieldContext struct {
	FieldType string         `json:"fieldType"`
	EntityID  string         `json:"entityId,omitempty"`
	FieldID   string         `json:"fieldId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EnhanceResponse is returned when a session was created.
type EnhanceResponse struct {
	enhance.CreateResult
	RateLimit struct {
		Remaining int `json:"remaining"`
	} `json:"rateLimit"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("enhance API: status %d", e.StatusCode)
	}
	return fmt.Sprintf("enhance API: %s (status %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// errorResponse matches the standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// Enhance creates a session.
func (c *Client) Enhance(ctx context.Context, req EnhanceRequest) (EnhanceResponse, error) {
	var resp EnhanceResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/ai/enhance", req, &resp); err != nil {
		return EnhanceResponse{}, err
	}
	return resp, nil
}

// GetSession fetches a session snapshot.
func (c *Client) GetSession(ctx context.Context, id string) (session.Session, error) {
	var resp session.Session
	if err := c.doJSON(ctx, http.MethodGet, "/api/ai/session/"+url.PathEscape(id), nil, &resp); err != nil {
		return session.Session{}, err
	}
	return resp, nil
}

// CancelSession cancels a session.
func (c *Client) CancelSession(ctx context.Context, id string) (enhance.CancelResult, error) {
	var resp enhance.CancelResult
	if err := c.doJSON(ctx, http.MethodDelete, "/api/ai/session/"+url.PathEscape(id), nil, &resp); err != nil {
		return enhance.CancelResult{}, err
	}
	return resp, nil
}

// Usage fetches the caller's usage report.
func (c *Client) Usage(ctx context.Context) (enhance.UsageReport, error) {
	var resp enhance.UsageReport
	if err := c.doJSON(ctx, http.MethodGet, "/api/ai/usage", nil, &resp); err != nil {
		return enhance.UsageReport{}, err
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	rel, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	endpoint := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Printf("%s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload errorResponse
	if err := json.Unmarshal(data, &payload); err == nil {
		apiErr.Message = strings.TrimSpace(payload.Error)
	}
	return apiErr
}
