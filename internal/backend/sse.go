package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSEMessage is one upstream server-sent event.
type SSEMessage struct {
	Event string
	Data  string
}

// ReadSSE scans an upstream event stream and calls fn for every data line. Returning false from
// fn stops reading. Keep-alive comments and the "[DONE]" sentinel are skipped.
func ReadSSE(ctx context.Context, body io.Reader, fn func(SSEMessage) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	event := ""
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}
			if !fn(SSEMessage{Event: event, Data: data}) {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// StatusError decodes a non-2xx upstream response into an error prefixed with name. It understands
// the {"error":{"message":...}} envelope shared by the supported APIs.
func StatusError(name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		kind := envelope.Error.Type
		if kind == "" {
			kind = envelope.Error.Status
		}
		if kind != "" {
			return fmt.Errorf("%s: %s (type=%s, http %d)", name, envelope.Error.Message, kind, resp.StatusCode)
		}
		return fmt.Errorf("%s: %s (http %d)", name, envelope.Error.Message, resp.StatusCode)
	}
	return fmt.Errorf("%s: http %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
}

// Probe issues a GET and reports whether it returned 2xx.
func Probe(ctx context.Context, client *http.Client, req *http.Request) error {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe %s: http %d", req.URL.Path, resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
