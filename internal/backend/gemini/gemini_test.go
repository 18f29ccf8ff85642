package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/tokligence/enhance-gateway/internal/backend"
	"github.com/tokligence/enhance-gateway/internal/testutil"
)

func TestStream(t *testing.T) {
	var gotBody generateRequest
	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-test:streamGenerateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" || r.URL.Query().Get("key") != "gk" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		testutil.WriteSSE(w,
			`{"candidates":[{"content":{"parts":[{"text":"Short "}]}}]}`,
			`{"candidates":[{"content":{"parts":[{"text":"summary"}]},"finishReason":"STOP"}]}`,
		)
	}))
	defer srv.Close()

	b := New(Config{APIKey: "gk", BaseURL: srv.URL, Model: "models/gemini-test"})
	ch, err := b.Stream(context.Background(), backend.Request{Prompt: "user", SystemPrompt: "system"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var chunks []backend.Chunk
	for ev := range ch {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		chunks = append(chunks, *ev.Chunk)
	}
	if len(chunks) != 2 || chunks[0].Text != "Short " || chunks[1].FinishReason != backend.FinishStop {
		t.Fatalf("chunks = %+v", chunks)
	}
	got := gotBody.Contents[0].Parts[0].Text
	if got != "system\n\nuser" {
		t.Fatalf("prompt = %q, want system prompt prepended", got)
	}
	if gotBody.GenerationConfig.MaxOutputTokens != backend.DefaultMaxTokens {
		t.Fatalf("generation config = %+v", gotBody.GenerationConfig)
	}
}

func TestStreamHTTPError(t *testing.T) {
	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`))
	}))
	defer srv.Close()

	_, err := New(Config{APIKey: "bad", BaseURL: srv.URL}).Stream(context.Background(), backend.Request{Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "API key not valid") || !strings.Contains(err.Error(), "INVALID_ARGUMENT") {
		t.Fatalf("err = %v", err)
	}
}

func TestMapFinishReason(t *testing.T) {
	cases := map[string]string{
		"":           "",
		"STOP":       backend.FinishStop,
		"MAX_TOKENS": backend.FinishLength,
		"SAFETY":     backend.FinishContentFilter,
	}
	for in, want := range cases {
		if got := mapFinishReason(in); got != want {
			t.Errorf("mapFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAvailable(t *testing.T) {
	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models" {
			t.Errorf("probe path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()
	if !New(Config{APIKey: "gk", BaseURL: srv.URL}).Available(context.Background()) {
		t.Fatal("expected available")
	}
}
