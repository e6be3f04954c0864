package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/halvorsen/msgbridge/internal/config"
	"github.com/halvorsen/msgbridge/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServer(t *testing.T, upstreamURL string) *Server {
	t.Helper()
	cfg := &config.Config{
		Listen:   config.ListenConfig{Address: "127.0.0.1", Port: 0},
		Upstream: config.UpstreamConfig{BaseURL: upstreamURL, APIKey: "test-key", MaxRetries: 0, Timeout: 5},
		Coalesce: config.CoalesceConfig{TTLSeconds: 300},
		Pacing:   config.PacingConfig{},
	}
	return NewServer(cfg, testLogger())
}

func TestHandleHealth(t *testing.T) {
	s := testServer(t, "http://unused")

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected status healthy, got %v", body["status"])
	}
}

func TestHandleCountTokens(t *testing.T) {
	s := testServer(t, "http://unused")

	req := llm.AnthropicRequest{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []llm.AnthropicMessage{
			{Role: "user", Content: "this is a twenty char string"},
		},
	}
	body, _ := json.Marshal(req)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleCountTokens(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["input_tokens"] <= 0 {
		t.Errorf("expected positive input_tokens, got %d", resp["input_tokens"])
	}
}

func TestHandleCountTokens_InvalidBody(t *testing.T) {
	s := testServer(t, "http://unused")

	r := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	s.handleCountTokens(w, r)

	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleMessages_NonStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(llm.OpenAIResponse{
			ID: "chatcmpl-abc123",
			Choices: []llm.OpenAIChoice{
				{
					Index:        0,
					FinishReason: "stop",
					Message: &llm.OpenAIChoiceBody{
						Role:    "assistant",
						Content: strPtr("Hello there!"),
					},
				},
			},
			Usage: llm.OpenAIUsage{PromptTokens: 10, CompletionTokens: 5},
		})
	}))
	defer upstream.Close()

	s := testServer(t, upstream.URL)

	req := llm.AnthropicRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 100,
		Messages:  []llm.AnthropicMessage{{Role: "user", Content: "hi"}},
	}
	body, _ := json.Marshal(req)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleMessages(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp llm.AnthropicResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Type != "message" || resp.Role != "assistant" {
		t.Errorf("unexpected envelope: %+v", resp)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "Hello there!" {
		t.Errorf("unexpected content: %+v", resp.Content)
	}
	if resp.Model != req.Model {
		t.Errorf("expected model to be overridden to request model %q, got %q", req.Model, resp.Model)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("expected end_turn, got %q", resp.StopReason)
	}
}

func TestHandleMessages_Coalesced(t *testing.T) {
	var upstreamCalls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(llm.OpenAIResponse{
			ID: "chatcmpl-abc123",
			Choices: []llm.OpenAIChoice{
				{Index: 0, FinishReason: "stop", Message: &llm.OpenAIChoiceBody{Role: "assistant", Content: strPtr("hi")}},
			},
		})
	}))
	defer upstream.Close()

	s := testServer(t, upstream.URL)

	req := llm.AnthropicRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 100,
		Messages:  []llm.AnthropicMessage{{Role: "user", Content: "repeat this"}},
	}
	body, _ := json.Marshal(req)

	for i := 0; i < 2; i++ {
		r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
		w := httptest.NewRecorder()
		s.handleMessages(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i, w.Code)
		}
	}

	if upstreamCalls != 1 {
		t.Errorf("expected upstream to be called once due to coalescing, got %d calls", upstreamCalls)
	}
}

func TestHandleMessages_UpstreamRateLimited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		w.Write([]byte(`{"error":"rate limit exceeded"}`))
	}))
	defer upstream.Close()

	s := testServer(t, upstream.URL)

	req := llm.AnthropicRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 100,
		Messages:  []llm.AnthropicMessage{{Role: "user", Content: "hi"}},
	}
	body, _ := json.Marshal(req)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleMessages(w, r)

	if w.Code != 429 {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}
	var errResp llm.AnthropicError
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.Error.Type != llm.KindRateLimit {
		t.Errorf("expected rate_limit_error, got %q", errResp.Error.Type)
	}
	if w.Header().Get("retry-after") == "" {
		t.Error("expected retry-after header on 429")
	}
}

func TestHandleMessages_StreamingUpstreamRateLimited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		w.Write([]byte(`{"error":"rate limit exceeded"}`))
	}))
	defer upstream.Close()

	s := testServer(t, upstream.URL)

	req := llm.AnthropicRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 100,
		Stream:    true,
		Messages:  []llm.AnthropicMessage{{Role: "user", Content: "hi"}},
	}
	body, _ := json.Marshal(req)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleMessages(w, r)

	// The condition is known before any bytes go out, so the outer status
	// is the real 429 while the body is still a complete event stream.
	if w.Code != 429 {
		t.Fatalf("expected 429 for streaming rate-limit short path, got %d", w.Code)
	}
	if w.Header().Get("retry-after") != "60" {
		t.Errorf("expected retry-after: 60, got %q", w.Header().Get("retry-after"))
	}
	out := w.Body.String()
	if !bytes.Contains([]byte(out), []byte("message_start")) {
		t.Errorf("expected message_start in stream, got: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("rate limit")) {
		t.Errorf("expected rate-limit message inline in stream, got: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("[DONE]")) {
		t.Errorf("expected [DONE] sentinel, got: %s", out)
	}
}

func TestHandleMessages_InvalidRequestBody(t *testing.T) {
	s := testServer(t, "http://unused")

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	s.handleMessages(w, r)

	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleMessages_MissingMessages(t *testing.T) {
	s := testServer(t, "http://unused")

	body, _ := json.Marshal(map[string]any{"model": "claude-3-5-sonnet-20241022", "max_tokens": 100})

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleMessages(w, r)

	if w.Code != 422 {
		t.Fatalf("expected 422 for missing messages, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleMessages_MissingMessages_Streaming(t *testing.T) {
	s := testServer(t, "http://unused")

	body, _ := json.Marshal(map[string]any{"model": "claude-3-5-sonnet-20241022", "max_tokens": 100, "stream": true})

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleMessages(w, r)

	// The SSE client still gets a fully formed stream carrying the
	// validation error, under the real 422 status.
	if w.Code != 422 {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	out := w.Body.String()
	if !bytes.Contains([]byte(out), []byte("message_start")) {
		t.Errorf("expected message_start in error stream, got: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("[DONE]")) {
		t.Errorf("expected [DONE] sentinel in error stream, got: %s", out)
	}
}

func TestHandleMessages_StreamingSSE(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		chunk := llm.OpenAIResponse{
			Choices: []llm.OpenAIChoice{
				{Delta: &llm.OpenAIChoiceBody{Role: "assistant", Content: strPtr("Hi")}},
			},
		}
		encoded, _ := json.Marshal(chunk)
		w.Write([]byte("data: " + string(encoded) + "\n\n"))
		flusher.Flush()

		stop := llm.OpenAIResponse{
			Choices: []llm.OpenAIChoice{{FinishReason: "stop", Delta: &llm.OpenAIChoiceBody{}}},
		}
		encoded, _ = json.Marshal(stop)
		w.Write([]byte("data: " + string(encoded) + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	s := testServer(t, upstream.URL)

	req := llm.AnthropicRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 100,
		Stream:    true,
		Messages:  []llm.AnthropicMessage{{Role: "user", Content: "hi"}},
	}
	body, _ := json.Marshal(req)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleMessages(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	out := w.Body.String()
	if !bytes.Contains([]byte(out), []byte("message_start")) {
		t.Errorf("expected message_start event in stream, got: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("message_stop")) {
		t.Errorf("expected message_stop event in stream, got: %s", out)
	}
}

func strPtr(s string) *string { return &s }
