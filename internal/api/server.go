// Package api implements the proxy's HTTP surface: the core
// POST /v1/messages entry point plus the ambient endpoints
// (count_tokens, models, health) carried alongside it.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/halvorsen/msgbridge/internal/buildinfo"
	"github.com/halvorsen/msgbridge/internal/config"
	"github.com/halvorsen/msgbridge/internal/llm"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the proxy's HTTP API server.
type Server struct {
	cfg       *config.Config
	adapter   *llm.Adapter
	coalescer *llm.Coalescer
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new API server over the given configuration.
func NewServer(cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		adapter:   llm.NewAdapter(cfg, logger),
		coalescer: llm.NewCoalescer(time.Duration(cfg.Coalesce.TTLSeconds) * time.Second),
		logger:    logger,
	}
}

// Start begins serving HTTP requests. It blocks until the server stops
// (normally via Shutdown, in which case it returns http.ErrServerClosed).
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	go s.coalescer.Janitor(ctx, time.Minute)

	mux.HandleFunc("POST /v1/messages", s.handleMessages)
	mux.HandleFunc("POST /v1/messages/count_tokens", s.handleCountTokens)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Listen.Address, s.cfg.Listen.Port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(s.cfg.Upstream.Timeout+30) * time.Second,
	}

	addr := s.cfg.Listen.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Listen.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.RuntimeInfo()
	info["status"] = "healthy"
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, info, s.logger)
}

// handleCountTokens implements the out-of-core token-estimation
// endpoint: character count divided by four, applied to the
// concatenated text of every message.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req llm.AnthropicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, llm.NewValidationBridgeError(400, "invalid request body"))
		return
	}

	var totalChars int
	totalChars += len(req.System)
	for _, msg := range req.Messages {
		totalChars += contentCharCount(msg.Content)
	}

	estimate := totalChars / 4
	if estimate < 1 && totalChars > 0 {
		estimate = 1
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"input_tokens": estimate}, s.logger)
}

func contentCharCount(content any) int {
	switch v := content.(type) {
	case string:
		return len(v)
	case []any:
		total := 0
		for _, raw := range v {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				total += len(text)
			}
		}
		return total
	default:
		return 0
	}
}

// handleModels proxies GET /v1/models verbatim to {base_url}/models,
// with the configured credentials and no response translation.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	upstreamURL := strings.TrimSuffix(s.cfg.Upstream.BaseURL, "/chat/completions") + "/models"
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstreamURL, nil)
	if err != nil {
		s.writeError(w, r, llm.NewServerBridgeError("build models request: "+err.Error()))
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Upstream.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.writeError(w, r, llm.ClassifyUpstreamError(0, ""))
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleMessages is the core entry point: POST /v1/messages.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req llm.AnthropicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, llm.NewValidationBridgeError(400, "invalid JSON body"))
		return
	}

	upstreamReq, err := llm.TranslateRequest(&req, s.cfg.ModelFor)
	if err != nil {
		be := llm.AsBridgeError(err)
		if req.Stream {
			// An SSE client gets a fully formed stream carrying the error,
			// with the outer status still reflecting the real condition.
			llm.RunSSEStateMachine(r.Context(), w, req.Model, 0, nil, be, s.streamOptions(r), s.logger)
			return
		}
		s.writeError(w, r, be)
		return
	}

	if req.Stream {
		s.handleStreamingMessage(w, r, &req, upstreamReq)
		return
	}
	s.handleNonStreamingMessage(w, r, &req, upstreamReq)
}

// callUpstreamOnce performs the actual non-streaming upstream call and
// translation, independent of coalescing. It is the function shared by
// every duplicate request through Coalescer.Do.
func (s *Server) callUpstreamOnce(ctx context.Context, req *llm.AnthropicRequest, upstreamReq *llm.OpenAIRequest) ([]byte, error) {
	result, callErr := s.adapter.CallNonStreaming(ctx, upstreamReq)
	if callErr != nil {
		return nil, llm.AsBridgeError(callErr)
	}
	defer llm.DrainAndClose(result)

	if result.StatusCode < 200 || result.StatusCode >= 300 {
		body, _ := llm.ReadBody(result)
		return nil, llm.ClassifyUpstreamError(result.StatusCode, string(body))
	}

	body, err := llm.ReadBody(result)
	if err != nil {
		return nil, llm.NewServerBridgeError(err.Error())
	}

	var upstreamResp llm.OpenAIResponse
	if err := json.Unmarshal(body, &upstreamResp); err != nil {
		return nil, llm.NewConversionBridgeError("decode upstream response: " + err.Error())
	}

	translated, err := llm.TranslateResponse(&upstreamResp, req.Model)
	if err != nil {
		return nil, llm.AsBridgeError(err)
	}

	encoded, err := json.Marshal(translated)
	if err != nil {
		return nil, llm.NewServerBridgeError(err.Error())
	}
	return encoded, nil
}

// handleNonStreamingMessage routes the call through the Coalescer so
// that a duplicate request — whether it arrives while the first is
// still in flight or within the TTL afterward — shares the first
// call's result instead of invoking the upstream again.
func (s *Server) handleNonStreamingMessage(w http.ResponseWriter, r *http.Request, req *llm.AnthropicRequest, upstreamReq *llm.OpenAIRequest) {
	fingerprint, fpErr := llm.Fingerprint(req)

	run := func() ([]byte, error) { return s.callUpstreamOnce(r.Context(), req, upstreamReq) }

	var encoded []byte
	var err error
	if fpErr == nil {
		encoded, err, _ = s.coalescer.Do(fingerprint, run)
	} else {
		encoded, err = run()
	}

	if err != nil {
		s.writeError(w, r, llm.AsBridgeError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(encoded)
}

// handleStreamingMessage always emits a valid SSE stream. A rate-limit
// or upstream-error condition known before any bytes go out carries its
// real outer HTTP status (429 plus retry headers for a rate limit); the
// body is still a complete message_start / content_block / message_stop
// sequence either way.
func (s *Server) handleStreamingMessage(w http.ResponseWriter, r *http.Request, req *llm.AnthropicRequest, upstreamReq *llm.OpenAIRequest) {
	result, callErr := s.adapter.CallStreaming(r.Context(), upstreamReq)

	inputEstimate := 0
	for _, m := range req.Messages {
		inputEstimate += contentCharCount(m.Content) / 4
	}

	llm.RunSSEStateMachine(r.Context(), w, req.Model, inputEstimate, result, callErr, s.streamOptions(r), s.logger)
}

// streamOptions resolves the per-stream knobs: the configured idle read
// timeout on the upstream body, and the pacing delay when the client's
// User-Agent matches one of the known terminal-UI prefixes.
func (s *Server) streamOptions(r *http.Request) llm.StreamOptions {
	opts := llm.StreamOptions{
		IdleTimeout: time.Duration(s.cfg.Upstream.Timeout) * time.Second,
	}
	ua := r.Header.Get("User-Agent")
	for _, prefix := range s.cfg.Pacing.UserAgents {
		if strings.HasPrefix(ua, prefix) {
			opts.Pacing = time.Duration(s.cfg.Pacing.DelayMS) * time.Millisecond
			break
		}
	}
	return opts
}

// writeError renders a BridgeError as the Anthropic error envelope for
// a non-streaming response, with the retry headers attached on every
// 429. Streaming requests never reach here; their errors are
// rewritten as short-path SSE streams by RunSSEStateMachine.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, be *llm.BridgeError) {
	if be.Kind == llm.KindRateLimit {
		for k, v := range llm.RateLimitHeaders() {
			w.Header().Set(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(be.HTTPStatus)
	writeJSON(w, be.Envelope(), s.logger)
}
