package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/halvorsen/msgbridge/internal/config"
	"github.com/halvorsen/msgbridge/internal/httpkit"
)

// Adapter is the single outbound client to the OpenAI-compatible
// upstream, with connection reuse, streaming and non-streaming call
// modes, and rate-limit-aware retry/backoff. httpkit's
// transient-network-error retry transport is not enabled on its client.
type Adapter struct {
	baseURL    string
	apiKey     string
	maxRetries int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter builds an Adapter from a loaded configuration. The read
// timeout on the underlying transport is set from cfg.Upstream.Timeout,
// generous enough that an inactive-but-not-dead upstream does not
// prematurely close the client's view of a stream.
func NewAdapter(cfg *config.Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = time.Duration(cfg.Upstream.Timeout) * time.Second

	return &Adapter{
		baseURL:    cfg.Upstream.BaseURL,
		apiKey:     cfg.Upstream.APIKey,
		maxRetries: cfg.Upstream.MaxRetries,
		logger:     logger.With("component", "adapter"),
		httpClient: httpkit.NewClient(
			// No client-side timeout: streaming responses are long-lived.
			// The transport's ResponseHeaderTimeout bounds time-to-first-byte.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithLogger(logger),
		),
	}
}

// CallResult carries the raw upstream response for the caller (the SSE
// State Machine, or the non-streaming handler) to interpret.
type CallResult struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// CallNonStreaming sends req with Accept: application/json and returns
// the raw response, after exhausting rate-limit retry. The
// caller owns Body and must close it.
func (a *Adapter) CallNonStreaming(ctx context.Context, req *OpenAIRequest) (*CallResult, error) {
	return a.call(ctx, req, false)
}

// CallStreaming sends req with Accept: text/event-stream and returns the
// raw response for the SSE State Machine to drive. The caller owns Body
// and must close it.
func (a *Adapter) CallStreaming(ctx context.Context, req *OpenAIRequest) (*CallResult, error) {
	return a.call(ctx, req, true)
}

func (a *Adapter) call(ctx context.Context, req *OpenAIRequest, stream bool) (*CallResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, NewConversionBridgeError("marshal upstream request: " + err.Error())
	}

	a.logger.Log(ctx, config.LevelTrace, "upstream request", "json", string(payload))

	url := a.baseURL + "/chat/completions"

	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBackoff(attempt)
			a.logger.Warn("retrying after rate-limit signal", "attempt", attempt, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ClassifyTimeout()
			case <-timer.C:
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, NewServerBridgeError("build upstream request: " + err.Error())
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
		if stream {
			httpReq.Header.Set("Accept", "text/event-stream")
		} else {
			httpReq.Header.Set("Accept", "application/json")
		}

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ClassifyTimeout()
			}
			return nil, ClassifyUpstreamError(0, "")
		}

		if shouldRetry(resp) && attempt < a.maxRetries {
			httpkit.DrainAndClose(resp.Body, 4096)
			continue
		}

		// Either not a rate-limit signal, or retries are exhausted: return
		// the response (typically 429 on exhaustion) unchanged; the State
		// Machine rewrites it.
		return &CallResult{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
	}

	return nil, ClassifyUpstreamError(0, "")
}

// shouldRetry reports whether the response is a retryable rate-limit
// signal: status 429/449, or a body containing a recognized marker.
// The body is read and re-attached so the caller can still inspect it
// on the final (non-retried) attempt.
func shouldRetry(resp *http.Response) bool {
	if resp.StatusCode == 429 || resp.StatusCode == 449 {
		return true
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false
	}
	peek := make([]byte, 2048)
	n, _ := io.ReadFull(resp.Body, peek)
	peek = peek[:n]
	resp.Body = struct {
		io.Reader
		io.Closer
	}{
		Reader: io.MultiReader(bytes.NewReader(peek), resp.Body),
		Closer: resp.Body,
	}
	return IsRateLimitSignature(resp.StatusCode, string(peek))
}

// retryBackoff computes the k-th retry's sleep duration:
// min(2^(k-1) + U(0.1, 0.5), 30) seconds.
func retryBackoff(attempt int) time.Duration {
	base := math.Pow(2, float64(attempt-1))
	jitter := 0.1 + rand.Float64()*0.4
	seconds := math.Min(base+jitter, 30)
	return time.Duration(seconds * float64(time.Second))
}

// DrainAndClose releases the response body back to the connection pool.
func DrainAndClose(result *CallResult) {
	if result == nil || result.Body == nil {
		return
	}
	httpkit.DrainAndClose(result.Body, 4096)
}

// ReadBody fully reads and closes result.Body, for the non-streaming
// caller that needs the whole payload at once.
func ReadBody(result *CallResult) ([]byte, error) {
	defer result.Body.Close()
	body, err := io.ReadAll(io.LimitReader(result.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	return body, nil
}
