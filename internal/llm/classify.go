package llm

import (
	"fmt"
	"strings"
)

// Error kind constants. The taxonomy is a closed set: every failure in
// the proxy is classified into exactly one of these.
const (
	KindInvalidRequest  = "invalid_request_error"
	KindAuthentication  = "authentication_error"
	KindRateLimit       = "rate_limit_error"
	KindAPIError        = "api_error"
	KindConversionError = "conversion_error"
	KindStreamingError  = "streaming_error"
	KindServerError     = "server_error"
)

// BridgeError is the typed error carried across the Translator, Adapter,
// and SSE State Machine boundaries. It always knows its Anthropic error
// kind and outer HTTP status, so any component that catches one can
// render the Anthropic error envelope without re-classifying.
type BridgeError struct {
	Kind       string
	HTTPStatus int
	Message    string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Envelope renders the error as the Anthropic wire envelope
// {"type":"error","error":{"type":<kind>,"message":<string>}}.
func (e *BridgeError) Envelope() AnthropicError {
	return AnthropicError{
		Type: "error",
		Error: AnthropicErrorInner{
			Type:    e.Kind,
			Message: e.Message,
		},
	}
}

// rateLimitMarkers are the text-level rate-limit signatures upstreams
// embed in otherwise-arbitrary error bodies. Matching is
// case-insensitive substring search, applied to the raw upstream body.
var rateLimitMarkers = []string{
	"TPM",
	"RPM",
	"rate limit",
	"too many requests",
	"rate_limit_exceeded",
	"quota exceeded",
}

// IsRateLimitSignature reports whether status or body indicates a
// rate-limit condition: status 429 or 449, or any recognized text
// marker in body. 449 is always treated as a rate-limit condition and
// is never surfaced to the client as-is: the downstream client treats
// 449 as unknown, whereas 429 drives its retry policy correctly.
func IsRateLimitSignature(status int, body string) bool {
	if status == 429 || status == 449 {
		return true
	}
	lower := strings.ToLower(body)
	for _, m := range rateLimitMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// rateLimitMessage is the single canonical rate-limit message returned
// regardless of the upstream's own wording.
const rateLimitMessage = "Upstream rate limit reached. Please retry after a short delay."

// ClassifyUpstreamError maps an observed upstream condition onto a
// BridgeError. status is the upstream HTTP status (0 if the failure
// was a network error rather than a response); body is the upstream's
// raw response body, used only for rate-limit marker detection.
func ClassifyUpstreamError(status int, body string) *BridgeError {
	switch {
	case status == 0:
		return &BridgeError{Kind: KindAPIError, HTTPStatus: 502, Message: "upstream request failed"}

	case IsRateLimitSignature(status, body):
		return &BridgeError{Kind: KindRateLimit, HTTPStatus: 429, Message: rateLimitMessage}

	case status == 401 || status == 403:
		return &BridgeError{Kind: KindAuthentication, HTTPStatus: status, Message: "upstream rejected the request credentials"}

	case status >= 500:
		return &BridgeError{Kind: KindAPIError, HTTPStatus: 502, Message: "upstream server error"}

	default:
		return &BridgeError{Kind: KindAPIError, HTTPStatus: 502, Message: fmt.Sprintf("unexpected upstream status %d", status)}
	}
}

// ClassifyTimeout returns the BridgeError for a request that timed out
// waiting on the upstream.
func ClassifyTimeout() *BridgeError {
	return &BridgeError{Kind: KindAPIError, HTTPStatus: 504, Message: "timed out waiting for upstream response"}
}

// NewValidationBridgeError wraps a request-validation failure as the
// 400/422 condition. httpStatus lets callers
// distinguish the 422 raised directly by the Translator from the 400
// raised by the top-level request validator.
func NewValidationBridgeError(httpStatus int, message string) *BridgeError {
	return &BridgeError{Kind: KindInvalidRequest, HTTPStatus: httpStatus, Message: message}
}

// NewConversionBridgeError wraps an internal mapping failure as the
// conversion_error/400 condition.
func NewConversionBridgeError(message string) *BridgeError {
	return &BridgeError{Kind: KindConversionError, HTTPStatus: 400, Message: message}
}

// NewServerBridgeError wraps any other unhandled failure as the
// server_error/500 condition, the catch-all for anything the other
// kinds don't cover.
func NewServerBridgeError(message string) *BridgeError {
	return &BridgeError{Kind: KindServerError, HTTPStatus: 500, Message: message}
}

// AsBridgeError unwraps err into a *BridgeError, translating the
// Translator's own error types and falling back to a server_error for
// anything unrecognized. This is the single point where the HTTP layer
// converts an arbitrary Go error into the Anthropic error taxonomy.
func AsBridgeError(err error) *BridgeError {
	switch e := err.(type) {
	case *BridgeError:
		return e
	case *ValidationError:
		return NewValidationBridgeError(422, e.Message)
	case *ConversionError:
		return NewConversionBridgeError(e.Message)
	default:
		return NewServerBridgeError(err.Error())
	}
}

// RateLimitHeaders returns the headers that accompany every 429
// response.
func RateLimitHeaders() map[string]string {
	return map[string]string{
		"retry-after":                            "60",
		"anthropic-ratelimit-requests-limit":     "60",
		"anthropic-ratelimit-requests-remaining": "0",
	}
}
