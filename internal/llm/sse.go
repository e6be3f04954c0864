package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/halvorsen/msgbridge/internal/config"
)

// frameKind tags the upstream input shapes — SSE data lines, a done
// sentinel, a plain JSON envelope, an inline error envelope, or an
// HTTP-level error — as one tagged enum rather than separate code
// paths.
type frameKind int

const (
	frameData frameKind = iota
	frameDone
	frameJSONEnvelope
	frameErrorEnvelope
	frameHTTPError
)

// upstreamFrame is one decoded unit of upstream input, produced by
// classifyCallOutcome and consumed by the single driver loop in
// RunSSEStateMachine.
type upstreamFrame struct {
	Kind    frameKind
	Payload json.RawMessage // frameData, frameJSONEnvelope
	Status  int             // frameHTTPError, frameErrorEnvelope
	RawBody string          // frameHTTPError, frameErrorEnvelope

	// Classified carries the BridgeError for every frameHTTPError, so the
	// driver can both set the outer HTTP status and surface the error's
	// own message without re-classifying. A frameErrorEnvelope has it set
	// only when it came from a call error; one built from an upstream
	// status or body leaves it nil.
	Classified *BridgeError
}

// StreamOptions carries the per-stream knobs the HTTP layer resolves
// from configuration and the inbound request: the optional inter-event
// pacing delay for terminal-UI clients, and the idle read timeout on
// the upstream body.
type StreamOptions struct {
	Pacing      time.Duration
	IdleTimeout time.Duration
}

// eventWriter drives the http.ResponseWriter half of the state machine:
// it serializes one event as "data: <json>\n\n" and flushes after
// every write.
type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	pacing  time.Duration
	logger  *slog.Logger
}

func (e *eventWriter) writeEvent(v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.logger.Log(context.Background(), config.LevelTrace, "sse event", "json", string(encoded))
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", encoded); err != nil {
		return err
	}
	e.flusher.Flush()
	if e.pacing > 0 {
		time.Sleep(e.pacing)
	}
	return nil
}

func (e *eventWriter) writeDone() {
	fmt.Fprint(e.w, "data: [DONE]\n\n")
	e.flusher.Flush()
}

// sseEvent is the generic Anthropic SSE frame shape: "type" plus
// whichever of the optional fields that event carries.
type sseEvent struct {
	Type         string          `json:"type"`
	Index        *int            `json:"index,omitempty"`
	Message      any             `json:"message,omitempty"`
	ContentBlock *ContentPart    `json:"content_block,omitempty"`
	Delta        any             `json:"delta,omitempty"`
	Usage        *AnthropicUsage `json:"usage,omitempty"`
}

// messageStartPayload is the message envelope embedded in message_start.
// It mirrors AnthropicResponse but serializes stop_reason and
// stop_sequence as explicit nulls, which the event contract requires
// before the stream has produced a stop condition.
type messageStartPayload struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentPart  `json:"content"`
	Model        string         `json:"model"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        AnthropicUsage `json:"usage"`
}

type textDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type inputJSONDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

type messageDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// openBlock tracks one content block's bracketing state while it is
// open, so the driver can close it correctly on either the next block's
// arrival or at stream end.
type openBlock struct {
	index  int
	isTool bool
}

// streamState carries everything the driver loop mutates across frames:
// open blocks, the next free sequential index for text blocks, whether
// any tool block ever opened (determines the final stop_reason), and
// the running output-token estimate.
type streamState struct {
	ew            *eventWriter
	nextTextIndex int
	openText      *openBlock
	openTools     map[int]*openBlock
	usedIndices   map[int]bool
	// lastAnonToolIndex remembers the index allocated to the most recent
	// tool call that arrived without an upstream index, so its later
	// argument fragments (which carry neither index, id, nor name) keep
	// feeding the same block.
	lastAnonToolIndex *int
	sawToolUse        bool
	outputTokens      int
}

func newStreamState(ew *eventWriter) *streamState {
	return &streamState{
		ew:          ew,
		openTools:   map[int]*openBlock{},
		usedIndices: map[int]bool{},
	}
}

// RunSSEStateMachine drives the full Anthropic event emission contract
// for one upstream response: message_start, zero or more bracketed
// content blocks fed from result's body (or a short-path rewrite for a
// rate-limit/error condition), message_delta, message_stop, [DONE].
//
// The call outcome is classified before any bytes go out, so an error
// condition known up front carries its real outer HTTP status (429 with
// the retry headers for a rate limit, the classified status otherwise)
// while the body is still a complete, well-formed event stream. Only a
// condition discovered mid-stream is locked into the already-written
// 200.
//
// w must support http.Flusher. result.Body, if non-nil, is closed
// before this function returns in every case — the state machine
// exclusively owns it for its lifetime.
func RunSSEStateMachine(ctx context.Context, w http.ResponseWriter, requestModel string, inputTokenEstimate int, result *CallResult, callErr error, opts StreamOptions, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	defer closeFrameBody(result)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	frame := classifyCallOutcome(result, callErr)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	switch frame.Kind {
	case frameErrorEnvelope:
		for k, v := range RateLimitHeaders() {
			w.Header().Set(k, v)
		}
		w.WriteHeader(http.StatusTooManyRequests)
	case frameHTTPError:
		w.WriteHeader(frame.Classified.HTTPStatus)
	}

	ew := &eventWriter{w: w, flusher: flusher, pacing: opts.Pacing, logger: logger}
	state := newStreamState(ew)

	messageID := newMessageID()
	emitMessageStart(ew, messageID, requestModel, inputTokenEstimate)

	switch frame.Kind {
	case frameErrorEnvelope:
		runRateLimitShortPath(state)

	case frameHTTPError:
		runHTTPErrorShortPath(state, frame)

	case frameJSONEnvelope:
		runAggregationShortPath(state, frame, requestModel)

	default:
		if result != nil && result.Body != nil {
			runStreamingPath(ctx, state, result.Body, opts.IdleTimeout, logger)
		}
	}

	closeAllOpenBlocks(state)
	emitMessageDelta(state)
	emitMessageStop(ew)
	ew.writeDone()
}

func closeFrameBody(result *CallResult) {
	if result != nil && result.Body != nil {
		result.Body.Close()
	}
}

// classifyCallOutcome turns the adapter's raw result (or error) into the
// tagged upstreamFrame the rest of the driver switches on. This is the
// single point where "network error", "non-2xx status", "rate-limit
// status", and "plain JSON body" are distinguished.
func classifyCallOutcome(result *CallResult, callErr error) upstreamFrame {
	if callErr != nil {
		be := AsBridgeError(callErr)
		if be.Kind == KindRateLimit {
			return upstreamFrame{Kind: frameErrorEnvelope, Status: be.HTTPStatus, RawBody: be.Message, Classified: be}
		}
		return upstreamFrame{Kind: frameHTTPError, Status: be.HTTPStatus, RawBody: be.Message, Classified: be}
	}
	if result == nil {
		be := ClassifyUpstreamError(0, "")
		return upstreamFrame{Kind: frameHTTPError, Status: be.HTTPStatus, RawBody: be.Message, Classified: be}
	}

	if result.StatusCode == 429 || result.StatusCode == 449 {
		body, _ := io.ReadAll(io.LimitReader(result.Body, 4096))
		return upstreamFrame{Kind: frameErrorEnvelope, Status: result.StatusCode, RawBody: string(body)}
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(result.Body, 4096))
		if IsRateLimitSignature(result.StatusCode, string(body)) {
			return upstreamFrame{Kind: frameErrorEnvelope, Status: result.StatusCode, RawBody: string(body)}
		}
		be := ClassifyUpstreamError(result.StatusCode, string(body))
		return upstreamFrame{Kind: frameHTTPError, Status: result.StatusCode, RawBody: string(body), Classified: be}
	}

	contentType := result.Header.Get("Content-Type")
	reader := bufio.NewReaderSize(result.Body, 64*1024)
	peek, _ := reader.Peek(512)

	if strings.Contains(contentType, "application/json") || looksLikeJSONObject(peek) {
		body, _ := io.ReadAll(reader)
		if IsRateLimitSignature(result.StatusCode, string(body)) {
			return upstreamFrame{Kind: frameErrorEnvelope, Status: result.StatusCode, RawBody: string(body)}
		}
		return upstreamFrame{Kind: frameJSONEnvelope, Payload: json.RawMessage(body)}
	}

	// True SSE: hand the caller a reader that still has the peeked bytes
	// available, since Peek does not consume them. The original closer is
	// kept so closeFrameBody still releases the upstream connection.
	result.Body = struct {
		io.Reader
		io.Closer
	}{reader, result.Body}
	return upstreamFrame{Kind: frameData}
}

func looksLikeJSONObject(peek []byte) bool {
	trimmed := bytes.TrimSpace(peek)
	return bytes.HasPrefix(trimmed, []byte("{\"choices\"")) || bytes.HasPrefix(trimmed, []byte("{ \"choices\""))
}

func emitMessageStart(ew *eventWriter, id, model string, inputTokens int) {
	ew.writeEvent(sseEvent{
		Type: "message_start",
		Message: &messageStartPayload{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Content: []ContentPart{},
			Model:   model,
			Usage:   AnthropicUsage{InputTokens: inputTokens, OutputTokens: 0},
		},
	})
}

func emitMessageDelta(state *streamState) {
	stopReason := "end_turn"
	if state.sawToolUse {
		stopReason = "tool_use"
	}
	outputTokens := state.outputTokens
	if outputTokens < 1 {
		outputTokens = 1
	}
	state.ew.writeEvent(sseEvent{
		Type:  "message_delta",
		Delta: messageDelta{StopReason: stopReason},
		Usage: &AnthropicUsage{OutputTokens: outputTokens},
	})
}

func emitMessageStop(ew *eventWriter) {
	ew.writeEvent(sseEvent{Type: "message_stop"})
}

// runRateLimitShortPath is the rate-limit short path: open a text
// block at index 0, emit the canonical message, close it. The outer 429
// status and retry headers were already written by the driver; this
// function only emits the body.
func runRateLimitShortPath(state *streamState) {
	openTextBlock(state, 0)
	emitTextDelta(state, rateLimitMessage)
}

// runHTTPErrorShortPath handles a non-rate-limit upstream failure
// (network error, timeout, 5xx, auth failure): it surfaces the actual
// classified error message as a terminal text block rather than the
// rate-limit template. The stream still closes with correct
// bracketing; the failure is visible as one terminal text block.
func runHTTPErrorShortPath(state *streamState, frame upstreamFrame) {
	openTextBlock(state, 0)
	emitTextDelta(state, frame.Classified.Message)
}

// runAggregationShortPath treats a plain JSON response as a complete
// non-streaming reply, translates it like the JSON response path, then
// synthesizes the
// content-block event sequence in order.
func runAggregationShortPath(state *streamState, frame upstreamFrame, requestModel string) {
	var resp OpenAIResponse
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		openTextBlock(state, 0)
		emitTextDelta(state, "failed to parse upstream response")
		return
	}

	translated, err := TranslateResponse(&resp, requestModel)
	if err != nil {
		be := AsBridgeError(err)
		openTextBlock(state, 0)
		emitTextDelta(state, be.Message)
		return
	}

	if translated.StopReason == "tool_use" {
		state.sawToolUse = true
	}
	state.outputTokens = translated.Usage.OutputTokens

	for _, part := range translated.Content {
		switch part.Type {
		case "text":
			if part.Text == "" {
				continue
			}
			idx := openTextBlock(state, state.nextTextIndex)
			emitTextDelta(state, part.Text)
			closeBlock(state, idx)
		case "tool_use":
			idx := state.nextTextIndex
			openToolBlock(state, idx, part.ID, part.Name)
			argsJSON, _ := json.Marshal(part.Input)
			emitToolArgumentFragment(state, idx, string(argsJSON))
			closeBlock(state, idx)
		}
	}
}

// runStreamingPath is the true-SSE path: iterate data: lines, parsing
// each as an OpenAIResponse-shaped delta frame and translating deltas
// into Anthropic content-block events as they arrive.
func runStreamingPath(ctx context.Context, state *streamState, body io.ReadCloser, idleTimeout time.Duration, logger *slog.Logger) {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	reader := newIdleTimeoutReader(ctx, body, idleTimeout)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()
		data, hasPrefix := strings.CutPrefix(line, "data: ")
		data = strings.TrimSpace(data)
		if !hasPrefix {
			// Some upstreams answer an in-band rate-limit error as one
			// bare JSON line with no SSE framing at all.
			if data != "" && isInlineRateLimitEnvelope(data) {
				emitInlineRateLimit(state)
				return
			}
			continue
		}
		if data == "[DONE]" {
			return
		}
		if data == "" {
			continue
		}

		if isInlineRateLimitEnvelope(data) {
			emitInlineRateLimit(state)
			return
		}

		var resp OpenAIResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			logger.Debug("discarding malformed SSE payload", "error", err)
			continue
		}
		if len(resp.Choices) == 0 {
			continue
		}

		for _, choice := range resp.Choices {
			body := choice.Delta
			if body == nil {
				body = choice.Message
			}
			if body == nil {
				continue
			}
			applyDeltaBody(state, body)
		}
	}
}

// isInlineRateLimitEnvelope reports whether data is an in-band error
// object of the {"status":..., "msg"/"message":...} shape carrying a
// rate-limit signature. These arrive both as data: payloads mid-stream
// and as bare unframed lines.
func isInlineRateLimitEnvelope(data string) bool {
	var frame struct {
		Status  any    `json:"status"`
		Msg     string `json:"msg"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(data), &frame); err != nil || frame.Status == nil {
		return false
	}
	text := frame.Msg
	if text == "" {
		text = frame.Message
	}
	if text == "" {
		return false
	}
	return IsRateLimitSignature(0, text)
}

// emitInlineRateLimit switches an already-started stream into the
// rate-limit short path: close whatever is open, emit the canonical
// notice as its own text block, close it.
func emitInlineRateLimit(state *streamState) {
	closeAllOpenBlocks(state)
	idx := openTextBlock(state, state.nextTextIndex)
	emitTextDelta(state, rateLimitMessage)
	closeBlock(state, idx)
}

// applyDeltaBody handles one choice's delta (or message, treated as a
// single whole-content delta) for text, tool_calls, and the legacy
// function_call shape.
func applyDeltaBody(state *streamState, body *OpenAIChoiceBody) {
	if len(body.ToolCalls) > 0 {
		for _, tc := range body.ToolCalls {
			applyToolCallDelta(state, tc)
		}
		return
	}

	if body.FunctionCall != nil {
		applyToolCallDelta(state, OpenAIToolCall{Function: *body.FunctionCall})
		return
	}

	text := ""
	if body.Content != nil {
		text = *body.Content
	}
	if text == "" {
		text = body.ReasoningContent
	}
	if text == "" {
		return
	}

	if state.openText == nil {
		openTextBlock(state, state.nextTextIndex)
	}
	emitTextDelta(state, text)
}

// applyToolCallDelta handles one tool_calls (or legacy function_call)
// delta fragment. Tool-call indices are preserved verbatim when the
// upstream supplies one; otherwise a fresh sequential index is
// allocated.
func applyToolCallDelta(state *streamState, tc OpenAIToolCall) {
	index := allocateToolIndex(state, tc)

	if state.openText != nil {
		closeBlock(state, state.openText.index)
	}

	if _, exists := state.openTools[index]; !exists {
		id := tc.ID
		if id == "" {
			id = newStreamToolID()
		}
		openToolBlock(state, index, id, tc.Function.Name)
	}

	if tc.Function.Arguments != "" {
		emitToolArgumentFragment(state, index, tc.Function.Arguments)
	}
}

// allocateToolIndex returns the upstream-provided tool index verbatim
// when present; upstream indices may be non-contiguous.
// Without one, a fragment that carries neither id nor name is a
// continuation of the most recent index-less call; anything else starts
// a fresh call at the lowest unused index.
func allocateToolIndex(state *streamState, tc OpenAIToolCall) int {
	if tc.Index != nil {
		return *tc.Index
	}
	if state.lastAnonToolIndex != nil && tc.ID == "" && tc.Function.Name == "" {
		return *state.lastAnonToolIndex
	}
	idx := 0
	for state.usedIndices[idx] {
		idx++
	}
	state.lastAnonToolIndex = &idx
	return idx
}

func openTextBlock(state *streamState, index int) int {
	if state.openText != nil && state.openText.index == index {
		return index
	}
	if state.openText != nil {
		closeBlock(state, state.openText.index)
	}
	block := &openBlock{index: index}
	state.openText = block
	state.usedIndices[index] = true
	if index >= state.nextTextIndex {
		state.nextTextIndex = index + 1
	}
	state.ew.writeEvent(sseEvent{
		Type:         "content_block_start",
		Index:        intPtr(index),
		ContentBlock: &ContentPart{Type: "text", Text: ""},
	})
	return index
}

func openToolBlock(state *streamState, index int, id, name string) *openBlock {
	block := &openBlock{index: index, isTool: true}
	state.openTools[index] = block
	state.usedIndices[index] = true
	state.sawToolUse = true
	if index >= state.nextTextIndex {
		state.nextTextIndex = index + 1
	}
	state.ew.writeEvent(sseEvent{
		Type:  "content_block_start",
		Index: intPtr(index),
		ContentBlock: &ContentPart{
			Type:  "tool_use",
			ID:    id,
			Name:  name,
			Input: map[string]any{},
		},
	})
	return block
}

func emitTextDelta(state *streamState, text string) {
	if text == "" {
		return
	}
	state.outputTokens += estimateTokens(text)
	idx := 0
	if state.openText != nil {
		idx = state.openText.index
	}
	state.ew.writeEvent(sseEvent{
		Type:  "content_block_delta",
		Index: intPtr(idx),
		Delta: textDelta{Type: "text_delta", Text: text},
	})
}

func emitToolArgumentFragment(state *streamState, index int, fragment string) {
	if fragment == "" {
		return
	}
	state.outputTokens += estimateTokens(fragment)
	state.ew.writeEvent(sseEvent{
		Type:  "content_block_delta",
		Index: intPtr(index),
		Delta: inputJSONDelta{Type: "input_json_delta", PartialJSON: fragment},
	})
}

func closeBlock(state *streamState, index int) {
	if state.openText != nil && state.openText.index == index {
		state.openText = nil
		state.ew.writeEvent(sseEvent{Type: "content_block_stop", Index: intPtr(index)})
		return
	}
	if _, ok := state.openTools[index]; ok {
		delete(state.openTools, index)
		state.ew.writeEvent(sseEvent{Type: "content_block_stop", Index: intPtr(index)})
	}
}

// closeAllOpenBlocks closes every block still open when the upstream
// finishes (or errors), so the emitted stream is always syntactically
// closed.
func closeAllOpenBlocks(state *streamState) {
	if state.openText != nil {
		idx := state.openText.index
		state.openText = nil
		state.ew.writeEvent(sseEvent{Type: "content_block_stop", Index: intPtr(idx)})
	}
	for idx := range state.openTools {
		delete(state.openTools, idx)
		state.ew.writeEvent(sseEvent{Type: "content_block_stop", Index: intPtr(idx)})
	}
}

// estimateTokens is the same char/4 heuristic the count_tokens endpoint
// uses, applied here only to keep the running output_tokens
// estimate for message_delta.usage roughly proportional to emitted text.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		return 1
	}
	return n
}

func intPtr(i int) *int { return &i }
