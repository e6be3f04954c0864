// Package llm implements the bidirectional translation between the
// Anthropic Messages wire dialect and an OpenAI-compatible Chat
// Completions upstream, the SSE state machine that fabricates a valid
// Anthropic event stream from any upstream response shape, the
// text-embedded tool-call extractor, the rate-limit-aware upstream
// adapter, the request coalescer, and the error classifier.
package llm

// AnthropicRequest is the inbound request envelope at POST /v1/messages.
type AnthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	Messages      []AnthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    any                `json:"tool_choice,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

// AnthropicMessage is one item of the request's messages array. Content
// arrives as either a bare string or a list of typed content blocks; the
// translator normalizes the list shape through parseContentParts.
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is the sum-type variant produced by parseContentParts: a text
// part, an assistant-origin tool_use part, or a user-origin tool_result
// part. Exactly one of the Text/ToolUse/ToolResult-shaped fields is
// meaningful, selected by Type.
type ContentPart struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result"

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
}

// AnthropicTool is one entry of the request's tools array.
type AnthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

// AnthropicResponse is the non-streaming response envelope returned from
// POST /v1/messages. message_start carries messageStartPayload instead,
// which serializes the stop fields as explicit nulls.
type AnthropicResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentPart  `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        AnthropicUsage `json:"usage"`
}

// AnthropicUsage carries token accounting, provider-neutral on the wire.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicError is the error envelope returned on non-streaming failure
// paths. A streaming request's error is rendered as a text block inside
// the SSE stream instead.
type AnthropicError struct {
	Type  string              `json:"type"` // always "error"
	Error AnthropicErrorInner `json:"error"`
}

// AnthropicErrorInner carries the classified error kind and message.
type AnthropicErrorInner struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// OpenAIRequest is the outbound request envelope sent to
// {base_url}/chat/completions.
type OpenAIRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Messages    []OpenAIMessage `json:"messages"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
	ToolChoice  any             `json:"tool_choice,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// OpenAIMessage is one item of the upstream request's messages array.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"` // string or nil
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// OpenAIToolCall is one assistant-origin function call.
type OpenAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"` // "function"
	Function OpenAIToolCallFunc `json:"function"`
}

// OpenAIToolCallFunc carries the function name and JSON-stringified
// arguments (or, in streaming deltas, an opaque argument fragment).
type OpenAIToolCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// OpenAITool is one entry of the upstream request's tools array.
type OpenAITool struct {
	Type     string             `json:"type"` // "function"
	Function OpenAIToolFunction `json:"function"`
}

// OpenAIToolFunction is the function definition nested under OpenAITool.
type OpenAIToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"`
}

// OpenAIResponse is the non-streaming upstream response shape.
type OpenAIResponse struct {
	ID      string         `json:"id"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
}

// OpenAIChoice is one entry of the response's choices array. Non-streaming
// responses populate Message; streaming frames populate Delta.
type OpenAIChoice struct {
	Index        int               `json:"index"`
	Message      *OpenAIChoiceBody `json:"message,omitempty"`
	Delta        *OpenAIChoiceBody `json:"delta,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
}

// OpenAIChoiceBody is the shared shape of Message and Delta: a role, text
// content (or its reasoning_content fallback), and any tool calls.
type OpenAIChoiceBody struct {
	Role             string              `json:"role,omitempty"`
	Content          *string             `json:"content,omitempty"`
	ReasoningContent string              `json:"reasoning_content,omitempty"`
	ToolCalls        []OpenAIToolCall    `json:"tool_calls,omitempty"`
	FunctionCall     *OpenAIToolCallFunc `json:"function_call,omitempty"`
}

// OpenAIUsage is the upstream's token accounting.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ToolCallResult is the internal representation of one recovered or
// upstream-declared tool call, independent of wire shape.
type ToolCallResult struct {
	ID        string
	Name      string
	Arguments map[string]any
}
