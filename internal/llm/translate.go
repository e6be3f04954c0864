package llm

import (
	"encoding/json"
	"fmt"
)

// ValidationError signals a malformed Anthropic request envelope:
// missing messages, a non-array messages field, or an item lacking
// role/content. The HTTP layer maps this to 422.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConversionError signals that an internal mapping step failed on
// malformed substructure. The HTTP layer maps this to 400.
type ConversionError struct {
	Message string
}

func (e *ConversionError) Error() string { return e.Message }

// ModelMapper resolves an Anthropic model name to the name the upstream
// expects. config.Config.ModelFor satisfies this.
type ModelMapper func(anthropicModel string) string

// TranslateRequest converts an inbound Anthropic request envelope into
// an outbound OpenAI-compatible envelope. It validates the
// minimal required shape first and returns *ValidationError on failure.
func TranslateRequest(req *AnthropicRequest, mapModel ModelMapper) (*OpenAIRequest, error) {
	if req.Messages == nil {
		return nil, &ValidationError{Message: "messages is required"}
	}

	out := &OpenAIRequest{
		Model:       mapModel(req.Model),
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		ToolChoice:  req.ToolChoice,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
	}

	if req.System != "" {
		out.Messages = append(out.Messages, OpenAIMessage{
			Role:    "system",
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		converted, err := translateMessage(msg)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	if len(req.Tools) > 0 {
		out.Tools = make([]OpenAITool, 0, len(req.Tools))
		for _, t := range req.Tools {
			out.Tools = append(out.Tools, OpenAITool{
				Type: "function",
				Function: OpenAIToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			})
		}
	}

	return out, nil
}

// translateMessage converts one Anthropic message item into zero or
// more upstream messages (a tool_result content list produces exactly
// one "tool"-role message; other shapes produce exactly one message).
func translateMessage(msg AnthropicMessage) ([]OpenAIMessage, error) {
	if msg.Role == "" {
		return nil, &ValidationError{Message: "message role is required"}
	}
	role := msg.Role
	if role != "assistant" {
		role = "user"
	}

	switch content := msg.Content.(type) {
	case string:
		return []OpenAIMessage{{Role: role, Content: content}}, nil

	case nil:
		return nil, &ValidationError{Message: "message content is required"}

	case []any:
		parts, err := parseContentParts(content)
		if err != nil {
			return nil, err
		}
		return translateContentParts(role, parts)

	default:
		return nil, &ValidationError{Message: fmt.Sprintf("message %q has unrecognized content shape", msg.Role)}
	}
}

// parseContentParts normalizes the raw []any decoded from JSON into the
// typed ContentPart sum type, round-tripping through JSON to reuse the
// struct tags rather than hand-walking map[string]any.
func parseContentParts(raw []any) ([]ContentPart, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, &ConversionError{Message: "re-encode content parts: " + err.Error()}
	}
	var parts []ContentPart
	if err := json.Unmarshal(encoded, &parts); err != nil {
		return nil, &ConversionError{Message: "decode content parts: " + err.Error()}
	}
	return parts, nil
}

// translateContentParts applies the role-specific content-list rules:
// assistant tool_use lists become tool_calls messages, user tool_result
// lists become tool-role messages, and text-only lists concatenate.
func translateContentParts(role string, parts []ContentPart) ([]OpenAIMessage, error) {
	hasToolUse := false
	hasToolResult := false
	for _, p := range parts {
		switch p.Type {
		case "tool_use":
			hasToolUse = true
		case "tool_result":
			hasToolResult = true
		}
	}

	switch {
	case role == "assistant" && hasToolUse:
		return []OpenAIMessage{translateAssistantToolUse(parts)}, nil

	case role == "user" && hasToolResult:
		return []OpenAIMessage{translateUserToolResult(parts)}, nil

	default:
		var text string
		for _, p := range parts {
			if p.Type == "text" {
				text += p.Text
			}
		}
		return []OpenAIMessage{{Role: role, Content: text}}, nil
	}
}

// translateAssistantToolUse concatenates all text parts into
// Content (nil if empty) and converts each tool_use part into an
// OpenAIToolCall, preserving source order.
func translateAssistantToolUse(parts []ContentPart) OpenAIMessage {
	var text string
	var calls []OpenAIToolCall

	for _, p := range parts {
		switch p.Type {
		case "text":
			text += p.Text
		case "tool_use":
			args, _ := json.Marshal(p.Input)
			id := p.ID
			if id == "" {
				id = newStreamToolID()
			}
			calls = append(calls, OpenAIToolCall{
				ID:   id,
				Type: "function",
				Function: OpenAIToolCallFunc{
					Name:      p.Name,
					Arguments: string(args),
				},
			})
		}
	}

	msg := OpenAIMessage{Role: "assistant", ToolCalls: calls}
	if text != "" {
		msg.Content = text
	}
	return msg
}

// translateUserToolResult converts a tool_result content list into a
// single "tool"-role message. If leading text parts precede the
// tool_result and no content has been set yet, the first text part
// becomes the content.
func translateUserToolResult(parts []ContentPart) OpenAIMessage {
	msg := OpenAIMessage{Role: "tool"}

	for _, p := range parts {
		switch p.Type {
		case "text":
			if msg.Content == nil {
				msg.Content = p.Text
			}
		case "tool_result":
			msg.ToolCallID = p.ToolUseID
			msg.Content = stringifyToolResultContent(p.Content)
		}
	}

	return msg
}

// stringifyToolResultContent renders a tool_result's content payload as
// a string for the upstream "tool" message: objects/lists are compact-
// JSON-encoded with non-ASCII preserved, everything else is stringified
// directly.
func stringifyToolResultContent(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// TranslateResponse converts a complete, non-streaming upstream response
// into an Anthropic response envelope. requestModel is the model name
// from the original Anthropic request; it always overrides whatever
// model name the upstream reported.
func TranslateResponse(resp *OpenAIResponse, requestModel string) (*AnthropicResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, &BridgeError{Kind: KindAPIError, HTTPStatus: 502, Message: "upstream response has no choices"}
	}

	choice := resp.Choices[0]
	body := choice.Message
	if body == nil {
		body = &OpenAIChoiceBody{}
	}

	out := &AnthropicResponse{
		ID:   normalizeResponseID(resp.ID),
		Type: "message",
		Role: "assistant",
		Usage: AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	if len(body.ToolCalls) > 0 {
		for _, tc := range body.ToolCalls {
			var args map[string]any
			if tc.Function.Arguments != "" {
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			}
			if args == nil {
				args = map[string]any{}
			}
			out.Content = append(out.Content, ContentPart{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: args,
			})
		}
		out.StopReason = "tool_use"
	} else {
		text := ""
		if body.Content != nil {
			text = *body.Content
		}
		if text == "" {
			text = body.ReasoningContent
		}

		if text != "" {
			if calls := ExtractToolCalls(text); len(calls) > 0 {
				for _, c := range calls {
					out.Content = append(out.Content, ContentPart{
						Type:  "tool_use",
						ID:    newToolUseID(),
						Name:  c.Name,
						Input: c.Arguments,
					})
				}
				out.StopReason = "tool_use"
			} else {
				out.Content = append(out.Content, ContentPart{Type: "text", Text: text})
			}
		}
	}

	if out.StopReason == "" {
		out.StopReason = mapFinishReason(choice.FinishReason)
	}

	if len(out.Content) == 0 {
		out.Content = append(out.Content, ContentPart{Type: "text", Text: ""})
	}

	out.Model = requestModel
	return out, nil
}

// mapFinishReason maps the upstream finish_reason onto the Anthropic
// stop_reason vocabulary.
func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}
