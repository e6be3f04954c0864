package llm

import (
	"strings"

	"github.com/google/uuid"
)

// newUUID returns a fresh random UUID string, the source of entropy for
// every synthesized id in this package.
func newUUID() string {
	return uuid.New().String()
}

// newHex24 returns a 24-character lowercase hex string derived from a
// fresh UUID, used as the random suffix for synthesized message and
// tool-use ids. A UUIDv4's 32 hex characters give more than enough
// entropy; we keep the first 24 to match the wire format's documented
// shape.
func newHex24() string {
	id := newUUID()
	hex := strings.ReplaceAll(id, "-", "")
	if len(hex) > 24 {
		hex = hex[:24]
	}
	return hex
}

// newMessageID synthesizes a response id in the msg_<24-hex> shape.
func newMessageID() string {
	return "msg_" + newHex24()
}

// newToolUseID synthesizes a tool_use id in the toolu_<24-hex> shape,
// used when the upstream's text-embedded tool call carries no id of its
// own.
func newToolUseID() string {
	return "toolu_" + newHex24()
}

// newStreamToolID synthesizes a streaming tool-call id in the
// tool_<24-hex> shape, used when a streamed tool_calls delta arrives
// with no upstream-provided id.
func newStreamToolID() string {
	return "tool_" + newHex24()
}

// normalizeResponseID applies the upstream id prefix rule from the
// Message Translator: empty or the literal "chat-" synthesizes a fresh
// id; any other "chat-X" form is prefix-normalized to "msg_X"; anything
// else passes through unchanged.
func normalizeResponseID(upstreamID string) string {
	switch {
	case upstreamID == "", upstreamID == "chat-":
		return newMessageID()
	case strings.HasPrefix(upstreamID, "chat-"):
		return "msg_" + strings.TrimPrefix(upstreamID, "chat-")
	default:
		return upstreamID
	}
}
