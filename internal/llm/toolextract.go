package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// The five text-embedded tool-call dialects, each a compiled pattern.
// The extractor is a first-match-wins cascade; dialects are never mixed.
var (
	// Dialect 1: <function=NAME>...<parameter=K>V</parameter>...</function>
	reFunctionTag  = regexp.MustCompile(`(?s)<function=([\w.]+)>(.*?)</function>`)
	reParameterTag = regexp.MustCompile(`(?s)<parameter=([\w.]+)>(.*?)</parameter>`)

	// Dialect 2: <function=execute><name=NAME</name><parameter=string>{...}</parameter></function>
	reExecuteWrapper = regexp.MustCompile(`(?s)<function=execute>.*?<name=([\w.]+)</name>.*?<parameter=string>(.*?)</parameter>.*?</function>`)

	// Dialect 3: <tool_code>NAME(k='v', k="v", ...)</tool_code>
	reToolCode    = regexp.MustCompile(`(?s)<tool_code>\s*([\w.]+)\((.*?)\)\s*</tool_code>`)
	reKeyValueArg = regexp.MustCompile(`(\w+)\s*=\s*(?:'([^']*)'|"([^"]*)")`)

	// Dialect 4: ```json { "tool_name": NAME, "parameters": {...} } ```
	reFencedToolJSON = regexp.MustCompile("(?s)```json\\s*(\\{.*?\"tool_name\".*?\\})\\s*```")

	// Dialect 5: bare [{"name":NAME,"arguments":{...}}]
	reBareToolArray = regexp.MustCompile(`(?s)\[\s*\{\s*"name"\s*:\s*"[\w.]+"\s*,\s*"arguments"\s*:.*?\}\s*\]`)
)

// ExtractToolCalls recognizes the five tagged-text dialects, trying
// dialect 2 first and then 1, 3, 4 and 5, and returns their parsed tool
// calls. It returns the first dialect's
// matches that yields any result; nothing matching returns nil and the
// caller treats the text as a plain text part.
func ExtractToolCalls(text string) []ToolCallResult {
	if calls := extractExecuteWrapper(text); len(calls) > 0 {
		return calls
	}
	if calls := extractFunctionTag(text); len(calls) > 0 {
		return calls
	}
	if calls := extractToolCode(text); len(calls) > 0 {
		return calls
	}
	if calls := extractFencedToolJSON(text); len(calls) > 0 {
		return calls
	}
	if calls := extractBareToolArray(text); len(calls) > 0 {
		return calls
	}
	return nil
}

// normalizeToolName strips any dotted prefix: "x.y.z" -> "z".
func normalizeToolName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// extractExecuteWrapper handles dialect 2, checked before dialect 1
// since both open with "<function=" and the execute wrapper is a more
// specific match.
func extractExecuteWrapper(text string) []ToolCallResult {
	m := reExecuteWrapper.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	name := normalizeToolName(strings.TrimSpace(m[1]))
	var args map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(m[2])), &args); err != nil || args == nil {
		args = map[string]any{}
	}
	return []ToolCallResult{{Name: name, Arguments: args}}
}

// extractFunctionTag handles dialect 1: per-parameter text values,
// JSON-parsed where possible, raw string otherwise.
func extractFunctionTag(text string) []ToolCallResult {
	m := reFunctionTag.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	name := normalizeToolName(strings.TrimSpace(m[1]))
	body := m[2]

	args := map[string]any{}
	for _, pm := range reParameterTag.FindAllStringSubmatch(body, -1) {
		key := pm[1]
		raw := strings.TrimSpace(pm[2])
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			args[key] = parsed
		} else {
			args[key] = raw
		}
	}
	return []ToolCallResult{{Name: name, Arguments: args}}
}

// extractToolCode handles dialect 3: a shallow key='v'/key="v" parse of
// the call's argument list.
func extractToolCode(text string) []ToolCallResult {
	m := reToolCode.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	name := normalizeToolName(strings.TrimSpace(m[1]))
	args := map[string]any{}
	for _, am := range reKeyValueArg.FindAllStringSubmatch(m[2], -1) {
		val := am[2]
		if val == "" {
			val = am[3]
		}
		args[am[1]] = val
	}
	return []ToolCallResult{{Name: name, Arguments: args}}
}

// extractFencedToolJSON handles dialect 4: a fenced ```json block
// carrying {"tool_name":..., "parameters":{...}}.
func extractFencedToolJSON(text string) []ToolCallResult {
	m := reFencedToolJSON.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	var parsed struct {
		ToolName   string         `json:"tool_name"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.Unmarshal([]byte(m[1]), &parsed); err != nil || parsed.ToolName == "" {
		return nil
	}
	args := parsed.Parameters
	if args == nil {
		args = map[string]any{}
	}
	return []ToolCallResult{{Name: normalizeToolName(parsed.ToolName), Arguments: args}}
}

// extractBareToolArray handles dialect 5: a bare JSON array of
// {"name":..., "arguments":{...}} entries.
func extractBareToolArray(text string) []ToolCallResult {
	m := reBareToolArray.FindString(text)
	if m == "" {
		return nil
	}
	var entries []struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(m), &entries); err != nil {
		return nil
	}
	var calls []ToolCallResult
	for _, e := range entries {
		args := e.Arguments
		if args == nil {
			args = map[string]any{}
		}
		calls = append(calls, ToolCallResult{Name: normalizeToolName(e.Name), Arguments: args})
	}
	return calls
}
