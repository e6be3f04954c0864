package llm

import "testing"

func TestExtractToolCalls_FunctionTag(t *testing.T) {
	text := `<function=get_weather><parameter=city>nyc</parameter><parameter=unit>"f"</parameter></function>`
	calls := ExtractToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "get_weather" {
		t.Errorf("unexpected name: %q", calls[0].Name)
	}
	if calls[0].Arguments["city"] != "nyc" {
		t.Errorf("unexpected city arg: %v", calls[0].Arguments["city"])
	}
	if calls[0].Arguments["unit"] != "f" {
		t.Errorf("unexpected unit arg: %v", calls[0].Arguments["unit"])
	}
}

func TestExtractToolCalls_ExecuteWrapper(t *testing.T) {
	text := `<function=execute><name=search_web</name><parameter=string>{"query":"go proxies"}</parameter></function>`
	calls := ExtractToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "search_web" {
		t.Errorf("unexpected name: %q", calls[0].Name)
	}
	if calls[0].Arguments["query"] != "go proxies" {
		t.Errorf("unexpected query arg: %v", calls[0].Arguments["query"])
	}
}

func TestExtractToolCalls_ToolCode(t *testing.T) {
	text := "<tool_code>get_weather(city='nyc', unit=\"f\")</tool_code>"
	calls := ExtractToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments["city"] != "nyc" || calls[0].Arguments["unit"] != "f" {
		t.Errorf("unexpected args: %+v", calls[0].Arguments)
	}
}

func TestExtractToolCalls_FencedJSON(t *testing.T) {
	text := "```json\n{\"tool_name\": \"get_weather\", \"parameters\": {\"city\": \"nyc\"}}\n```"
	calls := ExtractToolCalls(text)
	if len(calls) != 1 || calls[0].Name != "get_weather" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	if calls[0].Arguments["city"] != "nyc" {
		t.Errorf("unexpected args: %+v", calls[0].Arguments)
	}
}

func TestExtractToolCalls_BareArray(t *testing.T) {
	text := `Sure, here: [{"name": "get_weather", "arguments": {"city": "nyc"}}]`
	calls := ExtractToolCalls(text)
	if len(calls) != 1 || calls[0].Name != "get_weather" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestExtractToolCalls_NoMatch(t *testing.T) {
	calls := ExtractToolCalls("just a normal sentence with no tool call in it")
	if calls != nil {
		t.Errorf("expected nil, got %+v", calls)
	}
}

func TestExtractToolCalls_DottedNameNormalized(t *testing.T) {
	text := `<function=namespace.tools.get_weather></function>`
	calls := ExtractToolCalls(text)
	if len(calls) != 1 || calls[0].Name != "get_weather" {
		t.Fatalf("expected dotted name normalized, got %+v", calls)
	}
}
