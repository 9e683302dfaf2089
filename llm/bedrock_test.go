package llm

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/m4xw311/iabuilder/session"
)

func TestEncodeBedrockRequest(t *testing.T) {
	body, err := encodeBedrockRequest(Request{Messages: conversation(), Tools: sampleSpecs()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	v := gjson.ParseBytes(body)
	if v.Get("anthropic_version").String() != "bedrock-2023-05-31" || v.Get("max_tokens").Int() != defaultMaxTokens {
		t.Errorf("header fields = %s", v.Raw)
	}
	if v.Get("system").String() != "be brief" {
		t.Errorf("system = %q", v.Get("system").String())
	}
	if v.Get("messages.#").Int() != 3 {
		t.Fatalf("messages = %s", v.Get("messages").Raw)
	}
	if v.Get("messages.1.content.0.type").String() != "tool_use" || v.Get("messages.1.content.0.input.path").String() != "config.yaml" {
		t.Errorf("tool_use = %s", v.Get("messages.1").Raw)
	}
	if v.Get("messages.2.content.0.tool_use_id").String() != "call_1" {
		t.Errorf("tool_result = %s", v.Get("messages.2").Raw)
	}
	if v.Get("tools.0.input_schema.properties.path.type").String() != "string" {
		t.Errorf("tools = %s", v.Get("tools").Raw)
	}
}

func TestDecodeBedrockResponse(t *testing.T) {
	body := `{"content":[
		{"type":"text","text":"On it."},
		{"type":"tool_use","id":"toolu_1","name":"read_file","input":{"path":"config.yaml"}},
		{"name":"git_status","arguments":{}},
		{"type":"thinking","thinking":"ignored"}
	],"stop_reason":"tool_use","usage":{"input_tokens":50,"output_tokens":10}}`
	resp, err := decodeBedrockResponse([]byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Message.Content != "On it." || resp.Usage.Total() != 60 {
		t.Errorf("resp = %+v", resp)
	}
	calls := resp.Message.ToolCalls
	if len(calls) != 2 || calls[0].ID != "toolu_1" || calls[1].Name != "git_status" || calls[1].ID == "" {
		t.Fatalf("calls = %+v", calls)
	}

	// Round trip the tool_use block.
	reqBody, err := encodeBedrockRequest(Request{Messages: []session.Message{session.User("q"), resp.Message}, Tools: sampleSpecs()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	orig := gjson.Get(body, "content.1")
	back := gjson.GetBytes(reqBody, "messages.1.content.1")
	for _, f := range []string{"type", "id", "name"} {
		if orig.Get(f).String() != back.Get(f).String() {
			t.Errorf("%s: %q vs %q", f, orig.Get(f).String(), back.Get(f).String())
		}
	}
	if !jsonEqual(t, orig.Get("input").Raw, back.Get("input").Raw) {
		t.Errorf("input changed: %s", back.Get("input").Raw)
	}
}

func TestDecodeBedrockResponseMalformed(t *testing.T) {
	_, err := decodeBedrockResponse([]byte(`{"content":[{"type":"tool_use","id":"x","input":{}}]}`))
	if !IsKind(err, FailureMalformedToolCall) {
		t.Errorf("expected malformed tool call, got %v", err)
	}
	if _, err := decodeBedrockResponse([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid body")
	}
}

func TestEncodeBedrockRequestWithoutTools(t *testing.T) {
	body, err := encodeBedrockRequest(Request{Messages: conversation()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	v := gjson.ParseBytes(body)
	if strings.Contains(string(body), `"tool_use"`) || strings.Contains(string(body), `"tool_result"`) {
		t.Errorf("tool blocks sent without tools: %s", v.Get("messages").Raw)
	}
	if !strings.Contains(v.Get("messages.1.content.0.text").String(), "(tool used: read_file(") {
		t.Errorf("assistant = %s", v.Get("messages.1").Raw)
	}
	if !strings.Contains(v.Get("messages.2.content.0.text").String(), "[Result of read_file]") {
		t.Errorf("tool result = %s", v.Get("messages.2").Raw)
	}
}
