package llm

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/m4xw311/iabuilder/session"
)

func marshalOpenAI(t *testing.T, messages []session.Message, textToolResults bool) gjson.Result {
	t.Helper()
	b, err := json.Marshal(encodeOpenAIMessages(messages, textToolResults))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return gjson.ParseBytes(b)
}

func TestEncodeOpenAIMessages(t *testing.T) {
	wire := marshalOpenAI(t, conversation(), false)

	if n := len(wire.Array()); n != 5 {
		t.Fatalf("expected 5 wire messages, got %d: %s", n, wire.Raw)
	}
	roles := []string{"system", "user", "assistant", "tool", "user"}
	for i, r := range roles {
		if got := wire.Get(jsonIndex(i, "role")).String(); got != r {
			t.Errorf("message %d role = %q, want %q", i, got, r)
		}
	}
	if got := wire.Get("2.tool_calls.0.id").String(); got != "call_1" {
		t.Errorf("tool call id = %q", got)
	}
	if got := wire.Get("2.tool_calls.0.function.name").String(); got != "read_file" {
		t.Errorf("tool call name = %q", got)
	}
	if !jsonEqual(t, wire.Get("2.tool_calls.0.function.arguments").String(), `{"path":"config.yaml"}`) {
		t.Errorf("arguments = %s", wire.Get("2.tool_calls.0.function.arguments").Raw)
	}
	if got := wire.Get("3.tool_call_id").String(); got != "call_1" {
		t.Errorf("tool_call_id = %q", got)
	}
	// The corrective result answers no call, so it goes out as user text.
	if got := wire.Get("4.content").String(); got != "[Result of tool]:\ncould not parse your last tool call" {
		t.Errorf("corrective result = %q", got)
	}
}

func TestEncodeOpenAIMessagesTextShim(t *testing.T) {
	wire := marshalOpenAI(t, conversation(), true)
	if wire.Get("2.tool_calls").Exists() {
		t.Error("shimmed assistant must not carry structured tool calls")
	}
	if got := wire.Get("2.content").String(); got != `(tool used: read_file({"path":"config.yaml"}))` {
		t.Errorf("assistant shim = %q", got)
	}
	if got := wire.Get("3.role").String(); got != "user" {
		t.Errorf("shimmed result role = %q", got)
	}
}

func TestDecodeOpenAIMessageStructured(t *testing.T) {
	raw := `{"role":"assistant","content":null,"tool_calls":[
		{"id":"call_a","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"config.yaml\"}"}},
		{"id":"call_b","name":"git_status","arguments":{}}
	]}`
	msg, err := decodeOpenAIMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msg.ToolCalls) != 2 {
		t.Fatalf("calls = %+v", msg.ToolCalls)
	}
	if msg.ToolCalls[0].ID != "call_a" || msg.ToolCalls[0].Args["path"] != "config.yaml" {
		t.Errorf("first call = %+v", msg.ToolCalls[0])
	}
	if msg.ToolCalls[1].Name != "git_status" {
		t.Errorf("second call = %+v", msg.ToolCalls[1])
	}
}

func TestDecodeOpenAIMessageLegacyAndText(t *testing.T) {
	legacy := `{"role":"assistant","content":"","function_call":{"name":"git_log","arguments":"{}"}}`
	msg, err := decodeOpenAIMessage(legacy)
	if err != nil || len(msg.ToolCalls) != 1 || msg.ToolCalls[0].ID == "" {
		t.Fatalf("legacy decode = %+v, %v", msg, err)
	}

	text := `{"role":"assistant","content":"<function=read_file{\"path\": \"a.go\"}></function>"}`
	msg, err = decodeOpenAIMessage(text)
	if err != nil || len(msg.ToolCalls) != 1 || msg.Content != "" {
		t.Fatalf("text decode = %+v, %v", msg, err)
	}
}

func TestDecodeOpenAIMessageMalformed(t *testing.T) {
	bad := []string{
		`{"role":"assistant","tool_calls":[{"id":"x","type":"function","function":{"arguments":"{}"}}]}`,
		`{"role":"assistant","tool_calls":[{"id":"x","something":"else"}]}`,
		`{"role":"assistant","content":"<function=broken"}`,
	}
	for _, raw := range bad {
		if msg, err := decodeOpenAIMessage(raw); err == nil {
			t.Errorf("decode(%s) = %+v, want error", raw, msg)
		}
	}
}

// Decoding a wire message and encoding it again preserves the fields the
// neutral model represents.
func TestOpenAIRoundTrip(t *testing.T) {
	raw := `{"role":"assistant","content":"checking","tool_calls":[{"id":"call_z","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"go.mod\"}"}}]}`
	msg, err := decodeOpenAIMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	wire := marshalOpenAI(t, []session.Message{msg}, false).Get("0")
	orig := gjson.Parse(raw)
	for _, path := range []string{"role", "content", "tool_calls.0.id", "tool_calls.0.type", "tool_calls.0.function.name"} {
		if wire.Get(path).String() != orig.Get(path).String() {
			t.Errorf("%s: got %q want %q", path, wire.Get(path).String(), orig.Get(path).String())
		}
	}
	if !jsonEqual(t, wire.Get("tool_calls.0.function.arguments").String(), orig.Get("tool_calls.0.function.arguments").String()) {
		t.Error("arguments changed in round trip")
	}
}

func TestEncodeOpenAITools(t *testing.T) {
	b, err := json.Marshal(encodeOpenAITools(sampleSpecs()))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	v := gjson.ParseBytes(b)
	if v.Get("0.function.name").String() != "read_file" {
		t.Errorf("tool = %s", v.Raw)
	}
	if v.Get("0.function.parameters.required.0").String() != "path" {
		t.Errorf("schema lost: %s", v.Get("0.function.parameters").Raw)
	}
	if encodeOpenAITools(nil) != nil {
		t.Error("no tools should encode as nil")
	}
}

func TestOpenAIParamsSerialTools(t *testing.T) {
	req := Request{
		Model:       "llama-3.1-8b-instant",
		Messages:    []session.Message{session.User("hi")},
		Tools:       sampleSpecs(),
		SerialTools: true,
		Sampling:    Sampling{MaxTokens: 2000},
	}
	b, err := json.Marshal(openAIParams(req, false))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	v := gjson.ParseBytes(b)
	if p := v.Get("parallel_tool_calls"); !p.Exists() || p.Bool() {
		t.Errorf("parallel_tool_calls = %s, want false", p.Raw)
	}
	if v.Get("max_tokens").Int() != 2000 {
		t.Errorf("max_tokens = %s", v.Get("max_tokens").Raw)
	}

	req.Tools = nil
	b, err = json.Marshal(openAIParams(req, false))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if gjson.GetBytes(b, "parallel_tool_calls").Exists() {
		t.Error("parallel_tool_calls sent without tools")
	}
}

func jsonIndex(i int, field string) string {
	b, _ := json.Marshal(i)
	return string(b) + "." + field
}
