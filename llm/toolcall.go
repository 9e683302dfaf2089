package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"

	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/session"
)

// argumentKeys are the field names backends use for the argument payload
// when a call arrives as a bare name/arguments pair.
var argumentKeys = []string{"arguments", "args", "input", "parameters"}

// ParseToolCall normalizes one tool call encoded as JSON. Two shapes are
// accepted:
//
//	{"id": "...", "type": "function", "function": {"name": "...", "arguments": "..."}}
//	{"id": "...", "name": "...", "arguments"|"args"|"input"|"parameters": {...}}
//
// Arguments may be an object or a string holding JSON. Anything else is an
// error; a call with no name is never produced.
func ParseToolCall(raw string) (session.ToolCall, error) {
	if !gjson.Valid(raw) {
		return session.ToolCall{}, errors.New("tool call is not valid JSON")
	}
	v := gjson.Parse(raw)
	if !v.IsObject() {
		return session.ToolCall{}, errors.New("tool call is not an object")
	}

	id := firstString(v, "id", "call_id", "tool_call_id")

	if fn := v.Get("function"); fn.IsObject() {
		name := strings.TrimSpace(fn.Get("name").String())
		if name == "" {
			return session.ToolCall{}, errors.New("function call has no name")
		}
		args, err := parseArguments(fn.Get("arguments"))
		if err != nil {
			return session.ToolCall{}, errors.Wrapf(err, "arguments of %s", name)
		}
		return session.ToolCall{ID: id, Name: name, Args: args}, nil
	}

	name := strings.TrimSpace(v.Get("name").String())
	if name == "" {
		return session.ToolCall{}, errors.New("tool call shape not recognized")
	}
	var payload gjson.Result
	for _, key := range argumentKeys {
		if r := v.Get(key); r.Exists() {
			payload = r
			break
		}
	}
	args, err := parseArguments(payload)
	if err != nil {
		return session.ToolCall{}, errors.Wrapf(err, "arguments of %s", name)
	}
	return session.ToolCall{ID: id, Name: name, Args: args}, nil
}

func firstString(v gjson.Result, keys ...string) string {
	for _, k := range keys {
		if s := v.Get(k).String(); s != "" {
			return s
		}
	}
	return ""
}

// parseArguments decodes an argument payload. A missing or empty payload
// means no arguments.
func parseArguments(v gjson.Result) (map[string]interface{}, error) {
	switch {
	case !v.Exists() || v.Type == gjson.Null:
		return map[string]interface{}{}, nil
	case v.IsObject():
		return decodeObject(v.Raw)
	case v.Type == gjson.String:
		s := strings.TrimSpace(v.String())
		if s == "" {
			return map[string]interface{}{}, nil
		}
		return repairJSONObject(s)
	}
	return nil, errors.New("arguments must be an object, got %s", v.Type)
}

func decodeObject(raw string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

var bareKeyPattern = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)

// repairJSONObject decodes model-written JSON, fixing the mistakes models
// commonly make: comments, trailing commas, single quotes, bare keys.
func repairJSONObject(s string) (map[string]interface{}, error) {
	if out, err := decodeObject(s); err == nil {
		return out, nil
	}
	candidates := []string{
		string(jsonc.ToJSON([]byte(s))),
		strings.ReplaceAll(s, "'", `"`),
		bareKeyPattern.ReplaceAllString(s, `$1"$2":`),
	}
	candidates = append(candidates, string(jsonc.ToJSON([]byte(bareKeyPattern.ReplaceAllString(strings.ReplaceAll(s, "'", `"`), `$1"$2":`)))))
	for _, c := range candidates {
		if out, err := decodeObject(c); err == nil {
			return out, nil
		}
	}
	return nil, errors.New("could not decode arguments %q", truncate(s, 120))
}

// Text-encoded calls emitted by models that lack native tool calling.
var (
	functionTagPattern = regexp.MustCompile(`(?is)<function=(\w+)[\s\[\]\(]*(\{.*?\})[\s\]\)]*(?:>?\s*</function>|/>)`)
	toolCodePattern    = regexp.MustCompile("(?is)```tool_code\\s*\\n(.*?)```")
	toolCodeCall       = regexp.MustCompile(`(?s)(?:print\s*\(\s*)?default_api\.(\w+)\s*\((.*?)\)\s*\)?`)
	pythonParamPattern = regexp.MustCompile(`(?s)(\w+)\s*=\s*("(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|-?\d+(?:\.\d+)?|True|False|None)`)
)

// extractTextToolCalls finds tool calls written into message text. It
// returns the calls and the text with the call markup removed. Text that
// contains call markup but no decodable call is an error.
func extractTextToolCalls(content string) ([]session.ToolCall, string, error) {
	if !hasToolMarkup(content) {
		return nil, content, nil
	}

	var calls []session.ToolCall
	seen := map[string]bool{}
	add := func(name string, args map[string]interface{}, key string) {
		if seen[key] {
			return
		}
		seen[key] = true
		calls = append(calls, session.ToolCall{ID: newCallID(), Name: name, Args: args})
	}

	var firstErr error
	for _, m := range functionTagPattern.FindAllStringSubmatch(content, -1) {
		args, err := repairJSONObject(m[2])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		add(m[1], args, m[1]+":"+m[2])
	}
	for _, block := range toolCodePattern.FindAllStringSubmatch(content, -1) {
		for _, m := range toolCodeCall.FindAllStringSubmatch(block[1], -1) {
			add(m[1], parsePythonParams(m[2]), m[1]+":"+m[2])
		}
	}

	if len(calls) == 0 {
		if firstErr == nil {
			firstErr = errors.New("tool call markup without a recognizable call")
		}
		return nil, content, firstErr
	}

	cleaned := functionTagPattern.ReplaceAllString(content, "")
	cleaned = toolCodePattern.ReplaceAllString(cleaned, "")
	return calls, strings.TrimSpace(cleaned), nil
}

func hasToolMarkup(content string) bool {
	lower := strings.ToLower(content)
	return strings.Contains(lower, "<function=") || strings.Contains(lower, "```tool_code")
}

func parsePythonParams(s string) map[string]interface{} {
	out := map[string]interface{}{}
	for _, m := range pythonParamPattern.FindAllStringSubmatch(s, -1) {
		key, val := m[1], m[2]
		switch {
		case strings.HasPrefix(val, `"`):
			if unq, err := strconv.Unquote(val); err == nil {
				out[key] = unq
			} else {
				out[key] = val[1 : len(val)-1]
			}
		case strings.HasPrefix(val, "'"):
			out[key] = val[1 : len(val)-1]
		case val == "True":
			out[key] = true
		case val == "False":
			out[key] = false
		case val == "None":
			out[key] = nil
		default:
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				out[key] = float64(n)
			} else if f, err := strconv.ParseFloat(val, 64); err == nil {
				out[key] = f
			} else {
				out[key] = val
			}
		}
	}
	return out
}

// newCallID issues an id for calls whose backend supplied none.
func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune start so the result stays valid UTF-8.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func mustJSON(v interface{}) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
