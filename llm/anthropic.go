package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/session"
)

const defaultMaxTokens = 4096

// AnthropicClient is a client for the Anthropic Messages API. System
// messages travel in the request's preamble field and tool results in
// tool_result blocks inside user turns.
type AnthropicClient struct {
	client *anthropic.Client
}

// NewAnthropicClient creates a client. The key is read from apiKeyEnv,
// ANTHROPIC_API_KEY when empty.
func NewAnthropicClient(apiKeyEnv string) (*AnthropicClient, error) {
	if apiKeyEnv == "" {
		apiKeyEnv = "ANTHROPIC_API_KEY"
	}
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, errors.New("%s environment variable not set", apiKeyEnv)
	}
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	return &AnthropicClient{client: &client}, nil
}

func (a *AnthropicClient) Name() string { return "anthropic" }

// Send performs one Messages API call.
func (a *AnthropicClient) Send(ctx context.Context, req Request) (*Response, error) {
	system, messages := encodeAnthropicMessages(req.Messages, len(req.Tools) == 0)

	maxTokens := req.Sampling.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
		Tools:     encodeAnthropicTools(req.Tools),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Sampling.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Sampling.Temperature)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, httpFailure(a.Name(), apiErr.StatusCode, apiErr.Response, err)
		}
		return nil, transportFailure(a.Name(), err)
	}
	return decodeAnthropicMessage(resp)
}

// decodeAnthropicMessage converts a Messages API response to a neutral one.
func decodeAnthropicMessage(resp *anthropic.Message) (*Response, error) {
	var text string
	var calls []session.ToolCall
	for _, block := range resp.Content {
		switch c := block.AsAny().(type) {
		case anthropic.TextBlock:
			text += c.Text
		case anthropic.ToolUseBlock:
			raw := block.RawJSON()
			if raw == "" {
				b, _ := json.Marshal(map[string]interface{}{"id": c.ID, "name": c.Name, "input": c.Input})
				raw = string(b)
			}
			call, err := ParseToolCall(raw)
			if err != nil {
				return nil, malformed("anthropic", raw, err)
			}
			calls = append(calls, call)
		}
	}
	if len(calls) == 0 {
		textCalls, cleaned, err := extractTextToolCalls(text)
		if err != nil {
			return nil, malformed("anthropic", text, err)
		}
		calls, text = textCalls, cleaned
	}

	stop := StopEnd
	switch {
	case len(calls) > 0:
		stop = StopToolUse
	case string(resp.StopReason) == "max_tokens":
		stop = StopLength
	}
	return &Response{
		Message:    session.Assistant(text, calls...),
		StopReason: stop,
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// encodeAnthropicMessages lifts system messages into the preamble and
// merges consecutive same-role turns, which the API requires. The API
// rejects tool blocks in requests without tool definitions, so textOnly
// renders earlier calls and results as text.
func encodeAnthropicMessages(messages []session.Message, textOnly bool) (string, []anthropic.MessageParam) {
	system, rest := splitSystem(messages)

	var out []anthropic.MessageParam
	push := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, msg := range rest {
		switch msg.Role {
		case session.RoleAssistant:
			if textOnly {
				push(anthropic.MessageParamRoleAssistant, anthropic.NewTextBlock(nonEmpty(shimAssistant(msg))))
				continue
			}
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: args,
					},
				})
			}
			push(anthropic.MessageParamRoleAssistant, blocks...)
		case session.RoleToolResult:
			if needsShim(msg, textOnly) {
				push(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(shimToolResult(msg)))
				continue
			}
			push(anthropic.MessageParamRoleUser, anthropic.ContentBlockParamUnion{
				OfToolResult: &anthropic.ToolResultBlockParam{
					ToolUseID: msg.ToolCallID,
					IsError:   anthropic.Bool(msg.IsError),
					Content: []anthropic.ToolResultBlockParamContentUnion{{
						OfText: &anthropic.TextBlockParam{Text: nonEmpty(msg.Content)},
					}},
				},
			})
		default:
			push(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(nonEmpty(msg.Content)))
		}
	}

	// The conversation must open with a user turn.
	if len(out) > 0 && out[0].Role != anthropic.MessageParamRoleUser {
		out = append([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("(conversation continues)")),
		}, out...)
	}
	return system, out
}

func encodeAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		schema := objectSchema(s.Parameters)
		tool := anthropic.ToolParam{
			Name:        s.Name,
			Description: anthropic.String(s.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
				Required:   requiredFields(schema),
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func requiredFields(schema map[string]interface{}) []string {
	switch r := schema["required"].(type) {
	case []string:
		return r
	case []interface{}:
		out := make([]string, 0, len(r))
		for _, v := range r {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// nonEmpty substitutes a placeholder for empty text, which the API rejects.
func nonEmpty(s string) string {
	if s == "" {
		return "(empty)"
	}
	return s
}
