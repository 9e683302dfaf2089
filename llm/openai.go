package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/tidwall/gjson"

	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/session"
)

// compatibleBackend describes a backend that speaks the OpenAI chat
// completions protocol.
type compatibleBackend struct {
	baseURL   string
	apiKeyEnv string
}

var compatibleBackends = map[string]compatibleBackend{
	"openai":     {"https://api.openai.com/v1", "OPENAI_API_KEY"},
	"groq":       {"https://api.groq.com/openai/v1", "GROQ_API_KEY"},
	"openrouter": {"https://openrouter.ai/api/v1", "OPENROUTER_API_KEY"},
	"deepseek":   {"https://api.deepseek.com/v1", "DEEPSEEK_API_KEY"},
	"mistral":    {"https://api.mistral.ai/v1", "MISTRAL_API_KEY"},
	"together":   {"https://api.together.xyz/v1", "TOGETHER_API_KEY"},
}

// OpenAIOptions configures an OpenAI-compatible client. Empty fields fall
// back to the backend's defaults.
type OpenAIOptions struct {
	Backend         string
	BaseURL         string
	APIKeyEnv       string
	TextToolResults bool
}

// OpenAIClient talks to OpenAI and every backend that mirrors its chat
// completions API.
type OpenAIClient struct {
	client          *openai.Client
	backend         string
	textToolResults bool
}

// NewOpenAIClient creates a client for an OpenAI-compatible backend. The API
// key is read from the backend's environment variable.
func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	if opts.Backend == "" {
		opts.Backend = "openai"
	}
	defaults, known := compatibleBackends[opts.Backend]
	if opts.APIKeyEnv == "" {
		opts.APIKeyEnv = defaults.apiKeyEnv
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaults.baseURL
	}
	if !known && opts.BaseURL == "" {
		return nil, errors.New("backend %q needs a base_url", opts.Backend)
	}
	if opts.APIKeyEnv == "" {
		return nil, errors.New("backend %q needs an api_key_env", opts.Backend)
	}
	apiKey := os.Getenv(opts.APIKeyEnv)
	if apiKey == "" {
		return nil, errors.New("%s environment variable not set", opts.APIKeyEnv)
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(opts.BaseURL),
		// Retries are the orchestration loop's job.
		option.WithMaxRetries(0),
	}
	c := openai.NewClient(options...)
	return &OpenAIClient{client: &c, backend: opts.Backend, textToolResults: opts.TextToolResults}, nil
}

func (o *OpenAIClient) Name() string { return o.backend }

// Send performs one chat completion call.
func (o *OpenAIClient) Send(ctx context.Context, req Request) (*Response, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openAIParams(req, o.textToolResults))
	if err != nil {
		return nil, o.classify(err)
	}
	if len(resp.Choices) == 0 {
		return &Response{Message: session.Assistant(""), StopReason: StopEnd}, nil
	}

	choice := resp.Choices[0]
	raw := choice.Message.RawJSON()
	if raw == "" {
		b, _ := json.Marshal(choice.Message)
		raw = string(b)
	}
	msg, err := decodeOpenAIMessage(raw)
	if err != nil {
		return nil, malformed(o.backend, choice.Message.Content, err)
	}
	return &Response{
		Message:    msg,
		StopReason: openAIStopReason(choice.FinishReason, msg),
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func openAIParams(req Request, textToolResults bool) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: encodeOpenAIMessages(req.Messages, textToolResults),
		Tools:    encodeOpenAITools(req.Tools),
	}
	if req.Sampling.Temperature != nil {
		params.Temperature = openai.Float(*req.Sampling.Temperature)
	}
	if req.Sampling.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.Sampling.MaxTokens))
	}
	if req.SerialTools && len(req.Tools) > 0 {
		params.ParallelToolCalls = openai.Bool(false)
	}
	return params
}

func (o *OpenAIClient) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		f := httpFailure(o.backend, apiErr.StatusCode, apiErr.Response, err)
		f.Message = apiErr.Message
		return f
	}
	return transportFailure(o.backend, err)
}

func openAIStopReason(finish string, msg session.Message) StopReason {
	switch {
	case len(msg.ToolCalls) > 0:
		return StopToolUse
	case finish == "length":
		return StopLength
	}
	return StopEnd
}

// decodeOpenAIMessage converts the JSON of an assistant message into a
// neutral message. It reads the raw JSON rather than the typed fields so
// that backends emitting the bare name/arguments shape, or writing calls
// into the text, are still understood.
func decodeOpenAIMessage(raw string) (session.Message, error) {
	v := gjson.Parse(raw)
	content := v.Get("content").String()

	var calls []session.ToolCall
	for _, tc := range v.Get("tool_calls").Array() {
		call, err := ParseToolCall(tc.Raw)
		if err != nil {
			return session.Message{}, err
		}
		if call.ID == "" {
			call.ID = newCallID()
		}
		calls = append(calls, call)
	}
	// Legacy single function_call field.
	if fc := v.Get("function_call"); len(calls) == 0 && fc.IsObject() {
		call, err := ParseToolCall(fc.Raw)
		if err != nil {
			return session.Message{}, err
		}
		call.ID = newCallID()
		calls = append(calls, call)
	}
	if len(calls) == 0 {
		textCalls, cleaned, err := extractTextToolCalls(content)
		if err != nil {
			return session.Message{}, err
		}
		calls, content = textCalls, cleaned
	}
	return session.Assistant(content, calls...), nil
}

// encodeOpenAIMessages converts neutral messages to chat completion params.
func encodeOpenAIMessages(messages []session.Message, textToolResults bool) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case session.RoleAssistant:
			if textToolResults || len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(shimAssistant(msg)))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: mustJSON(tc.Args),
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case session.RoleToolResult:
			if needsShim(msg, textToolResults) {
				out = append(out, openai.UserMessage(shimToolResult(msg)))
				continue
			}
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func encodeOpenAITools(specs []ToolSpec) []openai.ChatCompletionToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(specs))
	for _, s := range specs {
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        s.Name,
			Description: openai.String(s.Description),
			Parameters:  openai.FunctionParameters(objectSchema(s.Parameters)),
		}))
	}
	return out
}

// objectSchema guarantees a top-level object schema.
func objectSchema(params map[string]interface{}) map[string]interface{} {
	if len(params) == 0 {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	if _, ok := params["type"]; !ok {
		out := map[string]interface{}{"type": "object"}
		for k, v := range params {
			out[k] = v
		}
		return out
	}
	return params
}
