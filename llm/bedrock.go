package llm

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/tidwall/gjson"

	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/session"
)

// BedrockClient calls Anthropic models hosted on AWS Bedrock using the
// Anthropic messages body format.
type BedrockClient struct {
	client *bedrockruntime.Client
}

// NewBedrockClient creates a client from the default AWS credential chain.
func NewBedrockClient(ctx context.Context) (*BedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &BedrockClient{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

func (b *BedrockClient) Name() string { return "bedrock" }

// Send performs one InvokeModel call.
func (b *BedrockClient) Send(ctx context.Context, req Request) (*Response, error) {
	body, err := encodeBedrockRequest(req)
	if err != nil {
		return nil, &Failure{Kind: FailurePermanent, Backend: b.Name(), Err: err}
	}
	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyBedrock(err)
	}
	return decodeBedrockResponse(out.Body)
}

func classifyBedrock(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return transportFailure("bedrock", err)
	}
	f := &Failure{Backend: "bedrock", Message: apiErr.ErrorMessage(), Err: err}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "ServiceUnavailableException", "ModelNotReadyException",
		"InternalServerException", "ModelTimeoutException":
		f.Kind = FailureTransient
	case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
		f.Kind = FailureAuth
	default:
		f.Kind = FailurePermanent
	}
	return f
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Tools            []bedrockTool    `json:"tools,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
}

type bedrockMessage struct {
	Role    string         `json:"role"`
	Content []bedrockBlock `json:"content"`
}

type bedrockBlock struct {
	Type      string      `json:"type"`
	Text      string      `json:"text,omitempty"`
	ID        string      `json:"id,omitempty"`
	Name      string      `json:"name,omitempty"`
	Input     interface{} `json:"input,omitempty"`
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   string      `json:"content,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`
}

type bedrockTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

func encodeBedrockRequest(req Request) ([]byte, error) {
	system, rest := splitSystem(req.Messages)
	body := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        req.Sampling.MaxTokens,
		System:           system,
		Temperature:      req.Sampling.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}

	push := func(role string, blocks ...bedrockBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(body.Messages); n > 0 && body.Messages[n-1].Role == role {
			body.Messages[n-1].Content = append(body.Messages[n-1].Content, blocks...)
			return
		}
		body.Messages = append(body.Messages, bedrockMessage{Role: role, Content: blocks})
	}
	// Tool blocks are rejected when the request defines no tools.
	textOnly := len(req.Tools) == 0
	for _, msg := range rest {
		switch msg.Role {
		case session.RoleAssistant:
			if textOnly {
				push("assistant", bedrockBlock{Type: "text", Text: nonEmpty(shimAssistant(msg))})
				continue
			}
			var blocks []bedrockBlock
			if msg.Content != "" {
				blocks = append(blocks, bedrockBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]interface{}{}
				}
				blocks = append(blocks, bedrockBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: args})
			}
			push("assistant", blocks...)
		case session.RoleToolResult:
			if needsShim(msg, textOnly) {
				push("user", bedrockBlock{Type: "text", Text: shimToolResult(msg)})
				continue
			}
			push("user", bedrockBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   nonEmpty(msg.Content),
				IsError:   msg.IsError,
			})
		default:
			push("user", bedrockBlock{Type: "text", Text: nonEmpty(msg.Content)})
		}
	}
	if len(body.Messages) > 0 && body.Messages[0].Role != "user" {
		body.Messages = append([]bedrockMessage{{
			Role:    "user",
			Content: []bedrockBlock{{Type: "text", Text: "(conversation continues)"}},
		}}, body.Messages...)
	}

	for _, s := range req.Tools {
		body.Tools = append(body.Tools, bedrockTool{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: objectSchema(s.Parameters),
		})
	}
	return json.Marshal(body)
}

// decodeBedrockResponse reads the response body with gjson so unknown block
// types are skipped rather than rejected.
func decodeBedrockResponse(body []byte) (*Response, error) {
	if !gjson.ValidBytes(body) {
		return nil, &Failure{Kind: FailurePermanent, Backend: "bedrock", Message: "response is not valid JSON"}
	}
	v := gjson.ParseBytes(body)

	var text string
	var calls []session.ToolCall
	for _, block := range v.Get("content").Array() {
		switch typ := block.Get("type").String(); {
		case typ == "text":
			text += block.Get("text").String()
		case typ == "tool_use", typ == "" && block.Get("name").Exists():
			call, err := ParseToolCall(block.Raw)
			if err != nil {
				return nil, malformed("bedrock", block.Raw, err)
			}
			if call.ID == "" {
				call.ID = newCallID()
			}
			calls = append(calls, call)
		}
	}
	if len(calls) == 0 {
		textCalls, cleaned, err := extractTextToolCalls(text)
		if err != nil {
			return nil, malformed("bedrock", text, err)
		}
		calls, text = textCalls, cleaned
	}

	stop := StopEnd
	switch {
	case len(calls) > 0:
		stop = StopToolUse
	case v.Get("stop_reason").String() == "max_tokens":
		stop = StopLength
	}
	return &Response{
		Message:    session.Assistant(text, calls...),
		StopReason: stop,
		Usage: Usage{
			InputTokens:  int(v.Get("usage.input_tokens").Int()),
			OutputTokens: int(v.Get("usage.output_tokens").Int()),
		},
	}, nil
}
