package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"

	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/session"
)

// GeminiClient is a client for the Google Gemini API. Gemini carries the
// system prompt as a separate instruction and returns function calls
// without ids, so ids are issued here.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a client. The key is read from apiKeyEnv,
// GEMINI_API_KEY when empty.
func NewGeminiClient(ctx context.Context, apiKeyEnv string) (*GeminiClient, error) {
	if apiKeyEnv == "" {
		apiKeyEnv = "GEMINI_API_KEY"
	}
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, errors.New("%s environment variable not set", apiKeyEnv)
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiClient{client: client}, nil
}

func (g *GeminiClient) Name() string { return "gemini" }

// Send performs one generate call. A fresh model handle is used per call so
// tool and system settings never leak between requests.
func (g *GeminiClient) Send(ctx context.Context, req Request) (*Response, error) {
	system, contents := encodeGeminiContents(req.Messages)
	if len(contents) == 0 {
		return nil, &Failure{Kind: FailurePermanent, Backend: g.Name(), Message: "request has no messages"}
	}

	model := g.client.GenerativeModel(req.Model)
	model.Tools = encodeGeminiTools(req.Tools)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if req.Sampling.Temperature != nil {
		model.SetTemperature(float32(*req.Sampling.Temperature))
	}
	if req.Sampling.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.Sampling.MaxTokens))
	}

	last := contents[len(contents)-1]
	chat := model.StartChat()
	chat.History = contents[:len(contents)-1]
	resp, err := chat.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, classifyGemini(err)
	}
	return decodeGeminiResponse(resp)
}

func classifyGemini(err error) error {
	ae, ok := apierror.FromError(err)
	if !ok {
		return transportFailure("gemini", err)
	}
	f := &Failure{Backend: "gemini", Err: err, Message: ae.Reason(), StatusCode: ae.HTTPCode()}
	if st := ae.GRPCStatus(); st != nil && st.Code() != codes.OK {
		switch st.Code() {
		case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
			f.Kind = FailureTransient
		case codes.Unauthenticated, codes.PermissionDenied:
			f.Kind = FailureAuth
		default:
			f.Kind = FailurePermanent
		}
		return f
	}
	f.Kind = classifyStatus(ae.HTTPCode())
	return f
}

func decodeGeminiResponse(resp *genai.GenerateContentResponse) (*Response, error) {
	out := &Response{StopReason: StopEnd}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		out.Message = session.Assistant("")
		return out, nil
	}

	cand := resp.Candidates[0]
	var text string
	var calls []session.ToolCall
	for _, part := range cand.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text += string(p)
		case genai.FunctionCall:
			raw := mustJSON(map[string]interface{}{"name": p.Name, "args": p.Args})
			call, err := ParseToolCall(raw)
			if err != nil {
				return nil, malformed("gemini", raw, err)
			}
			call.ID = newCallID()
			calls = append(calls, call)
		}
	}
	if len(calls) == 0 {
		textCalls, cleaned, err := extractTextToolCalls(text)
		if err != nil {
			return nil, malformed("gemini", text, err)
		}
		calls, text = textCalls, cleaned
	}

	out.Message = session.Assistant(text, calls...)
	switch {
	case len(calls) > 0:
		out.StopReason = StopToolUse
	case cand.FinishReason == genai.FinishReasonMaxTokens:
		out.StopReason = StopLength
	}
	return out, nil
}

// encodeGeminiContents converts neutral messages to Gemini contents,
// merging consecutive same-role turns.
func encodeGeminiContents(messages []session.Message) (string, []*genai.Content) {
	system, rest := splitSystem(messages)

	var out []*genai.Content
	push := func(role string, parts ...genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range rest {
		switch msg.Role {
		case session.RoleAssistant:
			var parts []genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Args})
			}
			push("model", parts...)
		case session.RoleToolResult:
			if needsShim(msg, false) || msg.ToolName == "" {
				push("user", genai.Text(shimToolResult(msg)))
				continue
			}
			push("user", genai.FunctionResponse{
				Name:     msg.ToolName,
				Response: geminiResultPayload(msg),
			})
		default:
			push("user", genai.Text(msg.Content))
		}
	}
	return system, out
}

// geminiResultPayload wraps a tool result in the object Gemini expects.
func geminiResultPayload(msg session.Message) map[string]interface{} {
	if msg.IsError {
		return map[string]interface{}{"error": msg.Content}
	}
	var structured map[string]interface{}
	if json.Unmarshal([]byte(msg.Content), &structured) == nil && structured != nil {
		return structured
	}
	return map[string]interface{}{"result": msg.Content}
}

func encodeGeminiTools(specs []ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  geminiSchema(objectSchema(s.Parameters)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// geminiSchema converts a JSON schema into Gemini's schema subset.
// Keywords Gemini cannot express are dropped.
func geminiSchema(js map[string]interface{}) *genai.Schema {
	s := &genai.Schema{}
	switch js["type"] {
	case "string":
		s.Type = genai.TypeString
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
	default:
		s.Type = genai.TypeObject
	}
	if d, ok := js["description"].(string); ok {
		s.Description = d
	}
	if enum, ok := js["enum"].([]interface{}); ok {
		for _, e := range enum {
			if str, ok := e.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}
	if items, ok := js["items"].(map[string]interface{}); ok {
		s.Items = geminiSchema(items)
	}
	if props, ok := js["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]interface{}); ok {
				s.Properties[name] = geminiSchema(pm)
			}
		}
	}
	s.Required = requiredFields(js)
	return s
}
