// Package llm translates between the engine's backend-neutral chat request
// and each backend's wire format.
package llm

import (
	"context"
	"strings"

	"github.com/m4xw311/iabuilder/session"
)

// LLMClient is implemented once per backend. Send performs exactly one
// network call and never retries; retry policy belongs to the caller.
type LLMClient interface {
	// Name reports the backend family, e.g. "anthropic" or "groq".
	Name() string
	Send(ctx context.Context, req Request) (*Response, error)
}

// ToolSpec describes a callable tool to the model. Parameters is a JSON
// schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

type Sampling struct {
	Temperature *float64
	MaxTokens   int
}

// Request is the backend-neutral chat request. System messages may appear
// anywhere in Messages; adapters without a system role lift them into the
// backend's preamble field.
type Request struct {
	Model    string
	Messages []session.Message
	Tools    []ToolSpec
	// SerialTools asks backends that support it for one tool call per reply.
	SerialTools bool
	Sampling    Sampling
}

type StopReason string

const (
	StopEnd     StopReason = "end"
	StopToolUse StopReason = "tool_use"
	StopLength  StopReason = "length"
)

type Usage struct {
	InputTokens  int
	OutputTokens int
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Response is the backend-neutral reply. Message is always an assistant
// message; it carries ToolCalls when the model wants tools run.
type Response struct {
	Message    session.Message
	StopReason StopReason
	Usage      Usage
}

// HasToolCalls reports whether the model proposed at least one tool call.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.Message.ToolCalls) > 0
}

// splitSystem separates system messages from the conversation for backends
// that carry them in a dedicated preamble field.
func splitSystem(messages []session.Message) (string, []session.Message) {
	var system []string
	rest := make([]session.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == session.RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
