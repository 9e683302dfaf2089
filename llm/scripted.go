package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/session"
)

// ScriptStep is one canned reply. Exactly one of Response or Err is set.
type ScriptStep struct {
	Response *Response
	Err      error
}

// Scripted replays a fixed sequence of replies and records every request
// it receives. It is used by tests and offline demos.
type Scripted struct {
	mu       sync.Mutex
	steps    []ScriptStep
	index    int
	requests []Request
}

// NewScripted creates a Scripted client.
func NewScripted(steps ...ScriptStep) *Scripted {
	return &Scripted{steps: append([]ScriptStep(nil), steps...)}
}

// Reply is shorthand for a step answering with text and optional calls.
func Reply(text string, calls ...session.ToolCall) ScriptStep {
	stop := StopEnd
	if len(calls) > 0 {
		stop = StopToolUse
	}
	return ScriptStep{Response: &Response{
		Message:    session.Assistant(text, calls...),
		StopReason: stop,
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
	}}
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Send(ctx context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, cloneRequest(req))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.index >= len(s.steps) {
		return nil, &Failure{Kind: FailurePermanent, Backend: s.Name(), Message: "script exhausted"}
	}
	step := s.steps[s.index]
	s.index++
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

// Requests returns copies of the requests received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func cloneRequest(req Request) Request {
	req.Messages = append([]session.Message(nil), req.Messages...)
	req.Tools = append([]ToolSpec(nil), req.Tools...)
	return req
}

// Echo is the offline backend used when no real backend is configured.
// It repeats the last user message back.
type Echo struct{}

func (Echo) Name() string { return "mock" }

func (Echo) Send(_ context.Context, req Request) (*Response, error) {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == session.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	if last == "" {
		return nil, errors.New("mock backend received no user message")
	}
	text := fmt.Sprintf("I am a mock model. You said: %q (%d tools offered).", last, len(req.Tools))
	return &Response{
		Message:    session.Assistant(text),
		StopReason: StopEnd,
		Usage:      Usage{InputTokens: len(last) / 4, OutputTokens: len(text) / 4},
	}, nil
}
