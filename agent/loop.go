package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/intent"
	"github.com/m4xw311/iabuilder/llm"
	"github.com/m4xw311/iabuilder/retry"
	"github.com/m4xw311/iabuilder/session"
	"github.com/m4xw311/iabuilder/tools"
	"github.com/m4xw311/iabuilder/transcript"
)

// State is a step of the per-turn state machine.
type State int

const (
	StateAwaitingUserInput State = iota
	StateGating
	StateIdle
	StateBuildingRequest
	StateAdmitting
	StateCalling
	StateToolsPending
	StateDispatching
	StateFinalizing
)

var stateNames = [...]string{
	"awaiting_user_input", "gating", "idle", "building_request", "admitting",
	"calling", "tools_pending", "dispatching", "finalizing",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ErrInterrupted is returned when the turn's context is cancelled. The
// transcript keeps every completed result and a cancellation outcome for
// the rest.
var ErrInterrupted = errors.Sentinel("turn interrupted")

// TurnError wraps a failure that ended a turn without an answer.
type TurnError struct {
	Err error
}

func (e *TurnError) Error() string { return "turn failed: " + e.Err.Error() }
func (e *TurnError) Unwrap() error { return e.Err }

// ProcessCallbacks lets a front end observe and steer a turn. Every field
// is optional.
type ProcessCallbacks struct {
	OnState            func(State)
	OnAssistantMessage func(message string)
	OnToolCall         func(call session.ToolCall)
	OnToolResult       func(outcome tools.Outcome)
	// ShouldExecuteTool is consulted in prompt mode before each call.
	ShouldExecuteTool func(call session.ToolCall) bool
	OnWarning         func(warning string)
	// OnWait is called before the turn sleeps for rate budget.
	OnWait       func(delay time.Duration, reason string)
	OnCompressed func(res transcript.Result)
}

// TurnResult summarizes a finished turn.
type TurnResult struct {
	Text   string
	Intent intent.Intent
	// Rounds counts backend calls, ToolRounds the dispatch rounds.
	Rounds     int
	ToolRounds int
	GaveUp     bool
}

const (
	maxBackoff          = 30 * time.Second
	defaultOutputTokens = 4096
)

// ProcessUserInput runs one turn: gate, then alternate backend calls and
// tool dispatch until the model answers in prose or the round limit hits.
func (a *Agent) ProcessUserInput(ctx context.Context, input string, cb ProcessCallbacks) (TurnResult, error) {
	a.turn.Lock()
	defer a.turn.Unlock()

	t := &turn{Agent: a, cb: cb}
	defer t.state(StateAwaitingUserInput)

	t.state(StateGating)
	input = strings.TrimSpace(input)
	if input == "" {
		t.state(StateIdle)
		return TurnResult{}, nil
	}
	kind := a.classifier.Classify(input, intent.Prior{LastAssistant: a.lastAssistantText()})
	a.logger.Debug("intent classified", "intent", kind)
	a.transcript.Append(session.User(input))

	res, err := t.run(ctx, kind)
	if saveErr := a.save(); saveErr != nil {
		a.logger.Warn("failed to save session", "error", saveErr)
		t.warn(fmt.Sprintf("failed to save session: %v", saveErr))
	}
	return res, err
}

// turn carries the per-turn callbacks alongside the agent.
type turn struct {
	*Agent
	cb ProcessCallbacks
}

func (t *turn) state(s State) {
	t.logger.Debug("turn state", "state", s)
	if t.cb.OnState != nil {
		t.cb.OnState(s)
	}
}

func (t *turn) warn(msg string) {
	if t.cb.OnWarning != nil {
		t.cb.OnWarning(msg)
	}
}

func (t *turn) run(ctx context.Context, kind intent.Intent) (TurnResult, error) {
	res := TurnResult{Intent: kind}

	caps := t.identity.Capabilities
	var specs []llm.ToolSpec
	switch {
	case kind != intent.Actionable:
	case caps.NoTools:
		t.logger.Debug("model has no tool support, answering conversationally", "model", t.identity.Key())
	default:
		specs = t.dispatcher.Catalog().Specs()
	}
	reserve := estimateSpecs(specs)
	output := outputAllowance(t.identity, t.cfg.Sampling.MaxTokens)

	parallel := t.cfg.Loop.MaxParallelTools
	if caps.SerialTools {
		parallel = 1
	}
	t.dispatcher.SetMaxParallel(parallel)

	approve := tools.Approver(nil)
	if t.Mode == ModePrompt && t.cb.ShouldExecuteTool != nil {
		approve = func(_ context.Context, call session.ToolCall) bool { return t.cb.ShouldExecuteTool(call) }
	}
	t.dispatcher.SetApprover(approve)

	for {
		t.state(StateBuildingRequest)
		fit, err := t.compressor.EnsureFits(t.transcript, t.identity, reserve)
		if err != nil {
			return res, &TurnError{Err: err}
		}
		if fit.Compressed {
			t.logger.Info("transcript compressed", "before", fit.Before, "after", fit.After, "folded", fit.Folded)
			if t.cb.OnCompressed != nil {
				t.cb.OnCompressed(fit)
			}
		}

		req := llm.Request{
			Model:       t.identity.Model,
			Messages:    t.transcript.Messages(),
			Tools:       specs,
			SerialTools: caps.SerialTools,
			Sampling:    llm.Sampling{Temperature: t.cfg.Sampling.Temperature, MaxTokens: output},
		}
		resp, err := t.call(ctx, req, reserve)
		res.Rounds++
		if err != nil {
			if ctx.Err() != nil {
				return res, ErrInterrupted
			}
			var f *llm.Failure
			if errors.As(err, &f) && f.Kind == llm.FailureMalformedToolCall {
				t.logger.Warn("model emitted an unparseable tool call", "error", err)
				t.correct(f)
				res.ToolRounds++
				if res.ToolRounds >= t.cfg.Loop.MaxToolRounds {
					return t.giveUp(res), nil
				}
				continue
			}
			return res, &TurnError{Err: err}
		}

		t.transcript.Append(resp.Message)
		if !resp.HasToolCalls() {
			t.state(StateFinalizing)
			res.Text = resp.Message.Content
			if resp.StopReason == llm.StopLength {
				t.warn("the answer was cut off at the output token limit")
			}
			if t.cb.OnAssistantMessage != nil {
				t.cb.OnAssistantMessage(res.Text)
			}
			return res, nil
		}
		if resp.Message.Content != "" && t.cb.OnAssistantMessage != nil {
			t.cb.OnAssistantMessage(resp.Message.Content)
		}

		t.state(StateToolsPending)
		calls := resp.Message.ToolCalls
		for _, c := range calls {
			if t.cb.OnToolCall != nil {
				t.cb.OnToolCall(c)
			}
		}

		t.state(StateDispatching)
		outcomes := t.dispatcher.ExecuteAll(ctx, calls)
		for _, out := range outcomes {
			t.transcript.Append(out.Message())
			if t.cb.OnToolResult != nil {
				t.cb.OnToolResult(out)
			}
		}
		res.ToolRounds++
		if ctx.Err() != nil {
			return res, ErrInterrupted
		}
		if res.ToolRounds >= t.cfg.Loop.MaxToolRounds {
			return t.giveUp(res), nil
		}
	}
}

// call sends req with admission control and transient-failure retries.
// The admission estimate covers the prompt and the whole output allowance,
// since the recorded usage counts both.
func (t *turn) call(ctx context.Context, req llm.Request, reserve int) (*llm.Response, error) {
	input := transcript.Estimate(req.Messages) + reserve
	estimated := input + req.Sampling.MaxTokens
	id := t.identity

	cfg := retry.Config{
		MaxRetries:  t.cfg.Loop.Retries(),
		Backoff:     t.cfg.Loop.RetryBackoff,
		MaxBackoff:  maxBackoff,
		ShouldRetry: llm.IsRetryable,
		Clock:       t.clock,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			t.logger.Warn("retrying backend call", "model", id.Key(), "attempt", attempt, "delay", delay, "error", err)
			t.warn(fmt.Sprintf("%s is unavailable, retrying in %s (attempt %d)", id.Key(), delay.Round(time.Millisecond), attempt))
		},
	}
	return retry.Do(ctx, cfg, func(ctx context.Context) (*llm.Response, error) {
		t.state(StateAdmitting)
		if out := t.admission.Authorize(id, estimated); !out.Proceed {
			delay := out.WaitUntil.Sub(t.clock.Now())
			if t.cb.OnWait != nil {
				t.cb.OnWait(delay, out.Reason)
			}
			if _, err := t.admission.Wait(ctx, id, estimated); err != nil {
				return nil, err
			}
		}

		t.state(StateCalling)
		resp, err := t.client.Send(ctx, req)
		if err != nil {
			// The request still counts against the window.
			t.admission.Record(id, estimated)
			return nil, err
		}
		used := resp.Usage.Total()
		if used == 0 {
			used = input + transcript.EstimateMessage(resp.Message)
		}
		t.admission.Record(id, used)
		return resp, nil
	})
}

// correct feeds an unparseable tool call back to the model so it can try
// again with a well-formed call.
func (t *turn) correct(f *llm.Failure) {
	raw := f.Raw
	if raw == "" {
		raw = "(unparseable tool call)"
	}
	t.transcript.Append(
		session.Assistant(raw),
		session.Message{
			Role:    session.RoleToolResult,
			IsError: true,
			Content: "Your last tool call could not be parsed: " + f.Message +
				". Call tools only through the provided function-calling interface, with a JSON object of arguments.",
		},
	)
}

func (t *turn) giveUp(res TurnResult) TurnResult {
	t.state(StateFinalizing)
	notice := fmt.Sprintf("I stopped after %d rounds of tool calls without reaching a final answer. "+
		"The results so far are above; tell me how you would like to continue.", res.ToolRounds)
	t.transcript.Append(session.Assistant(notice))
	t.logger.Warn("tool round limit reached", "rounds", res.ToolRounds)
	t.warn("tool round limit reached, the answer may be incomplete")
	if t.cb.OnAssistantMessage != nil {
		t.cb.OnAssistantMessage(notice)
	}
	res.Text = notice
	res.GaveUp = true
	return res
}

func (a *Agent) lastAssistantText() string {
	msgs := a.transcript.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleAssistant {
			return msgs[i].Content
		}
	}
	return ""
}

// outputAllowance caps the reply length so one call can never use more
// than half the model's token budget on output alone.
func outputAllowance(id session.ModelIdentity, maxTokens int) int {
	if maxTokens <= 0 {
		maxTokens = defaultOutputTokens
	}
	if half := id.Budget.Tokens / 2; half > 0 && maxTokens > half {
		return half
	}
	return maxTokens
}

// estimateSpecs approximates what the tool catalog adds to a request.
func estimateSpecs(specs []llm.ToolSpec) int {
	if len(specs) == 0 {
		return 0
	}
	total := 0
	for _, s := range specs {
		schema, _ := json.Marshal(s.Parameters)
		total += transcript.EstimateText(s.Name+s.Description) + transcript.EstimateText(string(schema))
	}
	return total
}
