package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m4xw311/iabuilder/clock"
	"github.com/m4xw311/iabuilder/config"
	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/intent"
	"github.com/m4xw311/iabuilder/llm"
	"github.com/m4xw311/iabuilder/session"
	"github.com/m4xw311/iabuilder/tools"
	"github.com/m4xw311/iabuilder/transcript"
)

// blockingTool waits for its context and signals when it starts.
type blockingTool struct {
	started chan struct{}
}

func (b *blockingTool) Name() string        { return "wait_forever" }
func (b *blockingTool) Description() string { return "blocks" }
func (b *blockingTool) Schema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (b *blockingTool) Execute(ctx context.Context, _ map[string]interface{}) (string, error) {
	close(b.started)
	<-ctx.Done()
	return "", ctx.Err()
}

func testIdentity() session.ModelIdentity {
	return session.ModelIdentity{
		Backend:      "scripted",
		Model:        "test-model",
		Budget:       session.BudgetProfile{Requests: 100, Tokens: 1_000_000, Window: time.Minute},
		ContextLimit: 100_000,
	}
}

type harness struct {
	agent  *Agent
	client *llm.Scripted
	sess   *session.Session
	dir    string
}

func newHarness(t *testing.T, catalog *tools.Catalog, steps ...llm.ScriptStep) *harness {
	t.Helper()
	return newHarnessFor(t, testIdentity(), nil, catalog, steps...)
}

// newHarnessFor builds a harness for id. A nil clk uses the real clock.
func newHarnessFor(t *testing.T, id session.ModelIdentity, clk clock.Clock, catalog *tools.Catalog, steps ...llm.ScriptStep) *harness {
	t.Helper()
	cfg, err := config.LoadFiles()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Loop.RetryBackoff = time.Millisecond
	cfg.Loop.ToolTimeout = 5 * time.Second

	dir := t.TempDir()
	sess, err := session.New(filepath.Join(dir, "sessions"), "test")
	if err != nil {
		t.Fatal(err)
	}
	client := llm.NewScripted(steps...)
	a, err := New(Options{
		Config:   cfg,
		Session:  sess,
		Client:   client,
		Identity: id,
		Catalog:  catalog,
		Clock:    clk,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &harness{agent: a, client: client, sess: sess, dir: dir}
}

func readCall(path string) session.ToolCall {
	return session.ToolCall{ID: "call_1", Name: "read_file", Args: map[string]interface{}{"path": path}}
}

func TestConversationalTurnSkipsTools(t *testing.T) {
	h := newHarness(t, tools.NewCatalog(&tools.ReadFileTool{}), llm.Reply("¡Hola! ¿En qué te ayudo?"))

	var states []State
	res, err := h.agent.ProcessUserInput(context.Background(), "hola", ProcessCallbacks{
		OnState: func(s State) { states = append(states, s) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Intent != intent.Conversational || res.Rounds != 1 || res.Text != "¡Hola! ¿En qué te ayudo?" {
		t.Errorf("result = %+v", res)
	}
	reqs := h.client.Requests()
	if len(reqs) != 1 || len(reqs[0].Tools) != 0 {
		t.Fatalf("expected one request without tools, got %d requests", len(reqs))
	}
	if states[0] != StateGating || states[len(states)-1] != StateAwaitingUserInput {
		t.Errorf("states = %v", states)
	}
}

func TestActionableTurnRunsTool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("key: value\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, tools.NewCatalog(&tools.ReadFileTool{}),
		llm.Reply("", readCall(path)),
		llm.Reply("config.yaml sets key to value."),
	)

	var results []tools.Outcome
	res, err := h.agent.ProcessUserInput(context.Background(), "read config.yaml", ProcessCallbacks{
		OnToolResult: func(o tools.Outcome) { results = append(results, o) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Intent != intent.Actionable || res.Rounds != 2 || res.ToolRounds != 1 {
		t.Errorf("result = %+v", res)
	}
	reqs := h.client.Requests()
	if len(reqs) != 2 || len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "read_file" {
		t.Fatalf("requests = %+v", reqs)
	}
	second := reqs[1].Messages
	last := second[len(second)-1]
	if last.Role != session.RoleToolResult || last.ToolCallID != "call_1" || !strings.Contains(last.Content, "key: value") {
		t.Errorf("tool result = %+v", last)
	}
	if len(results) != 1 || results[0].Kind != tools.Success {
		t.Errorf("callbacks saw %+v", results)
	}
}

func TestUnknownToolIsReportedToModel(t *testing.T) {
	h := newHarness(t, tools.NewCatalog(&tools.ReadFileTool{}),
		llm.Reply("", session.ToolCall{ID: "c9", Name: "teleport"}),
		llm.Reply("I cannot do that."),
	)
	before := len(h.agent.Messages())
	res, err := h.agent.ProcessUserInput(context.Background(), "teleport me", ProcessCallbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "I cannot do that." {
		t.Errorf("text = %q", res.Text)
	}
	msgs := h.agent.Messages()[before:]
	// user, assistant(call), tool result, assistant
	if len(msgs) != 4 {
		t.Fatalf("appended %d messages", len(msgs))
	}
	if !msgs[2].IsError || msgs[2].ToolCallID != "c9" || !strings.Contains(msgs[2].Content, "does not exist") {
		t.Errorf("tool result = %+v", msgs[2])
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	var warnings []string
	h := newHarness(t, nil,
		llm.ScriptStep{Err: &llm.Failure{Kind: llm.FailureTransient, Backend: "scripted", StatusCode: 429}},
		llm.Reply("done"),
	)
	res, err := h.agent.ProcessUserInput(context.Background(), "summarize the repo", ProcessCallbacks{
		OnWarning: func(w string) { warnings = append(warnings, w) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "done" || len(h.client.Requests()) != 2 {
		t.Errorf("text = %q, requests = %d", res.Text, len(h.client.Requests()))
	}
	if len(warnings) != 1 {
		t.Errorf("warnings = %v", warnings)
	}
	if u := h.agent.Usage(); u.Requests != 2 {
		t.Errorf("usage requests = %d, want 2", u.Requests)
	}
}

func TestAuthFailureSurfacesWithoutRetry(t *testing.T) {
	h := newHarness(t, nil,
		llm.ScriptStep{Err: &llm.Failure{Kind: llm.FailureAuth, Backend: "scripted", StatusCode: 401}},
		llm.Reply("unreachable"),
	)
	_, err := h.agent.ProcessUserInput(context.Background(), "summarize the repo", ProcessCallbacks{})
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || !llm.IsKind(err, llm.FailureAuth) {
		t.Fatalf("err = %v", err)
	}
	if len(h.client.Requests()) != 1 {
		t.Errorf("requests = %d, want 1", len(h.client.Requests()))
	}
}

func TestMalformedToolCallGetsCorrection(t *testing.T) {
	h := newHarness(t, tools.NewCatalog(&tools.ReadFileTool{}),
		llm.ScriptStep{Err: &llm.Failure{
			Kind:    llm.FailureMalformedToolCall,
			Backend: "scripted",
			Message: "model emitted a tool call that could not be parsed",
			Raw:     `<function=read_file{"path": }</function>`,
		}},
		llm.Reply("Sorry, here is the answer."),
	)
	res, err := h.agent.ProcessUserInput(context.Background(), "read config.yaml", ProcessCallbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "Sorry, here is the answer." || res.Rounds != 2 {
		t.Errorf("result = %+v", res)
	}
	msgs := h.client.Requests()[1].Messages
	corrective := msgs[len(msgs)-1]
	if corrective.Role != session.RoleToolResult || corrective.ToolCallID != "" || !corrective.IsError {
		t.Errorf("corrective = %+v", corrective)
	}
	if raw := msgs[len(msgs)-2]; raw.Role != session.RoleAssistant || !strings.Contains(raw.Content, "<function=read_file") {
		t.Errorf("raw assistant = %+v", raw)
	}
}

func TestLoopBoundGivesUp(t *testing.T) {
	call := func(id string) session.ToolCall {
		return session.ToolCall{ID: id, Name: "list_directory", Args: map[string]interface{}{"path": t.TempDir()}}
	}
	h := newHarness(t, tools.NewCatalog(&tools.ListDirectoryTool{}),
		llm.Reply("", call("a")),
		llm.Reply("", call("b")),
		llm.Reply("", call("c")),
	)
	h.agent.cfg.Loop.MaxToolRounds = 2

	res, err := h.agent.ProcessUserInput(context.Background(), "list everything forever", ProcessCallbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.GaveUp || res.ToolRounds != 2 || len(h.client.Requests()) != 2 {
		t.Errorf("result = %+v, requests = %d", res, len(h.client.Requests()))
	}
	last := h.agent.Messages()[len(h.agent.Messages())-1]
	if last.Role != session.RoleAssistant || !strings.Contains(last.Content, "stopped after 2 rounds") {
		t.Errorf("last message = %+v", last)
	}
}

func TestInterruptRecordsCancelledTools(t *testing.T) {
	tool := &blockingTool{started: make(chan struct{})}
	h := newHarness(t, tools.NewCatalog(tool),
		llm.Reply("", session.ToolCall{ID: "w1", Name: "wait_forever"}),
		llm.Reply("unreachable"),
	)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-tool.started
		cancel()
	}()

	_, err := h.agent.ProcessUserInput(ctx, "run the long task", ProcessCallbacks{})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v", err)
	}
	msgs := h.agent.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != session.RoleToolResult || last.ToolCallID != "w1" || !strings.Contains(last.Content, "cancelled") {
		t.Errorf("last = %+v", last)
	}
	if len(h.client.Requests()) != 1 {
		t.Errorf("requests = %d", len(h.client.Requests()))
	}
}

func TestPromptModeDecline(t *testing.T) {
	h := newHarness(t, tools.NewCatalog(&tools.ReadFileTool{}),
		llm.Reply("", readCall("config.yaml")),
		llm.Reply("Okay, I will not read it."),
	)
	h.agent.Mode = ModePrompt
	var asked int
	_, err := h.agent.ProcessUserInput(context.Background(), "read config.yaml", ProcessCallbacks{
		ShouldExecuteTool: func(session.ToolCall) bool { asked++; return false },
	})
	if err != nil {
		t.Fatal(err)
	}
	if asked != 1 {
		t.Errorf("asked %d times", asked)
	}
	msgs := h.client.Requests()[1].Messages
	if result := msgs[len(msgs)-1]; !strings.Contains(result.Content, "declined") {
		t.Errorf("result = %+v", result)
	}
}

func TestContextExhaustedEndsTurn(t *testing.T) {
	h := newHarness(t, nil, llm.Reply("unreachable"))
	id := testIdentity()
	id.ContextLimit = 10
	h.agent.SwitchModel(h.client, id)

	_, err := h.agent.ProcessUserInput(context.Background(), strings.Repeat("please refactor this ", 20), ProcessCallbacks{})
	if !errors.Is(err, transcript.ErrContextExhausted) {
		t.Fatalf("err = %v", err)
	}
	if len(h.client.Requests()) != 0 {
		t.Error("no request should be sent when the context is exhausted")
	}
}

func TestTurnIsPersisted(t *testing.T) {
	h := newHarness(t, nil, llm.Reply("saved answer"))
	if _, err := h.agent.ProcessUserInput(context.Background(), "remember this", ProcessCallbacks{}); err != nil {
		t.Fatal(err)
	}
	loaded, err := session.Load(filepath.Join(h.dir, "sessions"), "test")
	if err != nil {
		t.Fatal(err)
	}
	if n := len(loaded.Messages); n != 3 || loaded.Messages[2].Content != "saved answer" {
		t.Errorf("persisted %d messages: %+v", n, loaded.Messages)
	}
	if loaded.Identity.Key() != "scripted/test-model" {
		t.Errorf("identity = %s", loaded.Identity.Key())
	}
}

func TestEmptyInputIsIdle(t *testing.T) {
	h := newHarness(t, nil)
	var states []State
	res, err := h.agent.ProcessUserInput(context.Background(), "   ", ProcessCallbacks{
		OnState: func(s State) { states = append(states, s) },
	})
	if err != nil || res.Rounds != 0 {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if len(states) != 3 || states[1] != StateIdle {
		t.Errorf("states = %v", states)
	}
}

func TestContextStatusLevels(t *testing.T) {
	tests := []struct {
		tokens int
		want   string
	}{
		{100, "ok"}, {700, "warning"}, {850, "critical"},
	}
	for _, tt := range tests {
		if got := (ContextStatus{Tokens: tt.tokens, Limit: 1000}).Level(); got != tt.want {
			t.Errorf("Level(%d) = %s, want %s", tt.tokens, got, tt.want)
		}
	}
}
