package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/m4xw311/iabuilder/agent"
	"github.com/m4xw311/iabuilder/config"
	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/llm"
	"github.com/m4xw311/iabuilder/session"
	"github.com/m4xw311/iabuilder/tools"
	"github.com/m4xw311/iabuilder/transcript"
)

// Connector opens a client for a backend family.
type Connector func(ctx context.Context, backend string) (llm.LLMClient, error)

type styles struct {
	prompt    lipgloss.Style
	assistant lipgloss.Style
	tool      lipgloss.Style
	warning   lipgloss.Style
	errorText lipgloss.Style
	muted     lipgloss.Style
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	return styles{
		prompt:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		assistant: r.NewStyle().Foreground(lipgloss.Color("10")),
		tool:      r.NewStyle().Foreground(lipgloss.Color("13")),
		warning:   r.NewStyle().Foreground(lipgloss.Color("11")),
		errorText: r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		muted:     r.NewStyle().Faint(true),
	}
}

// Terminal handles the terminal/CLI interaction mode for the agent
type Terminal struct {
	agent   *agent.Agent
	cfg     *config.Config
	connect Connector
	in      *bufio.Scanner
	out     io.Writer
	style   styles
	// interrupts turns on Ctrl-C when true.
	trapSignals bool
}

// New creates a Terminal reading commands from in and writing to out.
func New(a *agent.Agent, cfg *config.Config, in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		agent: a,
		cfg:   cfg,
		connect: func(ctx context.Context, backend string) (llm.LLMClient, error) {
			return llm.NewClient(ctx, cfg, backend)
		},
		in:    bufio.NewScanner(in),
		out:   out,
		style: newStyles(out),
	}
}

// WithConnector replaces how /model opens backends.
func (t *Terminal) WithConnector(c Connector) *Terminal {
	t.connect = c
	return t
}

// TrapSignals makes Ctrl-C cancel the running turn instead of the process.
func (t *Terminal) TrapSignals() *Terminal {
	t.trapSignals = true
	return t
}

// Run starts the interactive terminal session
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt != "" {
		t.processTurn(ctx, initialPrompt)
	}

	for {
		fmt.Fprint(t.out, t.style.prompt.Render("You: "))
		if !t.in.Scan() {
			// EOF or read error ends the session
			break
		}
		input := strings.TrimSpace(t.in.Text())
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			quit, err := t.command(ctx, input)
			if err != nil {
				t.printError(err)
			}
			if quit {
				break
			}
			continue
		}
		t.processTurn(ctx, input)
	}

	if err := t.agent.Save(); err != nil {
		t.printError(err)
	}
	return t.in.Err()
}

// processTurn handles a single user input turn
func (t *Terminal) processTurn(ctx context.Context, input string) {
	turnCtx, stop := ctx, context.CancelFunc(func() {})
	if t.trapSignals {
		turnCtx, stop = signal.NotifyContext(ctx, os.Interrupt)
	}
	defer stop()

	_, err := t.agent.ProcessUserInput(turnCtx, input, t.callbacks())
	switch {
	case err == nil:
	case errors.Is(err, agent.ErrInterrupted):
		t.println(t.style.warning, "Interrupted. Completed tool results were kept.")
	case errors.Is(err, transcript.ErrContextExhausted):
		t.printError(err)
		t.println(t.style.warning, "The conversation no longer fits this model. Use /clear to start over, "+
			"/compress to summarize older messages, or /model to switch to a larger-context model.")
	default:
		t.printError(err)
	}

	status := t.agent.Context()
	switch status.Level() {
	case "critical":
		t.println(t.style.errorText, fmt.Sprintf("Context %s. Older messages will be compressed soon.", status))
	case "warning":
		t.println(t.style.warning, fmt.Sprintf("Context %s.", status))
	}
}

func (t *Terminal) callbacks() agent.ProcessCallbacks {
	return agent.ProcessCallbacks{
		OnAssistantMessage: func(message string) {
			t.println(t.style.assistant, "iabuilder: "+message)
		},
		OnToolCall: func(call session.ToolCall) {
			switch t.agent.Verbosity {
			case agent.ToolVerbosityAll:
				t.println(t.style.tool, fmt.Sprintf("-> %s %v", call.Name, call.Args))
			case agent.ToolVerbosityInfo:
				t.println(t.style.tool, "-> "+call.Name)
			}
		},
		OnToolResult: func(o tools.Outcome) {
			switch {
			case t.agent.Verbosity == agent.ToolVerbosityAll:
				t.println(t.style.muted, fmt.Sprintf("<- %s (%s): %s", o.Call.Name, o.Kind, o.Content()))
			case t.agent.Verbosity == agent.ToolVerbosityInfo && !o.OK():
				t.println(t.style.warning, fmt.Sprintf("<- %s %s", o.Call.Name, o.Kind))
			}
		},
		ShouldExecuteTool: func(call session.ToolCall) bool {
			fmt.Fprintf(t.out, "Allow %s %v? (y/n): ", call.Name, call.Args)
			if !t.in.Scan() {
				return false
			}
			answer := strings.ToLower(strings.TrimSpace(t.in.Text()))
			return answer == "y" || answer == "yes" || answer == "s" || answer == "si"
		},
		OnWarning: func(w string) {
			t.println(t.style.warning, "Warning: "+w)
		},
		OnWait: func(delay time.Duration, reason string) {
			t.println(t.style.muted, fmt.Sprintf("Rate limit (%s): waiting %s...", reason, delay.Round(time.Second)))
		},
		OnCompressed: func(res transcript.Result) {
			t.println(t.style.muted, fmt.Sprintf("Compressed %d older messages (%d -> %d tokens).", res.Folded, res.Before, res.After))
		},
	}
}

const helpText = `Commands:
  /model [backend/model]  show or switch the model
  /tools                  list the tools offered to the model
  /compress               summarize older messages now
  /clear                  start a fresh conversation
  /usage                  show rate budget and context use
  /mode [auto|prompt]     show or set tool confirmation
  /verbosity [none|info|all]
  /save                   save the session
  /help                   show this help
  /quit                   leave`

// command runs a slash command. It reports whether the session should end.
func (t *Terminal) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(t.out, helpText)
	case "/model":
		return false, t.switchModel(ctx, args)
	case "/tools":
		t.listTools()
	case "/compress":
		res, err := t.agent.Compress()
		if err != nil {
			return false, err
		}
		if !res.Compressed {
			fmt.Fprintln(t.out, "Nothing to compress.")
			return false, nil
		}
		fmt.Fprintf(t.out, "Compressed %d messages: %d -> %d tokens.\n", res.Folded, res.Before, res.After)
	case "/clear":
		t.agent.Clear()
		fmt.Fprintln(t.out, "Conversation cleared.")
	case "/usage":
		u := t.agent.Usage()
		fmt.Fprintf(t.out, "Model %s\nRequests %d/%d, tokens %d/%d in the last %s (%.0f%%)\nContext %s\n",
			t.agent.Identity(), u.Requests, u.RequestBudget, u.Tokens, u.TokenBudget, u.Window, u.Percent(), t.agent.Context())
	case "/mode":
		if len(args) == 0 {
			fmt.Fprintf(t.out, "Mode: %s\n", t.agent.Mode)
			return false, nil
		}
		mode, err := agent.ParseMode(args[0])
		if err != nil {
			return false, err
		}
		t.agent.Mode = mode
		fmt.Fprintf(t.out, "Mode set to %s.\n", mode)
	case "/verbosity":
		if len(args) == 0 {
			fmt.Fprintf(t.out, "Tool verbosity: %s\n", t.agent.Verbosity)
			return false, nil
		}
		v, err := agent.ParseVerbosity(args[0])
		if err != nil {
			return false, err
		}
		t.agent.Verbosity = v
		fmt.Fprintf(t.out, "Tool verbosity set to %s.\n", v)
	case "/save":
		if err := t.agent.Save(); err != nil {
			return false, err
		}
		fmt.Fprintf(t.out, "Session saved to %s.\n", t.agent.Session().Path())
	default:
		return false, errors.New("unknown command %s, try /help", name)
	}
	return false, nil
}

func (t *Terminal) switchModel(ctx context.Context, args []string) error {
	if len(args) == 0 {
		id := t.agent.Identity()
		fmt.Fprintf(t.out, "Model %s (context %d tokens, %d requests and %d tokens per %s)\n",
			id, id.ContextLimit, id.Budget.Requests, id.Budget.Tokens, id.Budget.Window)
		fmt.Fprintf(t.out, "Backends: %s\n", strings.Join(llm.Backends(), ", "))
		return nil
	}
	backend, model, ok := strings.Cut(args[0], "/")
	if !ok || backend == "" || model == "" {
		return errors.New("usage: /model backend/model, e.g. /model groq/llama-3.3-70b-versatile")
	}
	client, err := t.connect(ctx, backend)
	if err != nil {
		return errors.Wrapf(err, "could not open backend %s", backend)
	}
	id := t.cfg.ResolveIdentity(backend, model)
	t.agent.SwitchModel(client, id)
	fmt.Fprintf(t.out, "Switched to %s.\n", id)
	if status := t.agent.Context(); status.Level() != "ok" {
		t.println(t.style.warning, fmt.Sprintf("Context is at %s for this model; consider /compress.", status))
	}
	return nil
}

func (t *Terminal) listTools() {
	list := t.agent.Catalog().Tools()
	if len(list) == 0 {
		fmt.Fprintln(t.out, "No tools are available.")
		return
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	for _, tool := range list {
		desc, _, _ := strings.Cut(tool.Description(), "\n")
		fmt.Fprintf(t.out, "  %-16s %s\n", tool.Name(), desc)
	}
}

func (t *Terminal) println(s lipgloss.Style, text string) {
	fmt.Fprintln(t.out, s.Render(text))
}

func (t *Terminal) printError(err error) {
	t.println(t.style.errorText, "Error: "+err.Error())
}
