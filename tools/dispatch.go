package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/session"
	"golang.org/x/sync/errgroup"
)

// OutcomeKind classifies how a tool invocation ended.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	NotFound
	InvalidArguments
	ExecutionError
	Cancelled
	Declined
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case NotFound:
		return "not_found"
	case InvalidArguments:
		return "invalid_arguments"
	case ExecutionError:
		return "execution_error"
	case Cancelled:
		return "cancelled"
	case Declined:
		return "declined"
	}
	return "unknown"
}

// Outcome is the result of one tool invocation.
type Outcome struct {
	Call     session.ToolCall
	Kind     OutcomeKind
	Output   string
	Err      error
	Duration time.Duration
}

func (o Outcome) OK() bool { return o.Kind == Success }

// Content is the text reported back to the model.
func (o Outcome) Content() string {
	switch o.Kind {
	case Success:
		return o.Output
	case NotFound:
		return fmt.Sprintf("Error: tool '%s' does not exist. %s", o.Call.Name, errText(o.Err))
	case InvalidArguments:
		return fmt.Sprintf("Error: invalid arguments for '%s': %s", o.Call.Name, errText(o.Err))
	case Cancelled:
		return fmt.Sprintf("Tool '%s' was cancelled before it completed.", o.Call.Name)
	case Declined:
		return fmt.Sprintf("The user declined to run '%s'.", o.Call.Name)
	}
	msg := fmt.Sprintf("Error executing '%s': %s", o.Call.Name, errText(o.Err))
	if o.Output != "" {
		msg += "\n" + o.Output
	}
	return msg
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Message packages the outcome as the tool-result message for the transcript.
func (o Outcome) Message() session.Message {
	return session.ToolResult(o.Call, o.Content(), !o.OK())
}

// Approver decides whether a proposed call may run. It is called
// serially, in proposal order, before anything executes.
type Approver func(ctx context.Context, call session.ToolCall) bool

type DispatcherOptions struct {
	// Timeout bounds each call unless the tool declares its own.
	Timeout     time.Duration
	MaxParallel int
	Approve     Approver
	Logger      *slog.Logger
}

// Dispatcher validates and runs proposed tool calls against a catalog.
type Dispatcher struct {
	catalog  *Catalog
	timeout  time.Duration
	parallel int
	approve  Approver
	logger   *slog.Logger
}

func NewDispatcher(catalog *Catalog, opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parallel := opts.MaxParallel
	if parallel <= 0 {
		parallel = 1
	}
	return &Dispatcher{
		catalog:  catalog,
		timeout:  opts.Timeout,
		parallel: parallel,
		approve:  opts.Approve,
		logger:   logger,
	}
}

func (d *Dispatcher) Catalog() *Catalog { return d.catalog }

// SetApprover replaces the approval hook, nil approves everything.
func (d *Dispatcher) SetApprover(a Approver) { d.approve = a }

// SetMaxParallel bounds how many calls from one response run at once.
// Values below one mean one.
func (d *Dispatcher) SetMaxParallel(n int) {
	if n <= 0 {
		n = 1
	}
	d.parallel = n
}

// Execute runs a single call. It never returns an error; every failure is
// an Outcome.
func (d *Dispatcher) Execute(ctx context.Context, call session.ToolCall) Outcome {
	tool, args, out, ok := d.prepare(call)
	if !ok {
		return out
	}
	if d.approve != nil && !d.approve(ctx, call) {
		return Outcome{Call: call, Kind: Declined}
	}
	return d.run(ctx, call, tool, args)
}

// ExecuteAll runs every call proposed in one model response and returns
// their outcomes in proposal order. Concurrency-safe tools run in
// parallel; the rest run one after another in proposal order. It returns
// only when every call has finished.
func (d *Dispatcher) ExecuteAll(ctx context.Context, calls []session.ToolCall) []Outcome {
	outcomes := make([]Outcome, len(calls))
	type job struct {
		i    int
		tool Tool
		args map[string]interface{}
	}
	var parallel, serial []job

	for i, call := range calls {
		tool, args, out, ok := d.prepare(call)
		if !ok {
			outcomes[i] = out
			continue
		}
		if ctx.Err() != nil {
			outcomes[i] = Outcome{Call: call, Kind: Cancelled, Err: ctx.Err()}
			continue
		}
		if d.approve != nil && !d.approve(ctx, call) {
			outcomes[i] = Outcome{Call: call, Kind: Declined}
			continue
		}
		j := job{i: i, tool: tool, args: args}
		if concurrencySafe(tool) {
			parallel = append(parallel, j)
		} else {
			serial = append(serial, j)
		}
	}

	var g errgroup.Group
	g.SetLimit(d.parallel)
	if len(serial) > 0 {
		g.Go(func() error {
			for _, j := range serial {
				outcomes[j.i] = d.run(ctx, calls[j.i], j.tool, j.args)
			}
			return nil
		})
	}
	for _, j := range parallel {
		g.Go(func() error {
			outcomes[j.i] = d.run(ctx, calls[j.i], j.tool, j.args)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (d *Dispatcher) prepare(call session.ToolCall) (Tool, map[string]interface{}, Outcome, bool) {
	tool, ok := d.catalog.Lookup(call.Name)
	if !ok {
		d.logger.Warn("model called unknown tool", "tool", call.Name)
		return nil, nil, Outcome{Call: call, Kind: NotFound, Err: errors.Sentinel(d.suggest())}, false
	}
	args, err := ValidateArgs(tool.Schema(), call.Args)
	if err != nil {
		d.logger.Warn("tool arguments rejected", "tool", call.Name, "error", err)
		return nil, nil, Outcome{Call: call, Kind: InvalidArguments, Err: err}, false
	}
	return tool, args, Outcome{}, true
}

func (d *Dispatcher) suggest() string {
	if d.catalog.Len() == 0 {
		return "No tools are available."
	}
	names := make([]string, 0, d.catalog.Len())
	for _, t := range d.catalog.Tools() {
		names = append(names, t.Name())
	}
	sort.Strings(names)
	return "Available tools: " + strings.Join(names, ", ")
}

type execResult struct {
	output string
	err    error
}

func (d *Dispatcher) run(ctx context.Context, call session.ToolCall, tool Tool, args map[string]interface{}) Outcome {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Outcome{Call: call, Kind: Cancelled, Err: err}
	}

	timeout := d.timeout
	if t, ok := tool.(Timed); ok && t.Timeout() > 0 {
		timeout = t.Timeout()
	}
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	// The tool runs in its own goroutine so one that ignores its context
	// cannot hold up the round.
	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execResult{err: errors.New("tool panicked: %v", r)}
			}
		}()
		output, err := tool.Execute(callCtx, args)
		done <- execResult{output: output, err: err}
	}()

	var res execResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = execResult{err: callCtx.Err()}
	}
	out := Outcome{Call: call, Output: res.output, Err: res.err, Duration: time.Since(start)}

	switch {
	case ctx.Err() != nil:
		out.Kind = Cancelled
		out.Err = ctx.Err()
	case res.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		out.Kind = ExecutionError
		out.Err = errors.New("timed out after %s", timeout)
	case res.err != nil:
		out.Kind = ExecutionError
	default:
		out.Kind = Success
	}
	d.logger.Debug("tool finished", "tool", call.Name, "outcome", out.Kind, "duration", out.Duration)
	if out.Kind == ExecutionError {
		d.logger.Warn("tool failed", "tool", call.Name, "error", out.Err)
	}
	return out
}
