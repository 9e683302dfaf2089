// Package admission enforces per-model request and token budgets over a
// sliding time window before each backend call.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/m4xw311/iabuilder/clock"
	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/session"
)

// Outcome is the result of Authorize. When Proceed is false the caller must
// not call the backend before WaitUntil.
type Outcome struct {
	Proceed   bool
	WaitUntil time.Time
	// Reason names the exhausted budget, "requests" or "tokens".
	Reason string
}

type event struct {
	at     time.Time
	tokens int
	// pending marks a reservation made by Authorize that Record has not
	// yet reconciled.
	pending bool
}

// usageWindow is the event log for one model identity.
type usageWindow struct {
	budget session.BudgetProfile
	events []event
}

// Controller tracks usage for every model identity it has seen. All state
// is guarded by one mutex, so it is safe to share.
type Controller struct {
	mu      sync.Mutex
	clock   clock.Clock
	logger  *slog.Logger
	windows map[string]*usageWindow
}

// New creates a Controller. A nil clock uses real time and a nil logger uses
// slog.Default.
func New(clk clock.Clock, logger *slog.Logger) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{clock: clk, logger: logger, windows: map[string]*usageWindow{}}
}

// Authorize decides whether a call estimated at the given number of tokens
// may go out now. On Proceed the call is reserved in the window; Record
// later replaces the estimate with the real figure.
//
// An empty window always admits, even a request larger than the token
// budget, since waiting could never make it fit.
func (c *Controller) Authorize(id session.ModelIdentity, estimated int) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	w := c.windowFor(id)
	w.prune(now)

	if waitUntil, reason, ok := w.admit(estimated); !ok {
		c.logger.Debug("admission deferred",
			"model", id.Key(), "reason", reason, "until", waitUntil, "estimated_tokens", estimated)
		return Outcome{WaitUntil: waitUntil, Reason: reason}
	}
	w.events = append(w.events, event{at: now, tokens: estimated, pending: true})
	return Outcome{Proceed: true}
}

// Record reconciles the most recent reservation for id with the tokens the
// call actually used. Without an outstanding reservation the call is logged
// as a new event.
func (c *Controller) Record(id session.ModelIdentity, actual int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.windowFor(id)
	for i := len(w.events) - 1; i >= 0; i-- {
		if w.events[i].pending {
			w.events[i].tokens = actual
			w.events[i].pending = false
			return
		}
	}
	w.events = append(w.events, event{at: c.clock.Now(), tokens: actual})
}

// Wait blocks until Authorize returns Proceed or ctx is done. It returns
// the total time spent waiting.
func (c *Controller) Wait(ctx context.Context, id session.ModelIdentity, estimated int) (time.Duration, error) {
	var waited time.Duration
	for {
		out := c.Authorize(id, estimated)
		if out.Proceed {
			return waited, nil
		}
		delay := out.WaitUntil.Sub(c.clock.Now())
		c.logger.Info("waiting for rate budget", "model", id.Key(), "reason", out.Reason, "delay", delay)
		select {
		case <-ctx.Done():
			return waited, errors.Wrapf(ctx.Err(), "admission wait interrupted")
		case <-c.clock.After(delay):
			waited += delay
		}
	}
}

// Switch makes id the only tracked identity. Its window starts empty: no
// budget is carried over from, or charged for, earlier identities.
func (c *Controller) Switch(id session.ModelIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows = map[string]*usageWindow{
		id.Key(): {budget: id.Budget},
	}
}

// Reset forgets all usage.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows = map[string]*usageWindow{}
}

// Usage summarizes the current window for an identity.
type Usage struct {
	Requests      int
	Tokens        int
	RequestBudget int
	TokenBudget   int
	Window        time.Duration
}

// Percent reports the larger of request and token utilization, 0 to 100.
func (u Usage) Percent() float64 {
	var p float64
	if u.RequestBudget > 0 {
		p = float64(u.Requests) / float64(u.RequestBudget) * 100
	}
	if u.TokenBudget > 0 {
		if t := float64(u.Tokens) / float64(u.TokenBudget) * 100; t > p {
			p = t
		}
	}
	return p
}

// Status reports usage inside the current window for id.
func (c *Controller) Status(id session.ModelIdentity) Usage {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.windowFor(id)
	w.prune(c.clock.Now())
	requests, tokens := w.totals()
	return Usage{
		Requests:      requests,
		Tokens:        tokens,
		RequestBudget: w.budget.Requests,
		TokenBudget:   w.budget.Tokens,
		Window:        w.budget.Window,
	}
}

// windowFor returns the window for id, creating it on first use. A changed
// budget for a known identity replaces the old one.
func (c *Controller) windowFor(id session.ModelIdentity) *usageWindow {
	w, ok := c.windows[id.Key()]
	if !ok {
		w = &usageWindow{budget: id.Budget}
		c.windows[id.Key()] = w
	}
	if w.budget != id.Budget {
		c.logger.Debug("budget profile changed", "model", id.Key(), "budget", id.Budget)
		w.budget = id.Budget
	}
	return w
}

// prune drops events that are not strictly newer than now - window.
func (w *usageWindow) prune(now time.Time) {
	cutoff := now.Add(-w.budget.Window)
	keep := 0
	for keep < len(w.events) && !w.events[keep].at.After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.events = append(w.events[:0], w.events[keep:]...)
	}
}

func (w *usageWindow) totals() (requests, tokens int) {
	for _, e := range w.events {
		tokens += e.tokens
	}
	return len(w.events), tokens
}

// admit checks whether one more request of estimated tokens fits. When it
// does not, it finds the fewest oldest events whose expiry makes room and
// returns the instant the last of them leaves the window.
func (w *usageWindow) admit(estimated int) (time.Time, string, bool) {
	if len(w.events) == 0 {
		return time.Time{}, "", true
	}
	requests, tokens := w.totals()
	fits := func(r, t int) bool {
		reqOK := w.budget.Requests <= 0 || r+1 <= w.budget.Requests
		tokOK := w.budget.Tokens <= 0 || t+estimated <= w.budget.Tokens
		return reqOK && tokOK
	}
	if fits(requests, tokens) {
		return time.Time{}, "", true
	}

	reason := "tokens"
	if w.budget.Requests > 0 && requests+1 > w.budget.Requests {
		reason = "requests"
	}
	for k, e := range w.events {
		requests--
		tokens -= e.tokens
		if k == len(w.events)-1 || fits(requests, tokens) {
			return e.at.Add(w.budget.Window), reason, false
		}
	}
	// Unreachable: the loop always returns on its last event.
	return w.events[len(w.events)-1].at.Add(w.budget.Window), reason, false
}
