package agent

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/m4xw311/iabuilder/admission"
	"github.com/m4xw311/iabuilder/clock"
	"github.com/m4xw311/iabuilder/config"
	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/intent"
	"github.com/m4xw311/iabuilder/llm"
	"github.com/m4xw311/iabuilder/session"
	"github.com/m4xw311/iabuilder/tools"
	"github.com/m4xw311/iabuilder/transcript"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

// ParseMode validates a mode name from flags or config.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModePrompt:
		return Mode(s), nil
	}
	return "", errors.New("invalid mode '%s'. Must be 'auto' or 'prompt'", s)
}

type ToolVerbosity string

const (
	ToolVerbosityNone ToolVerbosity = "none"
	ToolVerbosityInfo ToolVerbosity = "info"
	ToolVerbosityAll  ToolVerbosity = "all"
)

// ParseVerbosity validates a tool verbosity name.
func ParseVerbosity(s string) (ToolVerbosity, error) {
	switch ToolVerbosity(s) {
	case ToolVerbosityNone, ToolVerbosityInfo, ToolVerbosityAll:
		return ToolVerbosity(s), nil
	}
	return "", errors.New("invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'", s)
}

const defaultSystemPrompt = `You are iabuilder, a coding assistant running in the user's terminal.
You can read and change files in the current project, run allowed commands,
and inspect git state and databases through the tools you are given.
Use a tool only when the request needs it, and answer conversational
messages directly. Keep answers short and reference the files you touched.`

// Options configures an Agent. Config, Session, Client and Catalog are
// required; everything else has a default.
type Options struct {
	Config   *config.Config
	Session  *session.Session
	Client   llm.LLMClient
	Identity session.ModelIdentity
	Catalog  *tools.Catalog

	Classifier intent.Classifier
	Admission  *admission.Controller
	Clock      clock.Clock
	Logger     *slog.Logger

	Mode      Mode
	Verbosity ToolVerbosity
}

// Agent owns one conversation: its transcript, the active model, and the
// components each turn goes through. Turns are serialized.
type Agent struct {
	cfg        *config.Config
	session    *session.Session
	client     llm.LLMClient
	identity   session.ModelIdentity
	transcript *transcript.Transcript
	compressor *transcript.Manager
	admission  *admission.Controller
	classifier intent.Classifier
	dispatcher *tools.Dispatcher
	clock      clock.Clock
	logger     *slog.Logger

	Mode      Mode
	Verbosity ToolVerbosity

	turn sync.Mutex
}

// New builds an agent. A resumed session's messages become the transcript
// and usage windows start empty.
func New(opts Options) (*Agent, error) {
	if opts.Config == nil || opts.Session == nil || opts.Client == nil {
		return nil, errors.New("agent needs a config, a session and a client")
	}
	if opts.Catalog == nil {
		opts.Catalog = tools.NewCatalog()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Classifier == nil {
		opts.Classifier = intent.NewPhraseGate()
	}
	if opts.Admission == nil {
		opts.Admission = admission.New(opts.Clock, opts.Logger)
	}
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.Verbosity == "" {
		opts.Verbosity = ToolVerbosityInfo
	}
	if opts.Identity.Model == "" {
		opts.Identity = opts.Session.Identity
	}

	cfg := opts.Config
	messages := opts.Session.Messages
	if len(messages) == 0 {
		prompt := cfg.SystemPrompt
		if prompt == "" {
			prompt = defaultSystemPrompt
		}
		messages = []session.Message{session.System(prompt)}
	}

	a := &Agent{
		cfg:        cfg,
		session:    opts.Session,
		client:     opts.Client,
		identity:   opts.Identity,
		transcript: transcript.New(messages...),
		compressor: transcript.NewManager(transcript.Options{
			HighWater:      cfg.Context.HighWater,
			RetainMessages: cfg.Context.RetainMessages,
			Logger:         opts.Logger,
		}),
		admission:  opts.Admission,
		classifier: opts.Classifier,
		dispatcher: tools.NewDispatcher(opts.Catalog, tools.DispatcherOptions{
			Timeout:     cfg.Loop.ToolTimeout,
			MaxParallel: cfg.Loop.MaxParallelTools,
			Logger:      opts.Logger,
		}),
		clock:     opts.Clock,
		logger:    opts.Logger,
		Mode:      opts.Mode,
		Verbosity: opts.Verbosity,
	}
	a.admission.Switch(a.identity)
	a.session.Identity = a.identity
	return a, nil
}

// Identity is the active model identity.
func (a *Agent) Identity() session.ModelIdentity {
	a.turn.Lock()
	defer a.turn.Unlock()
	return a.identity
}

func (a *Agent) Catalog() *tools.Catalog { return a.dispatcher.Catalog() }

func (a *Agent) Session() *session.Session { return a.session }

// Messages returns a copy of the transcript.
func (a *Agent) Messages() []session.Message { return a.transcript.Messages() }

// SwitchModel replaces the backend and identity together. The new
// identity's budget starts from an empty window.
func (a *Agent) SwitchModel(client llm.LLMClient, id session.ModelIdentity) {
	a.turn.Lock()
	defer a.turn.Unlock()
	a.client = client
	a.identity = id
	a.admission.Switch(id)
	a.session.Identity = id
	a.logger.Info("model switched", "model", id.Key(), "context_limit", id.ContextLimit)
}

// Compress forces a compression of the transcript.
func (a *Agent) Compress() (transcript.Result, error) {
	a.turn.Lock()
	defer a.turn.Unlock()
	return a.compressor.Compress(a.transcript, a.identity)
}

// Clear drops the conversation, keeping the system prompt.
func (a *Agent) Clear() {
	a.turn.Lock()
	defer a.turn.Unlock()
	a.transcript.Clear()
}

// Usage reports the active identity's rate budget use.
func (a *Agent) Usage() admission.Usage {
	a.turn.Lock()
	defer a.turn.Unlock()
	return a.admission.Status(a.identity)
}

// ContextStatus is the transcript estimate against the context limit.
type ContextStatus struct {
	Tokens int
	Limit  int
}

func (s ContextStatus) Percent() float64 {
	if s.Limit <= 0 {
		return 0
	}
	return float64(s.Tokens) * 100 / float64(s.Limit)
}

// Level is "critical" from 85%, "warning" from 70%, otherwise "ok".
func (s ContextStatus) Level() string {
	switch p := s.Percent(); {
	case p >= 85:
		return "critical"
	case p >= 70:
		return "warning"
	}
	return "ok"
}

func (s ContextStatus) String() string {
	return fmt.Sprintf("%d/%d tokens (%.0f%%)", s.Tokens, s.Limit, s.Percent())
}

func (a *Agent) Context() ContextStatus {
	a.turn.Lock()
	defer a.turn.Unlock()
	return ContextStatus{Tokens: a.compressor.EstimateTokens(a.transcript), Limit: a.identity.ContextLimit}
}

// Save writes the transcript and identity to the session file.
func (a *Agent) Save() error {
	a.turn.Lock()
	defer a.turn.Unlock()
	return a.save()
}

func (a *Agent) save() error {
	a.session.Messages = a.transcript.Messages()
	a.session.Identity = a.identity
	return a.session.Save()
}
