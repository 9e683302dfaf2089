package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/m4xw311/iabuilder/agent"
	"github.com/m4xw311/iabuilder/agent/terminal"
	"github.com/m4xw311/iabuilder/config"
	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/llm"
	"github.com/m4xw311/iabuilder/session"
	"github.com/m4xw311/iabuilder/tools"
	"github.com/m4xw311/iabuilder/tools/mcp"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

type options struct {
	mode          string
	session       string
	toolset       string
	resume        string
	model         string
	toolVerbosity string
	logLevel      string
	prompt        string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	flagSet := pflag.NewFlagSet("iabuilder", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&o.mode, "mode", "m", "", "execution mode: 'auto' or 'prompt'")
	flagSet.StringVarP(&o.session, "session", "s", "", "session name to create")
	flagSet.StringVarP(&o.toolset, "toolset", "t", "", "toolset to use (defaults to 'default')")
	flagSet.StringVarP(&o.resume, "resume", "r", "", "resume a saved session by name")
	flagSet.StringVar(&o.model, "model", "", "backend/model to start with, e.g. groq/llama-3.3-70b-versatile")
	flagSet.StringVar(&o.toolVerbosity, "tool-verbosity", "", "tool verbosity: 'none', 'info', or 'all'")
	flagSet.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn or error")
	if err := flagSet.Parse(args); err != nil {
		return o, err
	}
	if o.session != "" && o.resume != "" {
		return o, errors.New("use either --session or --resume, not both")
	}
	o.prompt = strings.Join(flagSet.Args(), " ")
	return o, nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !term.IsTerminal(int(f.Fd()))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	})), nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return errors.Wrapf(err, "error loading configuration")
	}
	if opts.logLevel == "" {
		opts.logLevel = cfg.LogLevel
	}
	logger, err := newLogger(stderr, opts.logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	sess, err := openSession(opts)
	if err != nil {
		return err
	}
	if opts.resume != "" {
		fmt.Fprintf(stdout, "Resuming session: %s\n", sess.Name)
	} else {
		fmt.Fprintf(stdout, "Starting new session: %s\n", sess.Name)
	}

	if opts.mode == "" {
		opts.mode = cfg.Mode
	}
	mode, err := agent.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	if opts.toolVerbosity == "" {
		opts.toolVerbosity = cfg.ToolVerbosity
	}
	verbosity, err := agent.ParseVerbosity(opts.toolVerbosity)
	if err != nil {
		return err
	}

	identity, err := startIdentity(cfg, sess, opts.model)
	if err != nil {
		return err
	}
	client, err := llm.NewClient(ctx, cfg, identity.Backend)
	if err != nil {
		return errors.Wrapf(err, "error initializing %s client", identity.Backend)
	}

	registry := tools.NewRegistry(cfg)
	servers := mcp.StartAll(ctx, cfg.AdditionalMCPServers, registry, logger)
	defer func() {
		for _, s := range servers {
			if err := s.Stop(); err != nil {
				logger.Warn("stopping MCP server", "server", s.Name, "error", err)
			}
		}
	}()

	wd, err := os.Getwd()
	if err != nil {
		return errors.Wrapf(err, "could not get working directory")
	}
	if opts.toolset == "" {
		opts.toolset = "default"
	}
	toolset, err := cfg.GetToolset(opts.toolset)
	if err != nil {
		return err
	}
	catalog, err := registry.Catalog(toolset, tools.DetectProject(wd))
	if err != nil {
		return err
	}
	logger.Debug("tool catalog ready", "toolset", toolset.Name, "tools", catalog.Len())

	a, err := agent.New(agent.Options{
		Config:    cfg,
		Session:   sess,
		Client:    client,
		Identity:  identity,
		Catalog:   catalog,
		Logger:    logger,
		Mode:      mode,
		Verbosity: verbosity,
	})
	if err != nil {
		return errors.Wrapf(err, "error initializing agent")
	}

	fmt.Fprintf(stdout, "iabuilder is ready on %s. Type /help for commands.\n", identity)
	return terminal.New(a, cfg, stdin, stdout).TrapSignals().Run(ctx, opts.prompt)
}

func openSession(opts options) (*session.Session, error) {
	if opts.resume != "" {
		sess, err := session.Load(session.DefaultDir, opts.resume)
		if err != nil {
			return nil, errors.Wrapf(err, "error resuming session '%s'", opts.resume)
		}
		return sess, nil
	}
	name := opts.session
	if name == "" {
		name = defaultSessionName()
	}
	sess, err := session.New(session.DefaultDir, name)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating session '%s'", name)
	}
	return sess, nil
}

// startIdentity picks the model to start with: the flag, then the resumed
// session's model, then the configured default.
func startIdentity(cfg *config.Config, sess *session.Session, flagModel string) (session.ModelIdentity, error) {
	if flagModel != "" {
		backend, model, ok := strings.Cut(flagModel, "/")
		if !ok || backend == "" || model == "" {
			return session.ModelIdentity{}, errors.New("--model must be backend/model, got %q", flagModel)
		}
		return cfg.ResolveIdentity(backend, model), nil
	}
	if sess.Identity.Backend != "" {
		// Limits may have changed in config since the session was saved.
		return cfg.ResolveIdentity(sess.Identity.Backend, sess.Identity.Model), nil
	}
	return cfg.ResolveIdentity(cfg.LLMClient, cfg.Model), nil
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "iabuilder"
	}
	dirName := filepath.Base(wd)
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return fmt.Sprintf("%s_%s", dirName, timestamp)
}
