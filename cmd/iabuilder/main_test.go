package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/m4xw311/iabuilder/config"
	"github.com/m4xw311/iabuilder/session"
)

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"-m", "prompt", "-s", "work", "--tool-verbosity", "all", "explain", "main.go"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if o.mode != "prompt" || o.session != "work" || o.toolVerbosity != "all" {
		t.Errorf("options = %+v", o)
	}
	if o.prompt != "explain main.go" {
		t.Errorf("prompt = %q", o.prompt)
	}

	if _, err := parseFlags([]string{"-s", "a", "-r", "b"}, io.Discard); err == nil {
		t.Error("expected an error for --session with --resume")
	}
	if _, err := parseFlags([]string{"--help"}, io.Discard); err != pflag.ErrHelp {
		t.Errorf("--help err = %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn")
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "error", os.ErrNotExist)
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("log output = %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("colour codes written to a non-terminal")
	}

	if _, err := newLogger(&buf, "chatty"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestStartIdentity(t *testing.T) {
	cfg, err := config.LoadFiles()
	if err != nil {
		t.Fatal(err)
	}
	sess := &session.Session{}

	id, err := startIdentity(cfg, sess, "groq/llama-3.3-70b-versatile")
	if err != nil || id.Key() != "groq/llama-3.3-70b-versatile" || id.ContextLimit != 128_000 {
		t.Errorf("flag identity = %+v, %v", id, err)
	}
	if _, err := startIdentity(cfg, sess, "groq"); err == nil {
		t.Error("expected an error for a model without a backend")
	}

	id, _ = startIdentity(cfg, sess, "")
	if id.Key() != "mock/echo" {
		t.Errorf("default identity = %s", id)
	}

	sess.Identity = session.ModelIdentity{Backend: "anthropic", Model: "claude-haiku-4-5-20251001"}
	id, _ = startIdentity(cfg, sess, "")
	if id.Key() != "anthropic/claude-haiku-4-5-20251001" || id.ContextLimit != 200_000 {
		t.Errorf("resumed identity = %+v", id)
	}
}

func TestRunWithMockBackend(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)

	var out, errOut bytes.Buffer
	err := run(context.Background(), []string{"-s", "demo", "--log-level", "error"},
		strings.NewReader("hola\n/quit\n"), &out, &errOut)
	if err != nil {
		t.Fatalf("run: %v (stderr %s)", err, errOut.String())
	}
	if !strings.Contains(out.String(), "I am a mock model") {
		t.Errorf("output = %s", out.String())
	}

	path := filepath.Join(dir, session.DefaultDir, "demo.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("session not saved: %v", err)
	}
	sess, err := session.Load(session.DefaultDir, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Identity.Key() != "mock/echo" || len(sess.Messages) != 3 {
		t.Errorf("saved session = %s with %d messages", sess.Identity, len(sess.Messages))
	}

	out.Reset()
	err = run(context.Background(), []string{"-r", "demo", "--log-level", "error"},
		strings.NewReader("/quit\n"), &out, &errOut)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Resuming session: demo") {
		t.Errorf("output = %s", out.String())
	}
}
