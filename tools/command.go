package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/m4xw311/iabuilder/errors"
)

// maxCommandOutput caps the combined output returned from a command.
const maxCommandOutput = 64 * 1024

// ExecuteCommandTool implements the tool for running OS commands.
type ExecuteCommandTool struct {
	allowed []string
	rules   []commandRule
}

func NewExecuteCommandTool(allowed []string) *ExecuteCommandTool {
	return &ExecuteCommandTool{allowed: allowed, rules: compileAllowlist(allowed)}
}

func (t *ExecuteCommandTool) Name() string { return "execute_command" }
func (t *ExecuteCommandTool) Description() string {
	if len(t.allowed) == 0 {
		return "Executes a command. No commands are currently allowed."
	}
	var b strings.Builder
	b.WriteString("Executes a command without a shell. Allowed command patterns (regular expressions):\n")
	for _, cmd := range t.allowed {
		fmt.Fprintf(&b, "- %s\n", cmd)
	}
	return b.String()
}
func (t *ExecuteCommandTool) Schema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"command": prop("string", "The full command line, e.g. 'go test ./...'."),
	}, "command")
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command := strings.TrimSpace(stringArg(args, "command"))
	if !isCommandAllowed(command, t.rules) {
		return "", errors.New("command '%s' is not in the list of allowed commands", command)
	}
	parts := strings.Fields(command)
	output, err := runCommand(ctx, "", parts[0], parts[1:]...)
	if err != nil {
		return "", errors.Wrapf(err, "command execution failed. Output:\n%s", output)
	}
	return fmt.Sprintf("Command executed successfully. Output:\n%s", output), nil
}

func runCommand(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	text := out.String()
	if len(text) > maxCommandOutput {
		text = text[:maxCommandOutput] + "\n... [output truncated]"
	}
	return text, err
}

// gitTool runs a fixed git subcommand. It is only exposed in git projects.
type gitTool struct {
	dir string
}

func (gitTool) Tags() []string        { return []string{TagGit} }
func (gitTool) ConcurrencySafe() bool { return true }

func (g gitTool) git(ctx context.Context, args ...string) (string, error) {
	out, err := runCommand(ctx, g.dir, "git", args...)
	if err != nil {
		return "", errors.Wrapf(err, "git %s failed:\n%s", args[0], out)
	}
	if strings.TrimSpace(out) == "" {
		return "(no output)", nil
	}
	return out, nil
}

// GitStatusTool reports the working tree status.
type GitStatusTool struct{ gitTool }

func (t *GitStatusTool) Name() string        { return "git_status" }
func (t *GitStatusTool) Description() string { return "Shows the git working tree status." }
func (t *GitStatusTool) Schema() map[string]interface{} {
	return objectSchema(map[string]interface{}{})
}

func (t *GitStatusTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	return t.git(ctx, "status", "--short", "--branch")
}

// GitDiffTool shows unstaged or staged changes.
type GitDiffTool struct{ gitTool }

func (t *GitDiffTool) Name() string { return "git_diff" }
func (t *GitDiffTool) Description() string {
	return "Shows changes in the working tree, or staged changes when staged is true."
}
func (t *GitDiffTool) Schema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path":   prop("string", "Optional path to limit the diff to."),
		"staged": prop("boolean", "Show staged changes instead."),
	})
}

func (t *GitDiffTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	cmd := []string{"diff"}
	if boolArg(args, "staged") {
		cmd = append(cmd, "--cached")
	}
	if path := stringArg(args, "path"); path != "" {
		cmd = append(cmd, "--", path)
	}
	return t.git(ctx, cmd...)
}

// GitLogTool lists recent commits.
type GitLogTool struct{ gitTool }

func (t *GitLogTool) Name() string        { return "git_log" }
func (t *GitLogTool) Description() string { return "Lists recent commits, newest first." }
func (t *GitLogTool) Schema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"limit": prop("integer", "Number of commits to show (default 10, max 100)."),
	})
}

func (t *GitLogTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	n := intArg(args, "limit", 10)
	if n <= 0 {
		n = 10
	}
	if n > 100 {
		n = 100
	}
	return t.git(ctx, "log", "--oneline", "--decorate", fmt.Sprintf("-n%d", n))
}
