package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/iabuilder/errors"
)

// maxReadBytes caps what read_file hands back to the model.
const maxReadBytes = 256 * 1024

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		req := make([]interface{}, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	guard *Guard
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a text file."
}
func (t *ReadFileTool) Schema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path": prop("string", "Path of the file, relative to the project root."),
	}, "path")
}
func (t *ReadFileTool) ConcurrencySafe() bool { return true }

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path := stringArg(args, "path")
	if err := t.guard.CheckRead(path); err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	if len(content) > maxReadBytes {
		return string(content[:maxReadBytes]) + fmt.Sprintf("\n... [truncated, %d bytes total]", len(content)), nil
	}
	return string(content), nil
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	guard *Guard
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Parent directories are created."
}
func (t *WriteFileTool) Schema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path":    prop("string", "Path of the file to write."),
		"content": prop("string", "Full new content of the file."),
	}, "path", "content")
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path := stringArg(args, "path")
	content := stringArg(args, "content")
	if err := t.guard.CheckWrite(path); err != nil {
		return "", err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errors.Wrapf(err, "failed to create directory '%s'", dir)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// EditFileTool replaces one exact occurrence of a string in a file.
type EditFileTool struct {
	guard *Guard
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replaces an exact, unique snippet of a file with new text. Read the file first; old_text must match exactly once."
}
func (t *EditFileTool) Schema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path":     prop("string", "Path of the file to edit."),
		"old_text": prop("string", "Existing text to replace. Must occur exactly once."),
		"new_text": prop("string", "Replacement text."),
	}, "path", "old_text", "new_text")
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path := stringArg(args, "path")
	oldText := stringArg(args, "old_text")
	newText := stringArg(args, "new_text")
	if err := t.guard.CheckWrite(path); err != nil {
		return "", err
	}
	if oldText == "" {
		return "", errors.New("old_text must not be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	content := string(data)
	switch n := strings.Count(content, oldText); n {
	case 0:
		return "", errors.New("old_text not found in '%s'", path)
	case 1:
	default:
		return "", errors.New("old_text occurs %d times in '%s'; include more context to make it unique", n, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to stat '%s'", path)
	}
	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Edited %s (%+d bytes)", path, len(updated)-len(content)), nil
}

// ListDirectoryTool lists files, optionally filtered by a glob.
type ListDirectoryTool struct {
	guard *Guard
}

const maxListEntries = 500

var errListFull = errors.Sentinel("listing full")

func (t *ListDirectoryTool) Name() string { return "list_directory" }
func (t *ListDirectoryTool) Description() string {
	return "Lists entries of a directory. An optional glob pattern such as '**/*.go' searches recursively."
}
func (t *ListDirectoryTool) Schema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path":    prop("string", "Directory to list. Defaults to the project root."),
		"pattern": prop("string", "Optional doublestar glob relative to path."),
	})
}
func (t *ListDirectoryTool) ConcurrencySafe() bool { return true }

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	dir := stringArg(args, "path")
	if dir == "" {
		dir = "."
	}
	if err := t.guard.CheckRead(dir); err != nil {
		return "", err
	}
	pattern := stringArg(args, "pattern")
	if pattern == "" {
		pattern = "*"
	}
	if !doublestar.ValidatePattern(pattern) {
		return "", errors.New("invalid glob pattern '%s'", pattern)
	}

	var entries []string
	err := doublestar.GlobWalk(os.DirFS(dir), pattern, func(p string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		full := filepath.Join(dir, p)
		if t.guard.CheckRead(full) != nil {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			p += "/"
		}
		entries = append(entries, p)
		if len(entries) >= maxListEntries {
			return errListFull
		}
		return nil
	})
	if err != nil && !errors.Is(err, errListFull) {
		return "", errors.Wrapf(err, "failed to list '%s'", dir)
	}
	if len(entries) == 0 {
		return fmt.Sprintf("No entries in %s matching %s", dir, pattern), nil
	}
	sort.Strings(entries)
	out := strings.Join(entries, "\n")
	if len(entries) >= maxListEntries {
		out += fmt.Sprintf("\n... [listing stopped at %d entries]", maxListEntries)
	}
	return out, nil
}
