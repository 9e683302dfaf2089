package transcript

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/m4xw311/iabuilder/session"
)

const (
	maxFiles       = 40
	maxDecisions   = 10
	maxPending     = 5
	maxRequests    = 3
	maxSnippetSize = 200
)

// pathArgs are the argument names that identify files a tool touched.
var pathArgs = []string{"path", "file_path", "file", "filename", "directory", "database"}

// decisionMarkers flag assistant statements worth keeping after their
// surrounding messages are folded away.
var decisionMarkers = []string{
	"completed", "finished", "done", "created", "modified", "changed", "updated",
	"fixed", "implemented", "decided", "will ",
	"completado", "terminado", "creado", "modificado", "actualizado", "corregido", "implementado",
}

// fold summarizes prefix into a digest, absorbing any compression records
// it contains so nothing they captured is lost.
func fold(prefix []session.Message) *session.Digest {
	d := &session.Digest{ToolUsage: map[string]int{}}
	// Tool results since the last assistant prose; the model has not yet
	// commented on these.
	var pending []string

	for _, m := range prefix {
		if m.IsCompressionRecord() {
			mergeDigest(d, m.Digest)
			continue
		}
		d.Compressed++

		switch m.Role {
		case session.RoleUser:
			if text := strings.TrimSpace(m.Content); text != "" {
				d.UserRequests = appendBounded(d.UserRequests, snippet(text), maxRequests)
			}
		case session.RoleAssistant:
			for _, c := range m.ToolCalls {
				d.ToolUsage[c.Name]++
				for _, key := range pathArgs {
					if p, ok := c.Args[key].(string); ok && p != "" {
						d.FilesTouched = appendUnique(d.FilesTouched, p, maxFiles)
					}
				}
			}
			if text := strings.TrimSpace(m.Content); text != "" {
				pending = nil
				if isDecision(text) {
					d.Decisions = appendBounded(d.Decisions, snippet(text), maxDecisions)
				}
			}
		case session.RoleToolResult:
			name := m.ToolName
			if name == "" {
				name = "tool"
			}
			status := "ok"
			if m.IsError {
				status = "error"
			}
			pending = append(pending, fmt.Sprintf("%s (%s): %s", name, status, snippet(m.Content)))
		}
	}
	for _, p := range pending {
		d.PendingResults = appendBounded(d.PendingResults, p, maxPending)
	}
	if len(d.ToolUsage) == 0 {
		d.ToolUsage = nil
	}
	return d
}

func mergeDigest(into, from *session.Digest) {
	into.Compressed += from.Compressed
	for _, f := range from.FilesTouched {
		into.FilesTouched = appendUnique(into.FilesTouched, f, maxFiles)
	}
	for _, s := range from.Decisions {
		into.Decisions = appendBounded(into.Decisions, s, maxDecisions)
	}
	for _, s := range from.UserRequests {
		into.UserRequests = appendBounded(into.UserRequests, s, maxRequests)
	}
	for _, s := range from.PendingResults {
		into.PendingResults = appendBounded(into.PendingResults, s, maxPending)
	}
	for name, n := range from.ToolUsage {
		into.ToolUsage[name] += n
	}
}

// render produces the text the model reads in place of the folded messages.
func render(d *session.Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CONTEXT COMPRESSED: %d earlier messages were summarized to save space.\n", d.Compressed)
	if len(d.UserRequests) > 0 {
		b.WriteString("\nEarlier user requests:\n")
		for _, r := range d.UserRequests {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(d.FilesTouched) > 0 {
		fmt.Fprintf(&b, "\nFiles touched: %s\n", strings.Join(d.FilesTouched, ", "))
	}
	if len(d.Decisions) > 0 {
		b.WriteString("\nDecisions and completed work:\n")
		for _, s := range d.Decisions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(d.PendingResults) > 0 {
		b.WriteString("\nTool results not yet discussed:\n")
		for _, s := range d.PendingResults {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(d.ToolUsage) > 0 {
		names := make([]string, 0, len(d.ToolUsage))
		for name := range d.ToolUsage {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = fmt.Sprintf("%s x%d", name, d.ToolUsage[name])
		}
		fmt.Fprintf(&b, "\nTool usage: %s\n", strings.Join(parts, ", "))
	}
	b.WriteString("\nContinue from the recent messages below.")
	return b.String()
}

// record builds the compression record message for a digest.
func record(d *session.Digest) session.Message {
	return session.Message{Role: session.RoleSystem, Content: render(d), Digest: d}
}

func isDecision(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range decisionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxSnippetSize {
		return s
	}
	return s[:runeBoundary(s, maxSnippetSize)] + "..."
}

// runeBoundary returns the largest cut at or below n that does not split a
// UTF-8 sequence.
func runeBoundary(s string, n int) int {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

// appendBounded appends s, keeping only the newest max entries.
func appendBounded(list []string, s string, max int) []string {
	list = append(list, s)
	if len(list) > max {
		list = append([]string(nil), list[len(list)-max:]...)
	}
	return list
}

// appendUnique appends s unless present, keeping the newest max entries.
func appendUnique(list []string, s string, max int) []string {
	for i, existing := range list {
		if existing == s {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return appendBounded(list, s, max)
}
