package llm

import (
	"fmt"
	"strings"

	"github.com/m4xw311/iabuilder/session"
)

// maxShimResult bounds how much of a tool result is inlined as plain text.
const maxShimResult = 2000

// shimToolResult renders a tool-result as user-visible text, for backends
// or models without a structured tool-result role and for corrective
// results that answer no specific call.
func shimToolResult(m session.Message) string {
	name := m.ToolName
	if name == "" {
		name = "tool"
	}
	label := "Result of"
	if m.IsError {
		label = "Error from"
	}
	return fmt.Sprintf("[%s %s]:\n%s", label, name, truncate(m.Content, maxShimResult))
}

// shimAssistant renders an assistant message's tool calls inline so the
// model still sees what it asked for.
func shimAssistant(m session.Message) string {
	if len(m.ToolCalls) == 0 {
		return m.Content
	}
	var b strings.Builder
	b.WriteString(m.Content)
	for _, c := range m.ToolCalls {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "(tool used: %s(%s))", c.Name, mustJSON(c.Args))
	}
	return b.String()
}

// needsShim reports whether a tool-result must be sent as text.
func needsShim(m session.Message, textToolResults bool) bool {
	return m.Role == session.RoleToolResult && (textToolResults || m.ToolCallID == "")
}
