package llm

import "github.com/m4xw311/iabuilder/session"

func toolResultMsg(name, content string, isErr bool) session.Message {
	return session.Message{Role: session.RoleToolResult, ToolName: name, Content: content, IsError: isErr}
}

func sampleSpecs() []ToolSpec {
	return []ToolSpec{{
		Name:        "read_file",
		Description: "Read a file",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "file path"},
			},
			"required": []string{"path"},
		},
	}}
}

// conversation is a transcript exercising every role and a tool round.
func conversation() []session.Message {
	call := session.ToolCall{ID: "call_1", Name: "read_file", Args: map[string]interface{}{"path": "config.yaml"}}
	return []session.Message{
		session.System("be brief"),
		session.User("read config.yaml"),
		session.Assistant("", call),
		session.ToolResult(call, "key: value", false),
		{Role: session.RoleToolResult, Content: "could not parse your last tool call"},
	}
}
