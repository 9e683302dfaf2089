package session

import (
	"fmt"
	"time"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool-result"
)

// ToolCall is a model's request to invoke a tool. Only provider adapters
// create these, from what the backend returned.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Message is one entry in the conversation transcript. Messages are never
// edited after they are appended; compression replaces whole prefixes.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID correlates a tool-result with the assistant's ToolCall.
	// Empty on corrective results that answer no specific call.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName is the tool a tool-result message reports on.
	ToolName string `json:"tool_name,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
	// Digest is set only on compression records.
	Digest *Digest `json:"digest,omitempty"`
}

// Digest is the structured summary carried by a compression record.
type Digest struct {
	// Compressed is the number of original messages folded into the record,
	// including those folded by earlier compressions.
	Compressed     int            `json:"compressed"`
	UserRequests   []string       `json:"user_requests,omitempty"`
	FilesTouched   []string       `json:"files_touched,omitempty"`
	Decisions      []string       `json:"decisions,omitempty"`
	PendingResults []string       `json:"pending_results,omitempty"`
	ToolUsage      map[string]int `json:"tool_usage,omitempty"`
}

func System(text string) Message { return Message{Role: RoleSystem, Content: text} }

func User(text string) Message { return Message{Role: RoleUser, Content: text} }

func Assistant(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolResult builds the tool-result message answering call.
func ToolResult(call ToolCall, content string, isError bool) Message {
	return Message{
		Role:       RoleToolResult,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    isError,
	}
}

// IsCompressionRecord reports whether m replaced an older transcript prefix.
func (m Message) IsCompressionRecord() bool {
	return m.Role == RoleSystem && m.Digest != nil
}

// BudgetProfile is the admission budget for one model identity.
type BudgetProfile struct {
	Requests int           `json:"requests"`
	Tokens   int           `json:"tokens"`
	Window   time.Duration `json:"window"`
}

// Capabilities records how a model handles tools. The zero value is a
// model with native tool calling that may propose several calls at once.
type Capabilities struct {
	// NoTools marks models without tool calling; they never get a catalog.
	NoTools bool `json:"no_tools,omitempty"`
	// SerialTools marks models that should propose one call per reply.
	SerialTools bool `json:"serial_tools,omitempty"`
}

// ModelIdentity names a backend model together with the limits that apply
// to it. Switching models replaces the whole value.
type ModelIdentity struct {
	Backend      string        `json:"backend"`
	Model        string        `json:"model"`
	Budget       BudgetProfile `json:"budget"`
	ContextLimit int           `json:"context_limit"`
	Capabilities Capabilities  `json:"capabilities"`
}

// Key identifies the identity for per-model bookkeeping.
func (id ModelIdentity) Key() string {
	return fmt.Sprintf("%s/%s", id.Backend, id.Model)
}

func (id ModelIdentity) String() string { return id.Key() }
