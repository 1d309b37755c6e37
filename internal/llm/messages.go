package llm

import "github.com/antoniostano/voxline/internal/tools"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a fully assembled call. Arguments is the raw JSON text.
type ToolCall struct {
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is one chat completion request.
type Request struct {
	Model    string
	Messages []Message
	Tools    []tools.Tool
}

// Completion is a single assembled assistant response.
type Completion struct {
	ID                string
	Model             string
	Created           int64
	SystemFingerprint string
	Role              Role
	Content           string
	ToolCalls         []ToolCall
	Usage             *Usage
}

// Message converts the completion into a history entry.
func (c Completion) Message() Message {
	role := c.Role
	if role == "" {
		role = RoleAssistant
	}
	return Message{Role: role, Content: c.Content, ToolCalls: c.ToolCalls}
}
