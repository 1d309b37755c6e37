package memory

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("memory: entry not found")

type Kind string

const (
	KindUser         Kind = "user"
	KindAssistant    Kind = "assistant"
	KindToolResponse Kind = "tool_response"
	KindWarning      Kind = "warning"
)

// Entry is one line of the chat transcript.
type Entry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Arguments string    `json:"arguments,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists the chat transcript.
type Store interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	// Recent returns up to limit entries of a session, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Close() error
}
