package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/antoniostano/voxline/internal/memory"
	"github.com/google/uuid"
)

// Surface is where the conversation becomes visible to the user. Calls are
// best effort and never fail the caller.
type Surface interface {
	AddUserMessage(text string)
	AddAssistantMessage(text string)
	AddAssistantToolResponse(tool, callID, args string, result any)
	Warn(text string)
}

// Log is the persisted chat surface. Every entry is stored and fanned out
// to subscribers.
type Log struct {
	store     memory.Store
	sessionID string
	timeout   time.Duration
	// redact, when set, rewrites entry text before it is stored or shown.
	redact func(string) (string, bool)

	mu     sync.Mutex
	subs   map[int]chan memory.Entry
	nextID int
}

func NewLog(store memory.Store) *Log {
	return &Log{
		store:     store,
		sessionID: uuid.NewString(),
		timeout:   2 * time.Second,
		subs:      make(map[int]chan memory.Entry),
	}
}

// WithRedaction installs fn for every later entry and returns l.
func (l *Log) WithRedaction(fn func(string) (string, bool)) *Log {
	l.redact = fn
	return l
}

func (l *Log) SessionID() string { return l.sessionID }

func (l *Log) AddUserMessage(text string) {
	l.append(memory.Entry{Kind: memory.KindUser, Content: text})
}

func (l *Log) AddAssistantMessage(text string) {
	l.append(memory.Entry{Kind: memory.KindAssistant, Content: text})
}

func (l *Log) AddAssistantToolResponse(tool, callID, args string, result any) {
	l.append(memory.Entry{
		Kind:      memory.KindToolResponse,
		Content:   resultText(result),
		ToolName:  tool,
		CallID:    callID,
		Arguments: args,
	})
}

func (l *Log) Warn(text string) {
	logger.Warn("chat warning", "text", text)
	l.append(memory.Entry{Kind: memory.KindWarning, Content: text})
}

// History returns up to limit entries of this session, oldest first.
func (l *Log) History(ctx context.Context, limit int) ([]memory.Entry, error) {
	return l.store.Recent(ctx, l.sessionID, limit)
}

// Subscribe streams new entries until cancel is called. Slow subscribers
// miss entries rather than block the conversation.
func (l *Log) Subscribe(buffer int) (<-chan memory.Entry, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan memory.Entry, buffer)
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

func (l *Log) append(entry memory.Entry) {
	entry.SessionID = l.sessionID
	if l.redact != nil {
		var changed, argsChanged bool
		entry.Content, changed = l.redact(entry.Content)
		entry.Arguments, argsChanged = l.redact(entry.Arguments)
		if changed || argsChanged {
			logger.Debug("chat entry redacted", "kind", entry.Kind)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	saved, err := l.store.Append(ctx, entry)
	if err != nil {
		logger.Warn("persist chat entry failed", "kind", entry.Kind, "error", err)
		saved = entry
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- saved:
		default:
		}
	}
}

func resultText(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprint(result)
	}
	return string(b)
}
