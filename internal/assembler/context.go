package assembler

import (
	"fmt"
	"sync"
)

// ContextUpdate carries the best-effort parsed arguments of a tool call.
// Final is set once, after the response has fully arrived.
type ContextUpdate struct {
	Fields map[string]any
	Final  bool
}

// ContextRegistry routes argument updates to the listener registered for a
// tool name. One registry is shared by the assembler and the tools.
type ContextRegistry struct {
	mu        sync.RWMutex
	listeners map[string]func(ContextUpdate)
}

func NewContextRegistry() *ContextRegistry {
	return &ContextRegistry{listeners: make(map[string]func(ContextUpdate))}
}

// Register replaces any listener already registered for tool.
func (r *ContextRegistry) Register(tool string, fn func(ContextUpdate)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[tool] = fn
}

func (r *ContextRegistry) Unregister(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, tool)
}

// Notify delivers u to the listener for tool and reports whether one ran.
// A panicking listener is logged.
func (r *ContextRegistry) Notify(tool string, u ContextUpdate) (delivered bool) {
	if r == nil {
		return false
	}
	r.mu.RLock()
	fn := r.listeners[tool]
	r.mu.RUnlock()
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Warn("context listener panicked", "tool", tool, "panic", fmt.Sprint(rec))
		}
	}()
	fn(u)
	return true
}
