package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/antoniostano/voxline/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ErrUnknownTool = errors.New("tools: unknown tool")

// Handler runs a tool. It calls finish with the result when done; it may do
// so after returning (e.g. once the user confirms).
type Handler func(ctx context.Context, args string, finish func(result any)) error

// Sync adapts a plain function into a Handler that finishes immediately.
func Sync(fn func(ctx context.Context, args string) (any, error)) Handler {
	return func(ctx context.Context, args string, finish func(any)) error {
		result, err := fn(ctx, args)
		if err != nil {
			return err
		}
		finish(result)
		return nil
	}
}

// Registry is the in-process tool catalog and executor.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	handlers map[string]Handler
	metrics  *observability.Metrics
}

func NewRegistry(metrics *observability.Metrics) *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		handlers: make(map[string]Handler),
		metrics:  metrics,
	}
}

// Register adds or replaces a tool. A nil handler finishes with no result.
func (r *Registry) Register(tool Tool, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
	if handler != nil {
		r.handlers[tool.Name] = handler
	} else {
		delete(r.handlers, tool.Name)
	}
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExecuteTool runs the registered handler. Handler panics are recovered and
// reported as errors.
func (r *Registry) ExecuteTool(ctx context.Context, args string, tool Tool, onFinish func(result any)) (err error) {
	ctx, span := tracer.Start(ctx, "execute tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", tool.Name))

	r.mu.RLock()
	handler, registered := r.handlers[tool.Name]
	_, known := r.tools[tool.Name]
	r.mu.RUnlock()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %q panicked: %v", tool.Name, rec)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn("tool execution failed", "tool", tool.Name, "args", args, "error", err)
		}
		if r.metrics != nil {
			r.metrics.ToolExecutions.WithLabelValues(tool.Name, outcome).Inc()
		}
	}()

	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownTool, tool.Name)
	}
	if !registered {
		if onFinish != nil {
			onFinish(nil)
		}
		return nil
	}

	finish := func(result any) {
		if onFinish != nil {
			onFinish(result)
		}
	}
	return handler(ctx, args, finish)
}
