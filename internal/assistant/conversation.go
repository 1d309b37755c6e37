package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/voxline/internal/assembler"
	"github.com/antoniostano/voxline/internal/chat"
	"github.com/antoniostano/voxline/internal/llm"
	"github.com/antoniostano/voxline/internal/observability"
	"github.com/antoniostano/voxline/internal/reliability"
	"github.com/antoniostano/voxline/internal/settings"
	"github.com/antoniostano/voxline/internal/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultMaxHistory = 40
	retryBackoff      = 300 * time.Millisecond
	awaitingConfirm   = "awaiting user confirmation"
)

type Options struct {
	// Model returns the model for the next turn, usually Selector.Active.
	Model    func() any
	Settings settings.Source
	Catalog  tools.Catalog
	Executor tools.Executor
	Chat     chat.Surface
	// Context receives partial and final tool arguments.
	Context   *assembler.ContextRegistry
	Assembler *assembler.Assembler
	Observer  observability.Observer
	// MaxHistory bounds the kept messages, system prompt excluded.
	MaxHistory int
	// Retries is how many times a retryable request failure is repeated.
	Retries int
}

// Conversation drives request/response turns: it keeps the message
// history, asks the active model for a completion and runs the resulting
// tool calls.
type Conversation struct {
	opts Options

	turn sync.Mutex

	mu      sync.Mutex
	history []llm.Message
	// Manual-confirm calls whose result has not arrived yet.
	pending map[string]string
}

func New(opts Options) *Conversation {
	if opts.Observer == nil {
		opts.Observer = observability.Nop{}
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = defaultMaxHistory
	}
	if opts.Assembler == nil {
		opts.Assembler = assembler.New(opts.Context, nil)
	}
	return &Conversation{opts: opts, pending: make(map[string]string)}
}

// HandleTranscript runs a turn for recognised speech. Failures are logged
// and surfaced as chat warnings.
func (c *Conversation) HandleTranscript(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		logger.Debug("empty transcript, skipping turn")
		return
	}
	if _, err := c.Send(ctx, text); err != nil {
		logger.Warn("conversation turn failed", "error", err)
	}
}

// Send runs one user turn. Turns are serialized.
func (c *Conversation) Send(ctx context.Context, text string) (llm.Completion, error) {
	c.turn.Lock()
	defer c.turn.Unlock()

	ctx, span := tracer.Start(ctx, "conversation turn")
	defer span.End()

	s, err := c.opts.Settings.Current(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return llm.Completion{}, fmt.Errorf("load settings: %w", err)
	}
	model := c.model()
	if model == nil {
		c.warn("No assistant model available")
		return llm.Completion{}, ErrNoModel
	}
	_, live := model.(LiveModel)
	span.SetAttributes(
		attribute.Bool("conversation.edit_mode", s.EditMode),
		attribute.Bool("conversation.realtime", live),
	)

	if c.opts.Chat != nil {
		c.opts.Chat.AddUserMessage(text)
	}
	c.mu.Lock()
	c.closePendingLocked()
	c.appendLocked(llm.Message{Role: llm.RoleUser, Content: text})
	req := llm.Request{Messages: c.messagesLocked(s.Prompt), Tools: VisibleTools(s, c.opts.Catalog)}
	c.mu.Unlock()

	start := time.Now()
	completion, err := c.complete(ctx, model, req, s.EditMode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.warn("Assistant request failed: " + err.Error())
		return llm.Completion{}, err
	}
	if !live {
		c.opts.Observer.LogLLMLatency(time.Since(start))
	}
	if est, ok := model.(llm.CostEstimator); ok && completion.Usage != nil {
		c.opts.Observer.LogLLMCost(est.EstimateCost(completion.Model, *completion.Usage))
	}
	span.SetAttributes(attribute.Int("response.tool_calls", len(completion.ToolCalls)))

	assembler.FinalizeContext(completion, c.opts.Context)

	c.mu.Lock()
	c.appendLocked(completion.Message())
	c.mu.Unlock()

	if len(completion.ToolCalls) == 0 && completion.Content != "" && c.opts.Chat != nil {
		c.opts.Chat.AddAssistantMessage(completion.Content)
	}
	for _, call := range completion.ToolCalls {
		c.runToolCall(ctx, call)
	}
	return completion, nil
}

// History returns a copy of the kept messages.
func (c *Conversation) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Message(nil), c.history...)
}

// Reset forgets the conversation.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
	c.pending = make(map[string]string)
}

func (c *Conversation) model() any {
	if c.opts.Model == nil {
		return nil
	}
	return c.opts.Model()
}

func (c *Conversation) complete(ctx context.Context, model any, req llm.Request, editMode bool) (llm.Completion, error) {
	var err error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, retryBackoff, 4*retryBackoff)
			logger.Info("retrying completion", "attempt", attempt, "backoff", wait, "error", err)
			select {
			case <-ctx.Done():
				return llm.Completion{}, ctx.Err()
			case <-time.After(wait):
			}
		}
		var completion llm.Completion
		completion, err = c.completeOnce(ctx, model, req, editMode)
		if err == nil {
			return completion, nil
		}
		if !retryable(err) {
			break
		}
	}
	return llm.Completion{}, err
}

func (c *Conversation) completeOnce(ctx context.Context, model any, req llm.Request, editMode bool) (llm.Completion, error) {
	if streams(model) {
		stream, err := model.(llm.StreamingChatCompleter).Stream(ctx, req)
		if err != nil {
			return llm.Completion{}, fmt.Errorf("open stream: %w", err)
		}
		return c.opts.Assembler.Assemble(ctx, stream, assembler.Options{EditMode: editMode})
	}
	if cc, ok := model.(llm.ChatCompleter); ok {
		completion, err := cc.Complete(ctx, req)
		if err != nil {
			return llm.Completion{}, err
		}
		return assembler.Normalize(completion, editMode), nil
	}
	return llm.Completion{}, fmt.Errorf("%w: %T cannot complete chats", ErrNoModel, model)
}

func retryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

// runToolCall surfaces answers and runs every other call. Calls that do not
// wait for the user are confirmed with "success" right away.
func (c *Conversation) runToolCall(ctx context.Context, call llm.ToolCall) {
	if call.Name == tools.AnswerQuestion {
		var args tools.AnswerQuestionArgs
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			logger.Warn("malformed answer arguments", "args", call.Arguments, "error", err)
			args.Text = call.Arguments
		}
		if c.opts.Chat != nil {
			c.opts.Chat.AddAssistantMessage(args.Text)
		}
		c.addToolMessage(call.ID, "success")
		return
	}

	var (
		tool tools.Tool
		ok   bool
	)
	if c.opts.Catalog != nil {
		tool, ok = c.opts.Catalog.Lookup(call.Name)
	}
	if !ok || c.opts.Executor == nil {
		logger.Warn("model called unknown tool", "tool", call.Name, "args", call.Arguments)
		c.addToolMessage(call.ID, "error: unknown tool "+call.Name)
		return
	}

	if tool.ManualConfirm {
		c.mu.Lock()
		c.pending[call.ID] = tool.Name
		c.mu.Unlock()
	} else {
		c.addToolMessage(call.ID, "success")
	}

	onFinish := func(result any) {
		if c.opts.Chat != nil {
			c.opts.Chat.AddAssistantToolResponse(tool.Name, call.ID, call.Arguments, result)
		}
		if tool.ManualConfirm {
			c.finishPending(call.ID, tool.Name, result)
		}
	}
	if err := runTool(ctx, c.opts.Executor, call, tool, onFinish); err != nil {
		logger.Warn("tool execution failed", "tool", tool.Name, "args", call.Arguments, "error", err)
	}
}

func runTool(ctx context.Context, exec tools.Executor, call llm.ToolCall, tool tools.Tool, onFinish func(any)) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %q panicked: %v", call.Name, rec)
		}
	}()
	return exec.ExecuteTool(ctx, call.Arguments, tool, onFinish)
}

func (c *Conversation) addToolMessage(callID, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLocked(llm.Message{Role: llm.RoleTool, ToolCallID: callID, Content: content})
}

// finishPending records a confirmed result. When a later turn already
// closed the call, the result is noted for the model instead.
func (c *Conversation) finishPending(callID, name string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[callID]; ok {
		delete(c.pending, callID)
		c.appendLocked(llm.Message{Role: llm.RoleTool, ToolCallID: callID, Content: resultText(result)})
		return
	}
	c.appendLocked(llm.Message{
		Role:    llm.RoleSystem,
		Content: fmt.Sprintf("The %s call %s finished with: %s", name, callID, resultText(result)),
	})
}

// closePendingLocked answers unconfirmed calls so the next request carries
// a reply for every tool call.
func (c *Conversation) closePendingLocked() {
	if len(c.pending) == 0 {
		return
	}
	var open []string
	for _, m := range c.history {
		for _, call := range m.ToolCalls {
			if _, ok := c.pending[call.ID]; ok {
				open = append(open, call.ID)
			}
		}
	}
	clear(c.pending)
	for _, id := range open {
		c.appendLocked(llm.Message{Role: llm.RoleTool, ToolCallID: id, Content: awaitingConfirm})
	}
}

func (c *Conversation) appendLocked(m llm.Message) {
	c.history = append(c.history, m)
	if len(c.history) <= c.opts.MaxHistory {
		return
	}
	// Drop whole turns so tool replies never lose their call.
	cut := len(c.history) - c.opts.MaxHistory
	for cut < len(c.history) && c.history[cut].Role != llm.RoleUser {
		cut++
	}
	if cut >= len(c.history) {
		return
	}
	c.history = append([]llm.Message(nil), c.history[cut:]...)
}

func (c *Conversation) messagesLocked(prompt string) []llm.Message {
	out := make([]llm.Message, 0, len(c.history)+1)
	if prompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: prompt})
	}
	return append(out, c.history...)
}

func (c *Conversation) warn(text string) {
	if c.opts.Chat != nil {
		c.opts.Chat.Warn(text)
	}
}

func resultText(result any) string {
	switch v := result.(type) {
	case nil:
		return "success"
	case string:
		return v
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprint(result)
	}
	return string(b)
}
