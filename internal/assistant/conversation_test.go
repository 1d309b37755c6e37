package assistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/voxline/internal/assembler"
	"github.com/antoniostano/voxline/internal/llm"
	"github.com/antoniostano/voxline/internal/settings"
	"github.com/antoniostano/voxline/internal/tools"
)

type scriptedCompleter struct {
	mu        sync.Mutex
	responses []llm.Completion
	errs      []error
	requests  []llm.Request
}

func (c *scriptedCompleter) Complete(_ context.Context, req llm.Request) (llm.Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return llm.Completion{}, err
		}
	}
	resp := c.responses[0]
	if len(c.responses) > 1 {
		c.responses = c.responses[1:]
	}
	return resp, nil
}

func (c *scriptedCompleter) EstimateCost(string, llm.Usage) float64 { return 0.5 }

type chunkStream []llm.Chunk

func (s chunkStream) Chunks(context.Context) func(func(llm.Chunk, error) bool) {
	return func(yield func(llm.Chunk, error) bool) {
		for _, c := range s {
			if !yield(c, nil) {
				return
			}
		}
	}
}

type streamingModel struct {
	chunks   []llm.Chunk
	requests []llm.Request
}

func (m *streamingModel) Stream(_ context.Context, req llm.Request) (llm.Stream, error) {
	m.requests = append(m.requests, req)
	return chunkStream(m.chunks), nil
}

func (m *streamingModel) Streaming() bool { return true }

type recordingChat struct {
	mu        sync.Mutex
	users     []string
	assistant []string
	results   []any
	warns     []string
}

func (c *recordingChat) AddUserMessage(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = append(c.users, text)
}

func (c *recordingChat) AddAssistantMessage(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assistant = append(c.assistant, text)
}

func (c *recordingChat) AddAssistantToolResponse(_, _, _ string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
}

func (c *recordingChat) Warn(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warns = append(c.warns, text)
}

type countingObserver struct {
	mu  sync.Mutex
	llm int
	usd float64
}

func (o *countingObserver) LogSTTLatency(time.Duration) {}
func (o *countingObserver) LogLLMLatency(time.Duration) {
	o.mu.Lock()
	o.llm++
	o.mu.Unlock()
}
func (o *countingObserver) LogTTSCost(float64) {}
func (o *countingObserver) LogLLMCost(usd float64) {
	o.mu.Lock()
	o.usd += usd
	o.mu.Unlock()
}

type retryableErr struct{}

func (retryableErr) Error() string   { return "503 service unavailable" }
func (retryableErr) Retryable() bool { return true }

type harness struct {
	conv     *Conversation
	chat     *recordingChat
	observer *countingObserver
	registry *tools.Registry
	context  *assembler.ContextRegistry
	finish   chan func(any)
}

func newHarness(t *testing.T, model any, s settings.Settings) *harness {
	t.Helper()
	h := &harness{
		chat:     &recordingChat{},
		observer: &countingObserver{},
		registry: tools.NewRegistry(nil),
		context:  assembler.NewContextRegistry(),
		finish:   make(chan func(any), 1),
	}
	for _, tool := range tools.Builtins() {
		switch tool.Name {
		case tools.EditText:
			h.registry.Register(tool, tools.Sync(func(context.Context, string) (any, error) {
				return "edited", nil
			}))
		case tools.LooksGood:
			h.registry.Register(tool, func(_ context.Context, _ string, finish func(any)) error {
				h.finish <- finish
				return nil
			})
		default:
			h.registry.Register(tool, nil)
		}
	}
	h.conv = New(Options{
		Model:    func() any { return model },
		Settings: settings.Static(s),
		Catalog:  h.registry,
		Executor: h.registry,
		Chat:     h.chat,
		Context:  h.context,
		Observer: h.observer,
	})
	return h
}

func TestSendRunsToolAndConfirms(t *testing.T) {
	model := &scriptedCompleter{responses: []llm.Completion{{
		ID:        "c1",
		Model:     "gpt-4o",
		ToolCalls: []llm.ToolCall{{ID: "call_1", Type: "function", Name: tools.EditText, Arguments: `{"instructions":"shorter"}`}},
		Usage:     &llm.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}}}
	h := newHarness(t, model, settings.Settings{Prompt: "be brief"})

	if _, err := h.conv.Send(context.Background(), "make it shorter"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(h.chat.users) != 1 || h.chat.users[0] != "make it shorter" {
		t.Fatalf("user messages = %v", h.chat.users)
	}
	if len(h.chat.results) != 1 || h.chat.results[0] != "edited" {
		t.Fatalf("tool results = %v, want [edited]", h.chat.results)
	}
	history := h.conv.History()
	if len(history) != 3 {
		t.Fatalf("history = %d messages, want 3", len(history))
	}
	if last := history[2]; last.Role != llm.RoleTool || last.ToolCallID != "call_1" || last.Content != "success" {
		t.Fatalf("tool message = %+v", last)
	}
	req := model.requests[0]
	if req.Messages[0].Role != llm.RoleSystem || req.Messages[0].Content != "be brief" {
		t.Fatalf("first message = %+v, want system prompt", req.Messages[0])
	}
	for _, tool := range req.Tools {
		if tool.Name == tools.AnswerQuestion {
			t.Fatalf("answer_question offered to the model")
		}
	}
	if h.observer.llm != 1 || h.observer.usd != 0.5 {
		t.Fatalf("observer = %d latencies, %v usd", h.observer.llm, h.observer.usd)
	}
}

func TestSendPlainTextBecomesAnswer(t *testing.T) {
	model := &scriptedCompleter{responses: []llm.Completion{{Content: "Hi there"}}}
	h := newHarness(t, model, settings.Settings{Prompt: "p"})

	completion, err := h.conv.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(completion.ToolCalls) != 1 || completion.ToolCalls[0].Name != tools.AnswerQuestion {
		t.Fatalf("tool calls = %+v, want answer_question", completion.ToolCalls)
	}
	if len(h.chat.assistant) != 1 || h.chat.assistant[0] != "Hi there" {
		t.Fatalf("assistant messages = %v", h.chat.assistant)
	}
}

func TestSendEditModeKeepsText(t *testing.T) {
	model := &scriptedCompleter{responses: []llm.Completion{{Content: "Which part?"}}}
	h := newHarness(t, model, settings.Settings{Prompt: "p", EditMode: true})

	completion, err := h.conv.Send(context.Background(), "edit")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(completion.ToolCalls) != 0 {
		t.Fatalf("tool calls = %+v, want none in edit mode", completion.ToolCalls)
	}
	if len(h.chat.assistant) != 1 || h.chat.assistant[0] != "Which part?" {
		t.Fatalf("assistant messages = %v", h.chat.assistant)
	}
	if n := len(model.requests[0].Tools); n != 3 {
		t.Fatalf("edit mode tools = %d, want 3", n)
	}
}

func TestSendStreamsAndFinalizesContext(t *testing.T) {
	model := &streamingModel{chunks: []llm.Chunk{
		{Role: llm.RoleAssistant, Content: "Hel"},
		{Content: "lo"},
		{Done: true},
	}}
	h := newHarness(t, model, settings.Settings{Prompt: "p"})

	var (
		mu      sync.Mutex
		updates []assembler.ContextUpdate
	)
	h.context.Register(tools.AnswerQuestion, func(u assembler.ContextUpdate) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})

	if _, err := h.conv.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(h.chat.assistant) != 1 || h.chat.assistant[0] != "Hello" {
		t.Fatalf("assistant messages = %v", h.chat.assistant)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(updates) == 0 {
		t.Fatalf("no context updates")
	}
	final := updates[len(updates)-1]
	if !final.Final || final.Fields["text"] != "Hello" {
		t.Fatalf("final update = %+v", final)
	}
}

func TestManualConfirmToolAwaitsResult(t *testing.T) {
	model := &scriptedCompleter{responses: []llm.Completion{
		{ToolCalls: []llm.ToolCall{{ID: "call_ok", Name: tools.LooksGood, Arguments: "{}"}}},
		{Content: "done"},
	}}
	h := newHarness(t, model, settings.Settings{Prompt: "p", EditMode: true})

	if _, err := h.conv.Send(context.Background(), "looks good"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	finish := <-h.finish
	if n := len(h.conv.History()); n != 2 {
		t.Fatalf("history before confirmation = %d, want 2", n)
	}

	finish("accepted")
	history := h.conv.History()
	if last := history[len(history)-1]; last.ToolCallID != "call_ok" || last.Content != "accepted" {
		t.Fatalf("tool message = %+v, want accepted", last)
	}
}

func TestUnconfirmedCallClosedByNextTurn(t *testing.T) {
	model := &scriptedCompleter{responses: []llm.Completion{
		{ToolCalls: []llm.ToolCall{{ID: "call_ok", Name: tools.LooksGood, Arguments: "{}"}}},
		{Content: "ok"},
	}}
	h := newHarness(t, model, settings.Settings{Prompt: "p", EditMode: true})

	if _, err := h.conv.Send(context.Background(), "looks good"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	finish := <-h.finish
	if _, err := h.conv.Send(context.Background(), "actually wait"); err != nil {
		t.Fatalf("second Send() error = %v", err)
	}

	req := model.requests[1]
	var replied bool
	for _, m := range req.Messages {
		if m.Role == llm.RoleTool && m.ToolCallID == "call_ok" && m.Content == awaitingConfirm {
			replied = true
		}
	}
	if !replied {
		t.Fatalf("second request lacks a reply for the pending call: %+v", req.Messages)
	}

	finish("accepted")
	history := h.conv.History()
	if last := history[len(history)-1]; last.Role != llm.RoleSystem {
		t.Fatalf("late result = %+v, want system note", last)
	}
}

func TestSendRetriesRetryableFailure(t *testing.T) {
	model := &scriptedCompleter{
		errs:      []error{retryableErr{}, nil},
		responses: []llm.Completion{{Content: "ok"}},
	}
	h := newHarness(t, model, settings.Settings{Prompt: "p"})
	h.conv.opts.Retries = 1

	if _, err := h.conv.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n := len(model.requests); n != 2 {
		t.Fatalf("requests = %d, want 2", n)
	}
}

func TestSendWarnsOnFailure(t *testing.T) {
	boom := errors.New("boom")
	model := &scriptedCompleter{errs: []error{boom}, responses: []llm.Completion{{}}}
	h := newHarness(t, model, settings.Settings{Prompt: "p"})
	h.conv.opts.Retries = 3

	if _, err := h.conv.Send(context.Background(), "hi"); !errors.Is(err, boom) {
		t.Fatalf("Send() error = %v, want boom", err)
	}
	if n := len(model.requests); n != 1 {
		t.Fatalf("requests = %d, want 1 for a permanent error", n)
	}
	if len(h.chat.warns) != 1 {
		t.Fatalf("warns = %v, want one", h.chat.warns)
	}
}

func TestHistoryDropsWholeTurns(t *testing.T) {
	model := &scriptedCompleter{responses: []llm.Completion{{
		ToolCalls: []llm.ToolCall{{ID: "call", Name: tools.EditText, Arguments: "{}"}},
	}}}
	h := newHarness(t, model, settings.Settings{Prompt: "p"})
	h.conv.opts.MaxHistory = 4

	for i := 0; i < 3; i++ {
		if _, err := h.conv.Send(context.Background(), "again"); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	history := h.conv.History()
	if len(history) > 4 {
		t.Fatalf("history = %d, want at most 4", len(history))
	}
	if history[0].Role != llm.RoleUser {
		t.Fatalf("history starts with %q, want user", history[0].Role)
	}
}
