package assembler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/antoniostano/voxline/internal/llm"
	"github.com/antoniostano/voxline/internal/observability"
	"github.com/antoniostano/voxline/internal/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ErrEmptyStream = errors.New("assembler: stream ended without chunks")

const contentIndex = -1

type Options struct {
	EditMode bool
	// OnContent, when set, receives the accumulated text content each time a
	// streamed line completes.
	OnContent func(text string)
}

// ViewToolCall is the accumulated state of one tool call at a point in the
// stream.
type ViewToolCall struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// ChunkView is a chunk enriched with everything accumulated so far.
type ChunkView struct {
	Role      llm.Role
	Content   string
	ToolCalls []ViewToolCall
}

// Assembler rebuilds one completion from a chunk stream and feeds partial
// tool arguments to the context registry while the stream is running.
type Assembler struct {
	registry *ContextRegistry
	metrics  *observability.Metrics
}

func New(registry *ContextRegistry, metrics *observability.Metrics) *Assembler {
	return &Assembler{registry: registry, metrics: metrics}
}

func (a *Assembler) Assemble(ctx context.Context, stream llm.Stream, opts Options) (llm.Completion, error) {
	ctx, span := tracer.Start(ctx, "assemble response")
	defer span.End()
	span.SetAttributes(attribute.Bool("request.edit_mode", opts.EditMode))

	st := newAssembly()
	views := newViewQueue()
	var enrich sync.WaitGroup
	enrich.Add(1)
	go func() {
		defer enrich.Done()
		a.enrich(views, opts)
	}()

	var streamErr error
	for chunk, err := range stream.Chunks(ctx) {
		if err != nil {
			streamErr = err
			break
		}
		if chunk.Done {
			break
		}
		if view, ok := st.add(chunk); ok {
			views.push(view)
		}
	}

	views.close()
	enrich.Wait()

	if streamErr != nil {
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, streamErr.Error())
		return llm.Completion{}, fmt.Errorf("assemble stream: %w", streamErr)
	}
	if st.chunks == 0 {
		span.SetStatus(codes.Error, ErrEmptyStream.Error())
		return llm.Completion{}, ErrEmptyStream
	}

	completion := Normalize(st.completion(), opts.EditMode)
	span.SetAttributes(
		attribute.Int("response.chunks", st.chunks),
		attribute.Int("response.tool_calls", len(completion.ToolCalls)),
	)
	return completion, nil
}

// Normalize applies the response rules shared by streamed and whole
// completions. Outside edit mode a response without tool calls becomes a
// single call: either the tool call written out in the text, or
// answer_question carrying the text verbatim.
func Normalize(c llm.Completion, editMode bool) llm.Completion {
	if c.Role == "" {
		c.Role = llm.RoleAssistant
	}
	if editMode || len(c.ToolCalls) > 0 {
		if !editMode {
			c.Content = ""
		}
		return c
	}

	if call, ok := ParseToolCallText(c.Content); ok {
		c.ToolCalls = []llm.ToolCall{call}
	} else {
		args, _ := json.Marshal(tools.AnswerQuestionArgs{Text: c.Content})
		c.ToolCalls = []llm.ToolCall{{
			ID:        tools.AnswerQuestion,
			Type:      "function",
			Name:      tools.AnswerQuestion,
			Arguments: string(args),
		}}
	}
	c.Content = ""
	return c
}

// FinalizeContext sends the final context update for the first tool call of
// c, whether or not any partial update fired.
func FinalizeContext(c llm.Completion, registry *ContextRegistry) {
	if len(c.ToolCalls) == 0 {
		return
	}
	call := c.ToolCalls[0]
	fields, err := ParsePartialObject(call.Arguments)
	if err != nil {
		logger.Warn("parse tool call arguments failed", "tool", call.Name, "error", err)
		return
	}
	if registry.Notify(call.Name, ContextUpdate{Fields: fields, Final: true}) {
		logger.Debug("final context update sent", "tool", call.Name)
	}
}

func (a *Assembler) enrich(views *viewQueue, opts Options) {
	last := make(map[int]map[string]any)
	for {
		view, ok := views.pop()
		if !ok {
			return
		}
		if len(view.ToolCalls) == 0 {
			if opts.OnContent != nil {
				opts.OnContent(view.Content)
			}
			continue
		}
		for _, call := range view.ToolCalls {
			if call.Arguments == "" {
				continue
			}
			fields, err := ParsePartialObject(call.Arguments)
			if err != nil {
				logger.Debug("partial arguments not parseable yet", "tool", call.Name, "error", err)
				continue
			}
			if reflect.DeepEqual(last[call.Index], fields) {
				continue
			}
			last[call.Index] = fields
			if len(fields) == 0 {
				continue
			}
			if a.registry.Notify(call.Name, ContextUpdate{Fields: fields, Final: false}) && a.metrics != nil {
				a.metrics.PartialContextUpdates.Inc()
			}
		}
	}
}

type assembly struct {
	role   llm.Role
	texts  map[int]*strings.Builder
	calls  []*ViewToolCall
	byIdx  map[int]*ViewToolCall
	last   llm.Chunk
	chunks int
}

func newAssembly() *assembly {
	return &assembly{
		texts: make(map[int]*strings.Builder),
		byIdx: make(map[int]*ViewToolCall),
	}
}

func (s *assembly) text(idx int) *strings.Builder {
	b, ok := s.texts[idx]
	if !ok {
		b = &strings.Builder{}
		s.texts[idx] = b
	}
	return b
}

// add folds chunk into the accumulators and returns the view to publish, if
// any. Content views are only published on line boundaries.
func (s *assembly) add(chunk llm.Chunk) (ChunkView, bool) {
	s.chunks++
	s.last = chunk
	if s.role == "" && chunk.Role != "" {
		s.role = chunk.Role
	}

	if len(chunk.ToolCalls) > 0 {
		for _, delta := range chunk.ToolCalls {
			call, ok := s.byIdx[delta.Index]
			if !ok {
				call = &ViewToolCall{Index: delta.Index}
				s.byIdx[delta.Index] = call
				s.calls = append(s.calls, call)
			}
			if call.ID == "" {
				call.ID = delta.ID
			}
			if call.Name == "" {
				call.Name = delta.Name
			}
			s.text(delta.Index).WriteString(delta.Arguments)
		}
		return s.view(), true
	}

	s.text(contentIndex).WriteString(chunk.Content)
	if !strings.Contains(chunk.Content, "\n") {
		return ChunkView{}, false
	}
	return s.view(), true
}

func (s *assembly) view() ChunkView {
	v := ChunkView{Role: s.role}
	if len(s.calls) == 0 {
		v.Content = s.text(contentIndex).String()
		return v
	}
	v.ToolCalls = make([]ViewToolCall, 0, len(s.calls))
	for _, call := range s.calls {
		c := *call
		c.Arguments = s.text(call.Index).String()
		v.ToolCalls = append(v.ToolCalls, c)
	}
	return v
}

func (s *assembly) completion() llm.Completion {
	c := llm.Completion{
		ID:                s.last.ID,
		Model:             s.last.Model,
		Created:           s.last.Created,
		SystemFingerprint: s.last.SystemFingerprint,
		Usage:             s.last.Usage,
		Role:              s.role,
		Content:           s.text(contentIndex).String(),
	}
	for _, call := range s.calls {
		c.ToolCalls = append(c.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Type:      "function",
			Name:      call.Name,
			Arguments: s.text(call.Index).String(),
		})
	}
	return c
}

// viewQueue is an unbounded FIFO between the stream reader and the
// enrichment goroutine; push never blocks the stream.
type viewQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []ChunkView
	closed bool
}

func newViewQueue() *viewQueue {
	q := &viewQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *viewQueue) push(v ChunkView) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *viewQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// pop blocks for the next view; after close it drains what is left.
func (q *viewQueue) pop() (ChunkView, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return ChunkView{}, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}
