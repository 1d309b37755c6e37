package assembler

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/antoniostano/voxline/internal/llm"
	"github.com/antoniostano/voxline/internal/tools"
)

type sliceStream struct {
	chunks []llm.Chunk
	// failAt yields err instead of the chunk at that position when >= 0.
	failAt int
	err    error
}

func newSliceStream(chunks ...llm.Chunk) *sliceStream {
	return &sliceStream{chunks: chunks, failAt: -1}
}

func (s *sliceStream) Chunks(context.Context) func(func(llm.Chunk, error) bool) {
	return func(yield func(llm.Chunk, error) bool) {
		for i, c := range s.chunks {
			if i == s.failAt {
				yield(llm.Chunk{}, s.err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func toolDelta(index int, id, name, args string) llm.Chunk {
	return llm.Chunk{
		ID:        "chatcmpl-1",
		Model:     "gpt-4o",
		Created:   1700000000,
		ToolCalls: []llm.ToolCallDelta{{Index: index, ID: id, Name: name, Arguments: args}},
	}
}

func TestAssembleMatchesWholeCompletion(t *testing.T) {
	usage := &llm.Usage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19}
	first := toolDelta(0, "call_a", "edit_text", `{"instructions":`)
	first.Role = llm.RoleAssistant
	last := toolDelta(1, "", "", `"rust"}`)
	last.Usage = usage
	last.SystemFingerprint = "fp_1"

	stream := newSliceStream(
		first,
		toolDelta(1, "call_b", "search", `{"query":`),
		toolDelta(0, "", "", ` "shorter"}`),
		last,
		llm.Chunk{Done: true},
	)

	got, err := New(nil, nil).Assemble(context.Background(), stream, Options{})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	whole := Normalize(llm.Completion{
		ID:                "chatcmpl-1",
		Model:             "gpt-4o",
		Created:           1700000000,
		SystemFingerprint: "fp_1",
		Role:              llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{
			{ID: "call_a", Type: "function", Name: "edit_text", Arguments: `{"instructions": "shorter"}`},
			{ID: "call_b", Type: "function", Name: "search", Arguments: `{"query":"rust"}`},
		},
		Usage: usage,
	}, false)

	if !reflect.DeepEqual(got, whole) {
		t.Fatalf("Assemble() = %+v\nwant %+v", got, whole)
	}
}

func TestAssembleFallsBackToAnswerQuestion(t *testing.T) {
	text := "Line one\nShe said \"hi\"."
	stream := newSliceStream(
		llm.Chunk{Role: llm.RoleAssistant, Content: "Line one\n"},
		llm.Chunk{Content: `She said "hi".`, ID: "resp-9"},
	)

	got, err := New(nil, nil).Assemble(context.Background(), stream, Options{})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != tools.AnswerQuestion {
		t.Fatalf("ToolCalls = %+v, want one answer_question", got.ToolCalls)
	}
	var args tools.AnswerQuestionArgs
	if err := json.Unmarshal([]byte(got.ToolCalls[0].Arguments), &args); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	if args.Text != text {
		t.Fatalf("text = %q, want %q", args.Text, text)
	}
	if got.ID != "resp-9" {
		t.Fatalf("ID = %q, want metadata from the last chunk", got.ID)
	}
}

func TestAssembleUsesToolCallWrittenAsText(t *testing.T) {
	stream := newSliceStream(
		llm.Chunk{Role: llm.RoleAssistant, Content: `{"tool":"looks_good",`},
		llm.Chunk{Content: `"parameters":{}}`},
	)
	got, err := New(nil, nil).Assemble(context.Background(), stream, Options{})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != tools.LooksGood || got.ToolCalls[0].Arguments != "{}" {
		t.Fatalf("ToolCalls = %+v, want looks_good with {}", got.ToolCalls)
	}
}

func TestAssembleEditModeKeepsContent(t *testing.T) {
	var lines []string
	stream := newSliceStream(
		llm.Chunk{Role: llm.RoleAssistant, Content: "func main() {\n"},
		llm.Chunk{Content: "}"},
	)
	got, err := New(nil, nil).Assemble(context.Background(), stream, Options{
		EditMode:  true,
		OnContent: func(text string) { lines = append(lines, text) },
	})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if got.Content != "func main() {\n}" || len(got.ToolCalls) != 0 {
		t.Fatalf("Assemble() = %+v, want raw content and no tool calls", got)
	}
	if len(lines) != 1 || lines[0] != "func main() {\n" {
		t.Fatalf("OnContent lines = %q, want one completed line", lines)
	}
}

func TestAssemblePartialUpdatesAreDeduplicated(t *testing.T) {
	registry := NewContextRegistry()
	var updates []ContextUpdate
	registry.Register(tools.EditText, func(u ContextUpdate) { updates = append(updates, u) })

	stream := newSliceStream(
		toolDelta(0, "call_1", tools.EditText, `{"instructions": "make`),
		toolDelta(0, "", "", ` it shorter"}`),
		toolDelta(0, "", "", ``),
	)
	got, err := New(registry, nil).Assemble(context.Background(), stream, Options{})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if len(updates) == 0 {
		t.Fatalf("no partial updates delivered")
	}
	complete := 0
	for i, u := range updates {
		if u.Final {
			t.Fatalf("update %d Final = true during streaming", i)
		}
		if i > 0 && reflect.DeepEqual(updates[i-1].Fields, u.Fields) {
			t.Fatalf("update %d repeats previous fields %v", i, u.Fields)
		}
		if u.Fields["instructions"] == "make it shorter" {
			complete++
		}
	}
	if complete != 1 {
		t.Fatalf("complete updates = %d, want 1", complete)
	}

	FinalizeContext(got, registry)
	final := updates[len(updates)-1]
	if !final.Final || final.Fields["instructions"] != "make it shorter" {
		t.Fatalf("final update = %+v, want Final with full arguments", final)
	}
}

func TestFinalizeContextFiresWithoutPartials(t *testing.T) {
	registry := NewContextRegistry()
	var got []ContextUpdate
	registry.Register(tools.AnswerQuestion, func(u ContextUpdate) { got = append(got, u) })

	c := Normalize(llm.Completion{Content: "hello"}, false)
	FinalizeContext(c, registry)

	if len(got) != 1 || !got[0].Final || got[0].Fields["text"] != "hello" {
		t.Fatalf("updates = %+v, want one final update with text", got)
	}
}

func TestAssembleStopsAtDoneSentinel(t *testing.T) {
	stream := newSliceStream(
		llm.Chunk{Role: llm.RoleAssistant, Content: "kept"},
		llm.Chunk{Done: true},
		llm.Chunk{Content: " dropped"},
	)
	got, err := New(nil, nil).Assemble(context.Background(), stream, Options{EditMode: true})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if got.Content != "kept" {
		t.Fatalf("Content = %q, want kept", got.Content)
	}
}

func TestAssembleAbortsOnStreamError(t *testing.T) {
	boom := errors.New("connection reset")
	stream := newSliceStream(
		llm.Chunk{Role: llm.RoleAssistant, Content: "partial"},
		llm.Chunk{Content: "never"},
	)
	stream.failAt = 1
	stream.err = boom

	if _, err := New(nil, nil).Assemble(context.Background(), stream, Options{}); !errors.Is(err, boom) {
		t.Fatalf("Assemble() error = %v, want %v", err, boom)
	}
}

func TestAssembleEmptyStream(t *testing.T) {
	_, err := New(nil, nil).Assemble(context.Background(), newSliceStream(llm.Chunk{Done: true}), Options{})
	if !errors.Is(err, ErrEmptyStream) {
		t.Fatalf("Assemble() error = %v, want ErrEmptyStream", err)
	}
}

func TestParsePartialObject(t *testing.T) {
	got, err := ParsePartialObject(`{"text": "hel`)
	if err != nil {
		t.Fatalf("ParsePartialObject() error = %v", err)
	}
	if got["text"] != "hel" {
		t.Fatalf("text = %v, want hel", got["text"])
	}

	if _, err := ParsePartialObject(""); err == nil {
		t.Fatalf("ParsePartialObject(\"\") error = nil")
	}
	if _, err := ParsePartialObject(`[1,2]`); err == nil {
		t.Fatalf("ParsePartialObject(array) error = nil")
	}
}

func TestContextRegistryUnregister(t *testing.T) {
	r := NewContextRegistry()
	r.Register("t", func(ContextUpdate) {})
	r.Unregister("t")
	if r.Notify("t", ContextUpdate{}) {
		t.Fatalf("Notify() after Unregister = true")
	}
	var nilRegistry *ContextRegistry
	if nilRegistry.Notify("t", ContextUpdate{}) {
		t.Fatalf("nil registry Notify() = true")
	}
}
