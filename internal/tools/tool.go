package tools

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"
)

const (
	AnswerQuestion = "answer_question"
	EditText       = "edit_text"
	LooksGood      = "looks_good"
	Cancel         = "cancel"
)

// Tool describes a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
	// ManualConfirm tools report their own output once the user confirms;
	// everything else gets an immediate "success".
	ManualConfirm bool
	// TriggerResponse asks the model for a follow-up response after the
	// tool output is delivered.
	TriggerResponse bool
}

// ParametersJSON renders the parameter schema, defaulting to an empty object.
func (t Tool) ParametersJSON() json.RawMessage {
	if t.Parameters == nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	b, err := json.Marshal(t.Parameters)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return b
}

// Catalog resolves tools by name.
type Catalog interface {
	Lookup(name string) (Tool, bool)
	All() []Tool
}

// Executor runs one resolved call. onFinish is invoked with the result when
// the tool completes, which may be after ExecuteTool returns.
type Executor interface {
	ExecuteTool(ctx context.Context, args string, tool Tool, onFinish func(result any)) error
}

// SchemaFor reflects the JSON schema of T's fields for use as tool parameters.
func SchemaFor[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	var zero T
	return reflector.ReflectFromType(reflect.TypeOf(zero))
}

// AnswerQuestionArgs is the payload of the default answer tool.
type AnswerQuestionArgs struct {
	Text string `json:"text" jsonschema:"description=The answer to speak to the user"`
}

type EditTextArgs struct {
	Instructions string `json:"instructions" jsonschema:"description=How to change the selected text"`
}

// Builtins returns the conversational tools every session carries.
func Builtins() []Tool {
	return []Tool{
		{
			Name:        AnswerQuestion,
			Description: "Answer the user's question directly",
			Parameters:  SchemaFor[AnswerQuestionArgs](),
		},
		{
			Name:        EditText,
			Description: "Edit the text currently being worked on",
			Parameters:  SchemaFor[EditTextArgs](),
		},
		{
			Name:          LooksGood,
			Description:   "Accept the current edit",
			Parameters:    SchemaFor[struct{}](),
			ManualConfirm: true,
		},
		{
			Name:        Cancel,
			Description: "Cancel the current edit",
			Parameters:  SchemaFor[struct{}](),
		},
	}
}

// Visible filters tools for a turn. Edit mode exposes only the edit tools;
// otherwise everything except answer_question, which the model reaches
// through plain text.
func Visible(all []Tool, editMode bool) []Tool {
	out := make([]Tool, 0, len(all))
	for _, t := range all {
		switch {
		case editMode:
			if t.Name == EditText || t.Name == LooksGood || t.Name == Cancel {
				out = append(out, t)
			}
		case t.Name != AnswerQuestion:
			out = append(out, t)
		}
	}
	return out
}
