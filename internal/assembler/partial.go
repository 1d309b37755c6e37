package assembler

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/antoniostano/voxline/internal/llm"
	"github.com/kaptinlin/jsonrepair"
)

var errNotObject = errors.New("assembler: not a JSON object")

// ParsePartialObject parses a possibly truncated JSON object, repairing it
// when strict decoding fails.
func ParsePartialObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errNotObject
	}
	var out map[string]any
	err := json.Unmarshal([]byte(text), &out)
	if err == nil {
		if out == nil {
			return nil, errNotObject
		}
		return out, nil
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return nil, err
	}

	fixed, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return nil, err
	}
	out = nil
	if err := json.Unmarshal([]byte(fixed), &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errNotObject
	}
	return out, nil
}

type textToolCall struct {
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
}

// ParseToolCallText recognizes a tool call the model wrote as plain text:
// {"tool": "<name>", "parameters": {...}}, optionally inside a ```json fence.
func ParseToolCallText(text string) (llm.ToolCall, bool) {
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
		body = strings.TrimSpace(body)
	}
	if !strings.HasPrefix(body, "{") {
		return llm.ToolCall{}, false
	}

	var call textToolCall
	if err := json.Unmarshal([]byte(body), &call); err != nil || call.Tool == "" {
		return llm.ToolCall{}, false
	}
	args := "{}"
	if len(call.Parameters) > 0 && string(call.Parameters) != "null" {
		args = string(call.Parameters)
	}
	return llm.ToolCall{ID: call.Tool, Type: "function", Name: call.Tool, Arguments: args}, true
}
