package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/voxline/internal/memory"
)

// MessageType identifies control websocket payload variants.
type MessageType string

const (
	TypeClientControl MessageType = "control"
	TypeClientText    MessageType = "text_input"
	TypeChatEntry     MessageType = "chat_entry"
	TypeStateEvent    MessageType = "state_event"
	TypeAck           MessageType = "ack"
	TypeErrorEvent    MessageType = "error_event"
)

// Control actions.
const (
	ActionPause   = "pause"
	ActionResume  = "resume"
	ActionRestart = "restart"
	ActionReset   = "reset"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	ID     string      `json:"id,omitempty"`
	Action string      `json:"action"`
	Reason string      `json:"reason,omitempty"`
}

type ClientText struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`
	Text string      `json:"text"`
}

// ChatEntry mirrors one line added to the chat transcript.
type ChatEntry struct {
	Type  MessageType  `json:"type"`
	Entry memory.Entry `json:"entry"`
}

// StateEvent reports a component state change, e.g. the realtime
// connection or the capture pipeline.
type StateEvent struct {
	Type      MessageType `json:"type"`
	Component string      `json:"component"`
	State     string      `json:"state"`
	Detail    string      `json:"detail,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

type Ack struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id,omitempty"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		switch msg.Action {
		case ActionPause, ActionResume, ActionRestart, ActionReset:
		default:
			return nil, fmt.Errorf("invalid control action %q", msg.Action)
		}
		return msg, nil
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.Text == "" {
			return nil, errors.New("invalid text_input")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
