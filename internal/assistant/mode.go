package assistant

import (
	"errors"
	"fmt"

	"github.com/antoniostano/voxline/internal/llm"
	"github.com/antoniostano/voxline/internal/realtime"
)

var ErrNoModel = errors.New("assistant: no model available")

type Mode string

const (
	ModeAuto       Mode = "auto"
	ModeRealtime   Mode = "realtime"
	ModeCompletion Mode = "completion"
)

// LiveModel is a speech-to-speech session that consumes microphone frames
// directly and also answers typed turns.
type LiveModel interface {
	llm.AudioSink
	llm.ChatCompleter
	State() realtime.State
}

// Selector picks the model that handles the next turn. In auto mode the
// live session is used while it is connected and request/response
// completion otherwise.
type Selector struct {
	mode      Mode
	live      LiveModel
	completer any
}

// NewSelector validates that the requested mode has a model behind it.
// completer must implement llm.ChatCompleter or llm.StreamingChatCompleter.
func NewSelector(mode string, live LiveModel, completer any) (*Selector, error) {
	m := Mode(mode)
	if m == "" {
		m = ModeAuto
	}
	if completer != nil && !canComplete(completer) {
		return nil, fmt.Errorf("assistant: %T cannot complete chats", completer)
	}
	switch m {
	case ModeRealtime:
		if live == nil {
			return nil, fmt.Errorf("%w: realtime mode needs a realtime session", ErrNoModel)
		}
	case ModeCompletion:
		if completer == nil {
			return nil, fmt.Errorf("%w: completion mode needs a chat model", ErrNoModel)
		}
	case ModeAuto:
		if live == nil && completer == nil {
			return nil, ErrNoModel
		}
	default:
		return nil, fmt.Errorf("assistant: unknown mode %q", mode)
	}
	return &Selector{mode: m, live: live, completer: completer}, nil
}

func (s *Selector) Mode() Mode { return s.mode }

// Active returns the model for the next turn.
func (s *Selector) Active() any {
	switch s.mode {
	case ModeRealtime:
		return s.live
	case ModeCompletion:
		return s.completer
	}
	if s.live != nil && (s.completer == nil || s.live.State() == realtime.StateReady) {
		return s.live
	}
	return s.completer
}

// Live returns the realtime session, if any.
func (s *Selector) Live() LiveModel { return s.live }

// Describe names the active path for status reporting.
func (s *Selector) Describe() string {
	switch m := s.Active().(type) {
	case nil:
		return "none"
	case LiveModel:
		return "realtime"
	default:
		if streams(m) {
			return "completion_stream"
		}
		return "completion"
	}
}

func canComplete(model any) bool {
	switch model.(type) {
	case llm.ChatCompleter, llm.StreamingChatCompleter:
		return true
	}
	return false
}

// streams reports whether a model is driven through its chunk stream. A
// streaming completer that does not say otherwise streams.
func streams(model any) bool {
	if _, ok := model.(llm.StreamingChatCompleter); !ok {
		return false
	}
	if sm, ok := model.(llm.StreamingModel); ok {
		return sm.Streaming()
	}
	return true
}
