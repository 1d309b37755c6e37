package realtime

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/antoniostano/voxline/internal/tools"
	"github.com/google/uuid"
)

// Server event types the read loop dispatches on.
const (
	eventError                  = "error"
	eventSessionCreated         = "session.created"
	eventSessionUpdated         = "session.updated"
	eventItemCreated            = "conversation.item.created"
	eventTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	eventTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"
	eventSpeechStarted          = "input_audio_buffer.speech_started"
	eventSpeechStopped          = "input_audio_buffer.speech_stopped"
	eventResponseCreated        = "response.created"
	eventResponseDone           = "response.done"
	eventOutputItemAdded        = "response.output_item.added"
	eventAudioDelta             = "response.audio.delta"
	eventAudioDone              = "response.audio.done"
	eventAudioTranscriptDone    = "response.audio_transcript.done"
	eventTextDelta              = "response.text.delta"
	eventTextDone               = "response.text.done"
	eventArgumentsDelta         = "response.function_call_arguments.delta"
	eventArgumentsDone          = "response.function_call_arguments.done"
)

// interruptedMessage is reported by the provider when a response is cut off
// by barge-in; it is expected and not shown to the user.
const interruptedMessage = "Response parsing interrupted"

// fillerTranscripts are transcriptions of non-speech noises. A turn whose
// transcript is one of these is ignored.
var fillerTranscripts = map[string]struct{}{
	"Eh-hem!": {},
	"Ahem.":   {},
	"Hmm":     {},
	"Uh-huh.": {},
	"Mm-hmm":  {},
	"ahem":    {},
	"Mm-hm.":  {},
}

// isFiller reports whether a transcript should not count as a user turn. One
// trailing newline is ignored.
func isFiller(transcript string) bool {
	transcript = strings.TrimSuffix(transcript, "\n")
	if transcript == "" {
		return true
	}
	_, ok := fillerTranscripts[transcript]
	return ok
}

type serverItem struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Role   string `json:"role"`
	CallID string `json:"call_id"`
	Name   string `json:"name"`
}

type serverResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// serverEvent is the union of the fields the session reads from provider
// events. Unused fields stay zero.
type serverEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id"`
	ResponseID string          `json:"response_id"`
	ItemID     string          `json:"item_id"`
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Delta      string          `json:"delta"`
	Arguments  string          `json:"arguments"`
	Transcript string          `json:"transcript"`
	Text       string          `json:"text"`
	Item       *serverItem     `json:"item"`
	Response   *serverResponse `json:"response"`
	Error      *serverError    `json:"error"`
}

// responseKey returns the response id carried at the top level or inside the
// nested response object.
func (e serverEvent) responseKey() string {
	if e.ResponseID != "" {
		return e.ResponseID
	}
	if e.Response != nil {
		return e.Response.ID
	}
	return ""
}

func decodeServerEvent(data []byte) (serverEvent, error) {
	var ev serverEvent
	err := json.Unmarshal(data, &ev)
	return ev, err
}

type functionDef struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

// sessionPayload is the "session" object of session.update. A nil
// TurnDetection keeps the provider's server-side VAD; "null" selects
// client-side turn handling.
type sessionPayload struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription"`
	Tools                   []functionDef        `json:"tools"`
	TurnDetection           json.RawMessage      `json:"turn_detection,omitempty"`
}

type sessionUpdate struct {
	Type    string         `json:"type"`
	EventID string         `json:"event_id,omitempty"`
	Session sessionPayload `json:"session"`
}

// buildSessionUpdate renders the session.update event for cfg. Its bytes are
// also what reconciliation compares to detect a configuration change.
func buildSessionUpdate(cfg SessionConfiguration, opts Config) ([]byte, error) {
	payload := sessionPayload{
		Modalities:              []string{"text", "audio"},
		Instructions:            cfg.Instructions,
		InputAudioTranscription: &transcriptionConfig{Model: opts.TranscriptionModel},
		Tools:                   make([]functionDef, 0, len(cfg.Tools)),
	}
	for _, t := range cfg.Tools {
		payload.Tools = append(payload.Tools, functionDef{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.ParametersJSON(),
		})
	}
	if !opts.ServerVAD {
		payload.TurnDetection = json.RawMessage("null")
		if opts.Azure {
			payload.TurnDetection = json.RawMessage(`{"type":"none"}`)
		}
	}
	return json.Marshal(sessionUpdate{Type: "session.update", Session: payload})
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func appendAudio(pcm []byte) audioAppend {
	return audioAppend{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(pcm)}
}

type bufferEvent struct {
	Type string `json:"type"`
}

type responseOptions struct {
	Modalities []string `json:"modalities,omitempty"`
}

type responseCreate struct {
	Type     string           `json:"type"`
	EventID  string           `json:"event_id,omitempty"`
	Response *responseOptions `json:"response,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Status  string        `json:"status,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  *string       `json:"output,omitempty"`
}

type itemCreate struct {
	Type    string           `json:"type"`
	EventID string           `json:"event_id,omitempty"`
	Item    conversationItem `json:"item"`
}

func userTextItem(eventID, itemID, text string) itemCreate {
	return itemCreate{
		Type:    "conversation.item.create",
		EventID: eventID + ".conversation.item",
		Item: conversationItem{
			ID:      itemID,
			Type:    "message",
			Status:  "completed",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	}
}

func functionCallOutput(callID, output string) itemCreate {
	return itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{Type: "function_call_output", CallID: callID, Output: &output},
	}
}

// newEventID returns a client event id prefix, "voxline.<uuid>".
func newEventID() string {
	return "voxline." + uuid.NewString()
}

// newItemID returns a client-chosen conversation item id within the
// provider's 32 character limit.
func newItemID() string {
	return "vx" + strings.ReplaceAll(uuid.NewString(), "-", "")[:30]
}

// resultText renders a tool result as function_call_output text.
func resultText(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	}
	b, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	return string(b)
}

// SessionConfiguration is the part of the provider session driven by
// settings: the system prompt and the tools the model may call.
type SessionConfiguration struct {
	Instructions string
	Tools        []tools.Tool
}
