package realtime

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/antoniostano/voxline/internal/tools"
)

func TestIsFiller(t *testing.T) {
	cases := []struct {
		transcript string
		want       bool
	}{
		{"", true},
		{"\n", true},
		{"Hmm", true},
		{"Hmm\n", true},
		{"Mm-hm.", true},
		{"ahem", true},
		{"hmm", false},
		{"Make it shorter.", false},
		{"Hmm, make it shorter.", false},
	}
	for _, tc := range cases {
		if got := isFiller(tc.transcript); got != tc.want {
			t.Fatalf("isFiller(%q) = %v, want %v", tc.transcript, got, tc.want)
		}
	}
}

func decodeSession(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var msg struct {
		Type    string         `json:"type"`
		Session map[string]any `json:"session"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal session.update: %v", err)
	}
	if msg.Type != "session.update" {
		t.Fatalf("type = %q, want session.update", msg.Type)
	}
	return msg.Session
}

func TestBuildSessionUpdateTurnDetection(t *testing.T) {
	cfg := SessionConfiguration{Instructions: "be brief"}

	raw, err := buildSessionUpdate(cfg, Config{}.withDefaults())
	if err != nil {
		t.Fatalf("buildSessionUpdate() error = %v", err)
	}
	session := decodeSession(t, raw)
	td, ok := session["turn_detection"]
	if !ok || td != nil {
		t.Fatalf("turn_detection = %v (present %v), want null", td, ok)
	}

	raw, _ = buildSessionUpdate(cfg, Config{Azure: true}.withDefaults())
	session = decodeSession(t, raw)
	if td, _ := session["turn_detection"].(map[string]any); td["type"] != "none" {
		t.Fatalf("azure turn_detection = %v, want type none", session["turn_detection"])
	}

	raw, _ = buildSessionUpdate(cfg, Config{ServerVAD: true}.withDefaults())
	session = decodeSession(t, raw)
	if _, ok := session["turn_detection"]; ok {
		t.Fatalf("server VAD payload carries turn_detection %v", session["turn_detection"])
	}
}

func TestBuildSessionUpdateTools(t *testing.T) {
	cfg := SessionConfiguration{
		Instructions: "be brief",
		Tools:        tools.Visible(tools.Builtins(), false),
	}
	raw, err := buildSessionUpdate(cfg, Config{}.withDefaults())
	if err != nil {
		t.Fatalf("buildSessionUpdate() error = %v", err)
	}
	session := decodeSession(t, raw)

	if session["instructions"] != "be brief" {
		t.Fatalf("instructions = %v", session["instructions"])
	}
	transcription, _ := session["input_audio_transcription"].(map[string]any)
	if transcription["model"] != "whisper-1" {
		t.Fatalf("input_audio_transcription = %v, want whisper-1", session["input_audio_transcription"])
	}
	list, _ := session["tools"].([]any)
	if len(list) != 3 {
		t.Fatalf("tools = %d, want 3", len(list))
	}
	for _, item := range list {
		def := item.(map[string]any)
		if def["type"] != "function" || def["parameters"] == nil {
			t.Fatalf("tool = %v, want function with parameters", def)
		}
		if def["name"] == tools.AnswerQuestion {
			t.Fatalf("answer_question must not be exposed")
		}
	}

	again, _ := buildSessionUpdate(cfg, Config{}.withDefaults())
	if string(again) != string(raw) {
		t.Fatalf("payload not stable across renders")
	}
}

func TestEventIDs(t *testing.T) {
	id := newEventID()
	if !strings.HasPrefix(id, "voxline.") {
		t.Fatalf("newEventID() = %q, want voxline. prefix", id)
	}
	item := newItemID()
	if len(item) != 32 {
		t.Fatalf("newItemID() = %q, want 32 characters", item)
	}
	msg := userTextItem(id, item, "hi")
	if msg.EventID != id+".conversation.item" || msg.Item.Content[0].Type != "input_text" {
		t.Fatalf("userTextItem() = %+v", msg)
	}
}

func TestResultText(t *testing.T) {
	if got := resultText(map[string]int{"n": 1}); got != `{"n":1}` {
		t.Fatalf("resultText(map) = %q", got)
	}
	if got := resultText("ok"); got != "ok" {
		t.Fatalf("resultText(string) = %q", got)
	}
	if got := resultText(nil); got != "" {
		t.Fatalf("resultText(nil) = %q", got)
	}
}
