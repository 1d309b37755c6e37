package llm

import (
	"context"

	"github.com/antoniostano/voxline/internal/audio"
)

// ToolCallDelta is one fragment of a streamed tool call. Index identifies the
// call; ID, Type and Name usually arrive only on the first fragment.
type ToolCallDelta struct {
	Index     int
	ID        string
	Type      string
	Name      string
	Arguments string
}

// Chunk is one streamed piece of a response. Metadata fields are repeated on
// every chunk by most providers; the last one received wins.
type Chunk struct {
	ID                string
	Model             string
	Created           int64
	SystemFingerprint string

	Role      Role
	Content   string
	ToolCalls []ToolCallDelta
	Usage     *Usage

	FinishReason string
	// Done marks the end-of-stream sentinel.
	Done bool
}

type Stream interface {
	Chunks(context.Context) func(func(Chunk, error) bool)
}

// ChatCompleter answers a request with one whole completion.
type ChatCompleter interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// StreamingChatCompleter answers a request with a chunk stream.
type StreamingChatCompleter interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// StreamingModel reports whether a model should be driven through streaming.
type StreamingModel interface {
	Streaming() bool
}

// AudioSink is a model that takes live microphone audio.
type AudioSink interface {
	audio.Listener
	audio.LiveAudioMode
}

// CostEstimator prices the token usage of one completion in USD.
type CostEstimator interface {
	EstimateCost(model string, u Usage) float64
}
