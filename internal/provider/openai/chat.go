package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/voxline/internal/llm"
	"github.com/antoniostano/voxline/internal/tools"
	"github.com/jinzhu/copier"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	endMessage  = "[DONE]"
	chunkPrefix = "data:"
)

type message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty" copier:"-"`
}

type toolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type function struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters" copier:"-"`
}

type tool struct {
	Type     string   `json:"type"`
	Function function `json:"function"`
}

type requestBody struct {
	Model         string         `json:"model"`
	Messages      []message      `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	ToolChoice    *string        `json:"tool_choice,omitempty"`
	Tools         []tool         `json:"tools,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type responseBody struct {
	ID                string `json:"id"`
	Model             string `json:"model"`
	Created           int64  `json:"created"`
	SystemFingerprint string `json:"system_fingerprint"`
	Choices           []struct {
		Message struct {
			Role      string     `json:"role"`
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type streamingResponseBody struct {
	ID                string `json:"id"`
	Model             string `json:"model"`
	Created           int64  `json:"created"`
	SystemFingerprint string `json:"system_fingerprint"`
	Choices           []struct {
		Delta struct {
			Role      string     `json:"role,omitempty"`
			Content   string     `json:"content,omitempty"`
			ToolCalls []toolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

func toMessages(in []llm.Message) []message {
	var out []message
	if err := copier.Copy(&out, in); err != nil {
		logger.Warn("copy messages failed", "error", err)
	}
	for i, m := range in {
		for _, call := range m.ToolCalls {
			out[i].ToolCalls = append(out[i].ToolCalls, toolCall{
				ID:       call.ID,
				Type:     "function",
				Function: toolCallFunction{Name: call.Name, Arguments: call.Arguments},
			})
		}
	}
	return out
}

func toTools(in []tools.Tool) []tool {
	if len(in) == 0 {
		return nil
	}
	out := make([]tool, 0, len(in))
	for _, t := range in {
		var fn function
		if err := copier.Copy(&fn, &t); err != nil {
			logger.Warn("copy tool failed", "tool", t.Name, "error", err)
			fn.Name = t.Name
		}
		fn.Parameters = t.ParametersJSON()
		out = append(out, tool{Type: "function", Function: fn})
	}
	return out
}

func (c *Client) newRequest(ctx context.Context, req llm.Request, stream bool) (*http.Request, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	body := requestBody{
		Model:    model,
		Messages: toMessages(req.Messages),
		Stream:   stream,
		Tools:    toTools(req.Tools),
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if body.Tools != nil {
		auto := "auto"
		body.ToolChoice = &auto
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshalling JSON: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/chat/completions"), bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("error creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)
	return httpReq, nil
}

func setRequestAttributes(span trace.Span, req llm.Request, model string) {
	span.SetAttributes(attribute.String("request.model", model))
	var names []string
	for _, t := range req.Tools {
		names = append(names, t.Name)
	}
	span.SetAttributes(attribute.StringSlice("request.available_tools", names))
}

func setUsageAttributes(span trace.Span, u *usage) {
	span.SetAttributes(
		attribute.Int("usage.prompt", u.PromptTokens),
		attribute.Int("usage.completion", u.CompletionTokens),
		attribute.Int("usage.total", u.TotalTokens),
	)
}

// Complete requests one whole chat completion.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	ctx, span := tracer.Start(ctx, "prompt llm")
	defer span.End()
	setRequestAttributes(span, req, c.model)

	httpReq, err := c.newRequest(ctx, req, false)
	if err != nil {
		span.RecordError(err)
		return llm.Completion{}, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		err = fmt.Errorf("error sending request: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return llm.Completion{}, err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		err := statusError(resp, span)
		span.SetStatus(codes.Error, err.Error())
		return llm.Completion{}, err
	}

	var body responseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		err = fmt.Errorf("error unmarshalling JSON: %w", err)
		span.RecordError(err)
		return llm.Completion{}, err
	}

	completion := llm.Completion{
		ID:                body.ID,
		Model:             body.Model,
		Created:           body.Created,
		SystemFingerprint: body.SystemFingerprint,
		Role:              llm.RoleAssistant,
	}
	if len(body.Choices) > 0 {
		m := body.Choices[0].Message
		if m.Role != "" {
			completion.Role = llm.Role(m.Role)
		}
		completion.Content = m.Content
		for _, call := range m.ToolCalls {
			completion.ToolCalls = append(completion.ToolCalls, llm.ToolCall{
				ID:        call.ID,
				Type:      call.Type,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
	}
	if body.Usage != nil {
		setUsageAttributes(span, body.Usage)
		completion.Usage = &llm.Usage{
			PromptTokens:     body.Usage.PromptTokens,
			CompletionTokens: body.Usage.CompletionTokens,
			TotalTokens:      body.Usage.TotalTokens,
		}
	}
	return completion, nil
}

// Stream prepares a streamed chat completion. The request is sent when the
// returned stream is ranged over.
func (c *Client) Stream(_ context.Context, req llm.Request) (llm.Stream, error) {
	return &Stream{client: c, req: req}, nil
}

type Stream struct {
	client *Client
	req    llm.Request
}

func (s *Stream) Chunks(ctx context.Context) func(func(llm.Chunk, error) bool) {
	requestToFirstTokenTime := time.Time{}
	setRequestToFirstTokenTime := func(span trace.Span) {
		if requestToFirstTokenTime.IsZero() {
			return
		}
		span.SetAttributes(attribute.Float64("response.request_to_first_token_time", time.Since(requestToFirstTokenTime).Seconds()))
		span.AddEvent("received first chunk")
		requestToFirstTokenTime = time.Time{}
	}

	return func(yield func(llm.Chunk, error) bool) {
		ctx, span := tracer.Start(ctx, "prompt llm stream")
		defer span.End()
		setRequestAttributes(span, s.req, s.client.model)

		req, err := s.client.newRequest(ctx, s.req, true)
		if err != nil {
			span.RecordError(err)
			yield(llm.Chunk{}, err)
			return
		}
		span.SetAttributes(attribute.String("request.url", req.URL.String()))

		requestToFirstTokenTime = time.Now()
		span.AddEvent("request started")
		resp, err := s.client.http.Do(req)
		if err != nil {
			err = fmt.Errorf("error sending request: %w", err)
			span.RecordError(err)
			yield(llm.Chunk{}, err)
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
		if resp.StatusCode != http.StatusOK {
			err := statusError(resp, span)
			yield(llm.Chunk{}, err)
			return
		}

		chunks := 0
		defer func() {
			span.SetAttributes(attribute.Int("response.chunks", chunks))
		}()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, chunkPrefix) {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, chunkPrefix))
			setRequestToFirstTokenTime(span)
			if len(data) == 0 {
				continue
			}
			if data == endMessage {
				yield(llm.Chunk{Done: true}, nil)
				return
			}

			var body streamingResponseBody
			if err := json.Unmarshal([]byte(data), &body); err != nil {
				logger.Debug("skipping malformed stream chunk", "error", err)
				continue
			}
			chunks++
			if body.Usage != nil {
				setUsageAttributes(span, body.Usage)
			}
			if !yield(toChunk(body), nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			err = fmt.Errorf("error reading streamed response: %w", err)
			span.RecordError(err)
			yield(llm.Chunk{}, err)
		}
	}
}

func toChunk(body streamingResponseBody) llm.Chunk {
	chunk := llm.Chunk{
		ID:                body.ID,
		Model:             body.Model,
		Created:           body.Created,
		SystemFingerprint: body.SystemFingerprint,
	}
	if body.Usage != nil {
		chunk.Usage = &llm.Usage{
			PromptTokens:     body.Usage.PromptTokens,
			CompletionTokens: body.Usage.CompletionTokens,
			TotalTokens:      body.Usage.TotalTokens,
		}
	}
	if len(body.Choices) == 0 {
		return chunk
	}
	choice := body.Choices[0]
	chunk.Role = llm.Role(choice.Delta.Role)
	chunk.Content = choice.Delta.Content
	if choice.FinishReason != nil {
		chunk.FinishReason = *choice.FinishReason
	}
	for i, call := range choice.Delta.ToolCalls {
		index := i
		if call.Index != nil {
			index = *call.Index
		}
		chunk.ToolCalls = append(chunk.ToolCalls, llm.ToolCallDelta{
			Index:     index,
			ID:        call.ID,
			Type:      call.Type,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return chunk
}
