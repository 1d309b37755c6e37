package openai

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/antoniostano/voxline/internal/reliability"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Config struct {
	APIKey    string
	BaseURL   string
	ChatModel string
	STTModel  string
	// Streaming selects the chunk stream for chat completions.
	Streaming  bool
	HTTPClient *http.Client
}

// Client talks to an OpenAI compatible HTTP API. It serves chat completions,
// whole or streamed, and utterance transcription.
type Client struct {
	apiKey    string
	baseURL   string
	model     string
	sttModel  string
	streaming bool
	http      *http.Client
}

func New(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.ChatModel
	if model == "" {
		model = "gpt-4o-mini"
	}
	sttModel := cfg.STTModel
	if sttModel == "" {
		sttModel = "whisper-1"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)}
	}
	return &Client{
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		model:     model,
		sttModel:  sttModel,
		streaming: cfg.Streaming,
		http:      client,
	}
}

// Streaming reports whether chat completions should be driven as a stream.
func (c *Client) Streaming() bool { return c.streaming }

func (c *Client) Model() string { return c.model }

func (c *Client) endpoint(path string) string {
	return c.baseURL + path
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// StatusError is a non-2xx API response.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("non-OK HTTP status: %s", e.Status)
	}
	return fmt.Sprintf("non-OK HTTP status: %s: %s", e.Status, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

func statusError(resp *http.Response, span trace.Span) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		err = fmt.Errorf("error reading error body: %w", err)
		span.RecordError(err)
	} else {
		span.SetAttributes(attribute.String("response.error", string(body)))
	}
	statusErr := &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(body))}
	span.RecordError(statusErr)
	return statusErr
}
