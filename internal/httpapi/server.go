package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/voxline/internal/audio"
	"github.com/antoniostano/voxline/internal/config"
	"github.com/antoniostano/voxline/internal/llm"
	"github.com/antoniostano/voxline/internal/memory"
	"github.com/antoniostano/voxline/internal/observability"
	"github.com/antoniostano/voxline/internal/realtime"
)

// Pipeline is the capture pipeline as seen by the control surface.
type Pipeline interface {
	Status() audio.Status
	Pause()
	Resume()
	Restart(ctx context.Context)
}

type Conversation interface {
	Send(ctx context.Context, text string) (llm.Completion, error)
	Reset()
}

type ChatLog interface {
	History(ctx context.Context, limit int) ([]memory.Entry, error)
	Subscribe(buffer int) (<-chan memory.Entry, func())
}

type RealtimeStatus interface {
	Status() realtime.Status
}

type ModeDescriber interface {
	Describe() string
}

type LatencySource interface {
	Latency() observability.LatencySnapshot
}

type Deps struct {
	// Context scopes work started by control requests, such as a capture
	// restart. It defaults to context.Background.
	Context      context.Context
	Pipeline     Pipeline
	Conversation Conversation
	Chat         ChatLog
	Realtime     RealtimeStatus
	Mode         ModeDescriber
	Latency      LatencySource
	Metrics      *observability.Metrics
}

type Server struct {
	cfg      config.Config
	deps     Deps
	events   *hub
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Context == nil {
		deps.Context = context.Background()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		events: newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser pages may drive the assistant.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/status", s.handleStatus)
	r.Post("/v1/pipeline/{action}", s.handlePipelineControl)
	r.Post("/v1/chat", s.handleChat)
	r.Post("/v1/chat/reset", s.handleChatReset)
	r.Get("/v1/chat/history", s.handleChatHistory)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/events/ws", s.handleEventsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	mode := s.mode()
	if mode == "none" {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "mode": mode})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready", "mode": mode})
}

type statusResponse struct {
	Mode     string           `json:"mode"`
	Pipeline *audio.Status    `json:"pipeline,omitempty"`
	Realtime *realtime.Status `json:"realtime,omitempty"`
}

func (s *Server) status() statusResponse {
	resp := statusResponse{Mode: s.mode()}
	if s.deps.Pipeline != nil {
		st := s.deps.Pipeline.Status()
		resp.Pipeline = &st
	}
	if s.deps.Realtime != nil {
		st := s.deps.Realtime.Status()
		resp.Realtime = &st
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.status())
}

func (s *Server) handlePipelineControl(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "capture pipeline not configured")
		return
	}
	action := chi.URLParam(r, "action")
	if err := s.control(action); err != nil {
		respondError(w, http.StatusNotFound, "unknown_action", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, s.status())
}

var errUnknownAction = errors.New("unknown pipeline action")

func (s *Server) control(action string) error {
	switch action {
	case "pause":
		s.deps.Pipeline.Pause()
	case "resume":
		s.deps.Pipeline.Resume()
	case "restart":
		s.deps.Pipeline.Restart(s.deps.Context)
	default:
		return errUnknownAction
	}
	s.PublishState("pipeline", action, "")
	return nil
}

type chatRequest struct {
	Text string `json:"text"`
}

type chatResponse struct {
	ID        string         `json:"id,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []llm.ToolCall `json:"tool_calls"`
	Usage     *llm.Usage     `json:"usage,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversation == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "conversation not configured")
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	completion, err := s.deps.Conversation.Send(r.Context(), text)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, realtime.ErrNotConnected) || errors.Is(err, realtime.ErrSessionClosed) {
			status = http.StatusServiceUnavailable
		}
		respondError(w, status, "completion_failed", err.Error())
		return
	}
	calls := completion.ToolCalls
	if calls == nil {
		calls = []llm.ToolCall{}
	}
	respondJSON(w, http.StatusOK, chatResponse{
		ID:        completion.ID,
		Content:   completion.Content,
		ToolCalls: calls,
		Usage:     completion.Usage,
	})
}

func (s *Server) handleChatReset(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Conversation == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "conversation not configured")
		return
	}
	s.deps.Conversation.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		respondJSON(w, http.StatusOK, map[string]any{"entries": []memory.Entry{}})
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	entries, err := s.deps.Chat.History(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) mode() string {
	if s.deps.Mode == nil {
		return "none"
	}
	return s.deps.Mode.Describe()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func nowMS() int64 { return time.Now().UnixMilli() }
