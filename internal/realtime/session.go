package realtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antoniostano/voxline/internal/audio"
	"github.com/antoniostano/voxline/internal/chat"
	"github.com/antoniostano/voxline/internal/llm"
	"github.com/antoniostano/voxline/internal/observability"
	"github.com/antoniostano/voxline/internal/reliability"
	"github.com/antoniostano/voxline/internal/tools"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSessionClosed = errors.New("realtime: session closed")
	ErrNotConnected  = errors.New("realtime: not connected")
)

const writeTimeout = 10 * time.Second

// Config describes the provider endpoint and its protocol variant.
type Config struct {
	URL    string
	Header http.Header

	// ServerVAD forwards every frame and lets the provider detect turns.
	ServerVAD bool
	// Azure hosts need turn_detection {"type":"none"} instead of null.
	Azure bool
	// InPlaceUpdate applies configuration changes with session.update instead
	// of reconnecting.
	InPlaceUpdate bool
	// MultiToolCalls keys pending calls by call id instead of by turn.
	MultiToolCalls bool

	TranscriptionModel string
	ConnectTimeout     time.Duration
	ConnectAttempts    int
	RetryBackoff       time.Duration
	ReconcileInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = "whisper-1"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 500 * time.Millisecond
	}
	return c
}

// ConfigSource yields the configuration the session should be running with.
type ConfigSource interface {
	SessionConfiguration(ctx context.Context) (SessionConfiguration, error)
}

type ConfigSourceFunc func(ctx context.Context) (SessionConfiguration, error)

func (f ConfigSourceFunc) SessionConfiguration(ctx context.Context) (SessionConfiguration, error) {
	return f(ctx)
}

type Options struct {
	Source   ConfigSource
	Catalog  tools.Catalog
	Executor tools.Executor
	Chat     chat.Surface
	Player   Player
	Observer observability.Observer
	Metrics  *observability.Metrics
	// OnState, when set, is called on every state transition.
	OnState func(State)
}

// Status is a snapshot for the status endpoint.
type Status struct {
	State       string `json:"state"`
	Generations int    `json:"generations"`
	Active      int    `json:"active"`
	Pending     int    `json:"pending_completions"`
	Outbox      int    `json:"outbox_frames"`
	Capturing   bool   `json:"capturing"`
}

// Session is a long-lived connection to a realtime speech-to-speech
// provider. It streams microphone audio up, plays assistant audio back and
// runs the tool calls the model makes, each at most once.
type Session struct {
	cfg    Config
	opts   Options
	dialer *websocket.Dialer
	calls  ToolCalls

	ctx    context.Context
	cancel context.CancelFunc

	state    atomic.Int32
	guard    ReconnectGuard
	disposed atomic.Bool

	spawnMu sync.Mutex
	loops   sync.WaitGroup

	connectMu sync.Mutex
	failing   bool
	genMu     sync.RWMutex
	gen       *generation
	genSeq    int

	cfgMu         sync.Mutex
	activePayload []byte

	outbox       *outbox
	capturing    atomic.Bool
	serverSpeech atomic.Bool
	committedAt  atomic.Int64

	promises promises
	typedMu  sync.Mutex
	typed    map[string]bool
}

func New(cfg Config, opts Options) *Session {
	if opts.Observer == nil {
		opts.Observer = observability.Nop{}
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:  cfg,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		calls:  NewToolCalls(cfg.MultiToolCalls),
		ctx:    ctx,
		cancel: cancel,
		outbox: newOutbox(),
		typed:  make(map[string]bool),
	}
}

// Start connects and begins reconciling the configuration. A failed first
// connect is returned but the session keeps retrying in the background.
func (s *Session) Start(ctx context.Context) error {
	err := s.connect(ctx, "start")
	s.spawn(func() { s.reconcileLoop(s.ctx) })
	return err
}

func (s *Session) State() State { return State(s.state.Load()) }

// Guard exposes generation accounting.
func (s *Session) Guard() *ReconnectGuard { return &s.guard }

// Capturing reports whether a user turn is being captured.
func (s *Session) Capturing() bool {
	return s.capturing.Load() || s.serverSpeech.Load()
}

func (s *Session) Status() Status {
	return Status{
		State:       s.State().String(),
		Generations: s.guard.Generations(),
		Active:      s.guard.Active(),
		Pending:     s.promises.len(),
		Outbox:      s.outbox.len(),
		Capturing:   s.Capturing(),
	}
}

// SampleRate is the rate the session consumes and produces audio at.
func (s *Session) SampleRate() int { return outputSampleRate }

// LiveAudio marks the session as consuming the microphone directly, so the
// pipeline does not hand utterances to a transcriber.
func (s *Session) LiveAudio() bool { return true }

// OnAudioData forwards microphone audio. With local VAD, the pre-speech
// buffer is sent when speech starts, then speech frames, then a commit.
func (s *Session) OnAudioData(frame audio.Frame, d *audio.Detection) {
	if s.State() != StateReady {
		s.capturing.Store(false)
		return
	}
	if s.cfg.ServerVAD {
		s.outbox.push(outbound{pcm: frame.Data})
		return
	}
	if d.SpeechDetected.Load() {
		if !s.capturing.Swap(true) {
			for _, f := range d.PreSpeech() {
				s.outbox.push(outbound{pcm: f.Data})
			}
		}
		s.outbox.push(outbound{pcm: frame.Data})
		return
	}
	if s.capturing.Swap(false) {
		s.outbox.push(outbound{pcm: frame.Data})
		s.outbox.push(outbound{commit: true})
	}
}

// Reset abandons a local-VAD turn in progress. Audio already sent is
// cleared on the server instead of committed.
func (s *Session) Reset() {
	if s.capturing.Swap(false) {
		s.outbox.push(outbound{clear: true})
	}
}

// Complete sends a typed user message over the socket and waits for the
// model's text answer, returned as an answer_question call.
func (s *Session) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	if s.disposed.Load() {
		return llm.Completion{}, ErrSessionClosed
	}
	gen := s.current()
	if gen == nil || s.State() != StateReady {
		return llm.Completion{}, ErrNotConnected
	}

	ctx, span := tracer.Start(ctx, "realtime complete")
	defer span.End()

	text := lastUserText(req.Messages)
	eventID := newEventID()
	itemID := newItemID()
	span.SetAttributes(attribute.String("realtime.event_id", eventID), attribute.String("realtime.item_id", itemID))

	s.markTyped(itemID)
	p := s.promises.add()
	start := time.Now()

	err := gen.writeJSON(userTextItem(eventID, itemID, text))
	if err == nil {
		err = gen.writeJSON(responseCreate{
			Type:     "response.create",
			EventID:  eventID + ".response",
			Response: &responseOptions{Modalities: []string{"text"}},
		})
	}
	if err != nil {
		s.promises.remove(p)
		s.takeTyped(itemID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return llm.Completion{}, fmt.Errorf("send text turn: %w", err)
	}

	completion, err := p.wait(ctx)
	if err != nil {
		s.promises.remove(p)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return llm.Completion{}, err
	}
	s.opts.Observer.LogLLMLatency(time.Since(start))
	return completion, nil
}

// Close ends the session: the socket is closed normally, every loop is
// joined and waiting completions fail with ErrSessionClosed.
func (s *Session) Close() error {
	s.spawnMu.Lock()
	if s.disposed.Swap(true) {
		s.spawnMu.Unlock()
		return nil
	}
	s.spawnMu.Unlock()

	s.cancel()
	s.connectMu.Lock()
	s.teardown()
	s.connectMu.Unlock()
	s.loops.Wait()

	if n := s.promises.rejectAll(ErrSessionClosed); n > 0 {
		logger.Debug("rejected pending completions", "count", n)
	}
	s.setState(StateClosed)
	return nil
}

// spawn runs fn on a tracked goroutine unless the session is closed.
func (s *Session) spawn(fn func()) bool {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()
	if s.disposed.Load() {
		return false
	}
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		fn()
	}()
	return true
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	logger.Debug("realtime state", "from", prev.String(), "to", st.String())
	if s.opts.Metrics != nil {
		s.opts.Metrics.RealtimeState.Set(float64(st))
	}
	if s.opts.OnState != nil {
		s.opts.OnState(st)
	}
}

func (s *Session) current() *generation {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	return s.gen
}

// connect replaces the running generation with a fresh connection. Only one
// connect runs at a time.
func (s *Session) connect(ctx context.Context, reason string) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	if s.disposed.Load() {
		return ErrSessionClosed
	}
	// A drop is seen by both the generation and the reconcile loop; whichever
	// connects first wins.
	if (reason == "retry" || reason == "connection_lost") && s.current() != nil && s.State() == StateReady {
		logger.Debug("realtime already reconnected", "reason", reason)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	ctx, span := tracer.Start(ctx, "realtime connect")
	defer span.End()
	span.SetAttributes(attribute.String("realtime.reason", reason))
	if s.opts.Metrics != nil && reason != "start" {
		s.opts.Metrics.RealtimeReconnects.WithLabelValues(reason).Inc()
	}

	s.teardown()
	s.outbox.clear()
	s.capturing.Store(false)
	s.serverSpeech.Store(false)
	s.setState(StateConnecting)

	conn, err := s.dial(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.setState(StateError)
		if !s.failing && s.opts.Chat != nil {
			msg := "Failed to connect to Realtime API"
			if err.Error() != "" {
				msg = "Realtime API connection failed: " + err.Error()
			}
			s.opts.Chat.Warn(msg)
		}
		s.failing = true
		return fmt.Errorf("connect realtime: %w", err)
	}
	s.failing = false

	s.setState(StateConfiguring)
	gen := s.startGeneration(conn)
	if err := s.configure(ctx, gen); err != nil {
		logger.Warn("session configuration not sent", "error", err)
	}
	s.setState(StateReady)
	span.SetAttributes(attribute.Int("realtime.generation", gen.id))
	logger.Info("realtime session ready", "generation", gen.id, "reason", reason)
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.ConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt-1, s.cfg.RetryBackoff, 8*s.cfg.RetryBackoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		conn, resp, err := s.dialer.DialContext(attemptCtx, s.cfg.URL, s.cfg.Header)
		cancel()
		status := 0
		if resp != nil {
			status = resp.StatusCode
			if err != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Warn("realtime dial failed", "attempt", attempt+1, "status", status, "error", err)
		if ctx.Err() != nil || !reliability.IsRetryableDial(err, status) {
			break
		}
	}
	return nil, lastErr
}

// configure sends the current configuration on a new connection, falling
// back to the last one applied when the source fails.
func (s *Session) configure(ctx context.Context, gen *generation) error {
	if s.opts.Source == nil {
		return nil
	}
	var payload []byte
	cfg, err := s.opts.Source.SessionConfiguration(ctx)
	if err == nil {
		payload, err = buildSessionUpdate(cfg, s.cfg)
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if err != nil {
		if s.activePayload == nil {
			return fmt.Errorf("session configuration: %w", err)
		}
		logger.Warn("using last applied session configuration", "error", err)
		payload = s.activePayload
	}
	if err := gen.writeRaw(payload); err != nil {
		return fmt.Errorf("send session.update: %w", err)
	}
	s.activePayload = payload
	return nil
}

func (s *Session) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	failures := 0
	var next time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		switch s.State() {
		case StateDisconnected, StateError:
			if time.Now().Before(next) {
				continue
			}
			if err := s.connect(ctx, "retry"); err != nil {
				failures++
				next = time.Now().Add(reliability.ExponentialBackoff(failures, time.Second, 30*time.Second))
				continue
			}
			failures = 0
		case StateReady:
			s.reconcile(ctx)
		}
	}
}

// reconcile applies a changed configuration when no turn is in progress.
func (s *Session) reconcile(ctx context.Context) {
	if s.opts.Source == nil {
		return
	}
	cfg, err := s.opts.Source.SessionConfiguration(ctx)
	if err != nil {
		logger.Warn("session configuration unavailable", "error", err)
		return
	}
	payload, err := buildSessionUpdate(cfg, s.cfg)
	if err != nil {
		logger.Warn("render session configuration", "error", err)
		return
	}

	s.cfgMu.Lock()
	unchanged := bytes.Equal(payload, s.activePayload)
	s.cfgMu.Unlock()
	if unchanged {
		return
	}
	if s.Capturing() {
		logger.Debug("turn in progress, deferring session update")
		return
	}

	if !s.cfg.InPlaceUpdate {
		logger.Info("session configuration changed, reconnecting")
		if err := s.connect(ctx, "config_change"); err != nil {
			logger.Warn("reconnect for configuration failed", "error", err)
		}
		return
	}

	gen := s.current()
	if gen == nil {
		return
	}
	if err := gen.writeRaw(payload); err != nil {
		logger.Warn("send session.update", "error", err)
		return
	}
	s.cfgMu.Lock()
	s.activePayload = payload
	s.cfgMu.Unlock()
	logger.Info("session configuration updated", "generation", gen.id)
}

// generation is one connection and the loops serving it.
type generation struct {
	id         int
	conn       *websocket.Conn
	writeMu    sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	deliberate atomic.Bool
	turns      *turnState

	// Turns whose tool output asked for a follow-up response, oldest first.
	followMu  sync.Mutex
	followUps []string
}

func (g *generation) pushFollowUp(convo string) {
	g.followMu.Lock()
	g.followUps = append(g.followUps, convo)
	g.followMu.Unlock()
}

func (g *generation) popFollowUp() (string, bool) {
	g.followMu.Lock()
	defer g.followMu.Unlock()
	if len(g.followUps) == 0 {
		return "", false
	}
	convo := g.followUps[0]
	g.followUps = g.followUps[1:]
	return convo, true
}

// dropFollowUp forgets the newest request for convo.
func (g *generation) dropFollowUp(convo string) {
	g.followMu.Lock()
	defer g.followMu.Unlock()
	for i := len(g.followUps) - 1; i >= 0; i-- {
		if g.followUps[i] == convo {
			g.followUps = append(g.followUps[:i], g.followUps[i+1:]...)
			return
		}
	}
}

func (g *generation) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return g.writeRaw(b)
}

func (g *generation) writeRaw(b []byte) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_ = g.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return g.conn.WriteMessage(websocket.TextMessage, b)
}

// close sends a normal close frame and stops the loops.
func (g *generation) close() {
	g.deliberate.Store(true)
	g.writeMu.Lock()
	_ = g.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	g.writeMu.Unlock()
	g.cancel()
}

func (s *Session) startGeneration(conn *websocket.Conn) *generation {
	ctx, cancel := context.WithCancel(s.ctx)
	s.genSeq++
	gen := &generation{
		id:     s.genSeq,
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
		turns:  newTurnState(),
	}

	s.guard.enter()
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.readLoop(gctx, gen) })
	group.Go(func() error { return s.writeLoop(gctx, gen) })
	go func() {
		err := group.Wait()
		_ = conn.Close()
		gen.turns.stopAll()
		s.guard.exit()
		close(gen.done)

		if gen.deliberate.Load() || s.disposed.Load() {
			return
		}
		logger.Warn("realtime connection lost", "generation", gen.id, "error", err)
		s.promises.rejectAll(ErrSessionClosed)
		s.setState(StateDisconnected)
		s.spawn(func() {
			if err := s.connect(s.ctx, "connection_lost"); err != nil {
				logger.Warn("realtime reconnect failed", "error", err)
			}
		})
	}()

	s.genMu.Lock()
	s.gen = gen
	s.genMu.Unlock()
	return gen
}

// teardown stops the running generation and waits for its loops.
func (s *Session) teardown() {
	s.genMu.Lock()
	gen := s.gen
	s.gen = nil
	s.genMu.Unlock()
	if gen == nil {
		return
	}
	gen.close()
	<-gen.done
}

func (s *Session) writeLoop(ctx context.Context, gen *generation) error {
	for {
		item, ok := s.outbox.pop(ctx)
		if !ok {
			return nil
		}
		var err error
		switch {
		case item.commit:
			s.committedAt.Store(time.Now().UnixNano())
			if err = gen.writeJSON(bufferEvent{Type: "input_audio_buffer.commit"}); err == nil {
				err = gen.writeJSON(responseCreate{Type: "response.create"})
			}
		case item.clear:
			err = gen.writeJSON(bufferEvent{Type: "input_audio_buffer.clear"})
		default:
			err = gen.writeJSON(appendAudio(item.pcm))
		}
		if err != nil {
			return fmt.Errorf("write realtime audio: %w", err)
		}
	}
}

func (s *Session) readLoop(ctx context.Context, gen *generation) error {
	stop := context.AfterFunc(ctx, func() { _ = gen.conn.Close() })
	defer stop()

	for {
		_, data, err := gen.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read realtime event: %w", err)
		}
		ev, err := decodeServerEvent(data)
		if err != nil {
			logger.Debug("dropping malformed realtime event", "error", err)
			continue
		}
		s.dispatch(gen, ev)
	}
}

// dispatch handles one server event. It runs only on the read loop, which
// owns gen.turns.
func (s *Session) dispatch(gen *generation, ev serverEvent) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RealtimeEvents.WithLabelValues(ev.Type).Inc()
	}
	t := gen.turns

	switch ev.Type {
	case eventSessionCreated, eventSessionUpdated, eventResponseDone:
		logger.Debug("realtime event", "type", ev.Type)

	case eventItemCreated:
		if ev.Item == nil || ev.Item.Type != "message" || ev.Item.Role != "user" {
			return
		}
		t.pendingItem = ev.Item.ID
		if s.takeTyped(ev.Item.ID) {
			s.allowTurn(gen, ev.Item.ID)
		}

	case eventResponseCreated:
		respID := ev.responseKey()
		convo := t.pendingItem
		if convo == "" {
			// a response requested after a tool output continues that turn
			convo, _ = gen.popFollowUp()
		}
		t.pendingItem = ""
		if respID == "" || convo == "" {
			logger.Debug("response without a turn", "response_id", respID)
			return
		}
		t.responses[respID] = convo
		if t.ignoredConvos[convo] {
			t.ignoredResponses[respID] = true
		}

	case eventTranscriptionCompleted:
		if at := s.committedAt.Swap(0); at > 0 {
			s.opts.Observer.LogSTTLatency(time.Since(time.Unix(0, at)))
		}
		s.gateTurn(gen, ev.ItemID, ev.Transcript)

	case eventTranscriptionFailed:
		logger.Warn("input transcription failed", "item_id", ev.ItemID)
		s.gateTurn(gen, ev.ItemID, "")

	case eventSpeechStarted:
		s.serverSpeech.Store(true)
		t.stopAll()
		logger.Debug("speech started, stopping assistant audio")

	case eventSpeechStopped:
		s.serverSpeech.Store(false)
		logger.Debug("speech stopped")

	case eventOutputItemAdded:
		if ev.Item == nil || ev.Item.Type != "function_call" {
			return
		}
		if convo, ok := t.convoFor(ev.responseKey()); ok {
			s.calls.Name(convo, ev.Item.CallID, ev.Item.Name)
		}

	case eventAudioDelta:
		convo, ok := t.convoFor(ev.responseKey())
		if !ok {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			logger.Debug("dropping undecodable audio delta", "error", err)
			return
		}
		t.stream(convo, s.opts.Player).write(pcm)

	case eventAudioDone:
		if convo, ok := t.convoFor(ev.responseKey()); ok {
			if ps := t.playback[convo]; ps != nil {
				n := ps.finish()
				d := audioDuration(n)
				s.opts.Observer.LogTTSCost(d.Minutes() * ttsUSDPerMinute)
				logger.Debug("assistant audio finished", "convo_id", convo, "duration", d)
			}
			// a newer user item may already be waiting for its response
			if t.pendingItem == convo {
				t.pendingItem = ""
			}
		}

	case eventAudioTranscriptDone:
		if _, ok := t.convoFor(ev.responseKey()); ok && ev.Transcript != "" && s.opts.Chat != nil {
			s.opts.Chat.AddAssistantMessage(ev.Transcript)
		}

	case eventTextDelta:
		if convo, ok := t.convoFor(ev.responseKey()); ok {
			t.text(convo).WriteString(ev.Delta)
		}

	case eventTextDone:
		convo, ok := t.convoFor(ev.responseKey())
		if !ok {
			return
		}
		text := ev.Text
		if text == "" {
			text = t.text(convo).String()
		}
		delete(t.texts, convo)
		s.resolveText(ev.responseKey(), text)

	case eventArgumentsDelta:
		if convo, ok := t.convoFor(ev.responseKey()); ok {
			s.calls.Append(convo, ev.CallID, ev.Delta)
		}

	case eventArgumentsDone:
		convo, ok := t.convoFor(ev.responseKey())
		if !ok {
			return
		}
		for _, call := range s.calls.Complete(convo, ev.CallID, ev.Name, ev.Arguments) {
			s.execute(gen, call)
		}

	case eventError:
		var e serverError
		if ev.Error != nil {
			e = *ev.Error
		}
		logger.Warn("realtime error event", "type", e.Type, "code", e.Code, "message", e.Message)
		if e.Message != interruptedMessage && s.opts.Chat != nil {
			s.opts.Chat.Warn(e.Message)
		}

	default:
		logger.Debug("unhandled realtime event", "type", ev.Type)
	}
}

// gateTurn is the transcript check: filler turns are dropped with their
// audio and tool calls, real ones are shown and released.
func (s *Session) gateTurn(gen *generation, convo, transcript string) {
	t := gen.turns
	transcript = strings.TrimSuffix(transcript, "\n")
	if isFiller(transcript) {
		logger.Info("ignoring filler turn", "convo_id", convo, "transcript", transcript)
		t.ignore(convo)
		s.calls.Ignore(convo)
		return
	}
	if s.opts.Chat != nil {
		s.opts.Chat.AddUserMessage(transcript)
	}
	s.allowTurn(gen, convo)
}

func (s *Session) allowTurn(gen *generation, convo string) {
	gen.turns.allow(convo)
	for _, call := range s.calls.Allow(convo) {
		s.execute(gen, call)
	}
}

func (s *Session) resolveText(responseID, text string) {
	args, _ := json.Marshal(tools.AnswerQuestionArgs{Text: text})
	completion := llm.Completion{
		ID:   responseID,
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{
			ID:        tools.AnswerQuestion,
			Type:      "function",
			Name:      tools.AnswerQuestion,
			Arguments: string(args),
		}},
	}
	if !s.promises.resolveOldest(completion) && s.opts.Chat != nil {
		s.opts.Chat.AddAssistantMessage(text)
	}
}

func (s *Session) execute(gen *generation, call *PendingToolCall) {
	if !s.spawn(func() { s.executeToolCall(s.ctx, gen, call) }) {
		logger.Debug("session closed, dropping tool call", "tool", call.Name, "call_id", call.CallID)
	}
}

// executeToolCall runs one released call and reports its output on the
// connection it arrived on.
func (s *Session) executeToolCall(ctx context.Context, gen *generation, call *PendingToolCall) {
	ctx, span := tracer.Start(ctx, "realtime tool call")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.CallID),
		attribute.String("realtime.convo_id", call.ConvoID),
	)

	if s.opts.Catalog == nil || s.opts.Executor == nil {
		logger.Warn("no tool executor, dropping call", "tool", call.Name, "args", call.Arguments)
		return
	}
	tool, ok := s.opts.Catalog.Lookup(call.Name)
	if !ok {
		logger.Warn("unknown tool", "tool", call.Name, "args", call.Arguments)
		span.SetStatus(codes.Error, "unknown tool")
		return
	}

	onFinish := func(result any) {
		if s.opts.Chat != nil {
			s.opts.Chat.AddAssistantToolResponse(tool.Name, call.CallID, call.Arguments, result)
		}
		if err := gen.writeJSON(functionCallOutput(call.CallID, resultText(result))); err != nil {
			logger.Warn("send tool output", "tool", tool.Name, "error", err)
			return
		}
		if tool.TriggerResponse {
			gen.pushFollowUp(call.ConvoID)
			if err := gen.writeJSON(responseCreate{Type: "response.create"}); err != nil {
				gen.dropFollowUp(call.ConvoID)
				logger.Warn("request follow-up response", "tool", tool.Name, "error", err)
			}
		}
	}

	if err := s.runTool(ctx, call, tool, onFinish); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("tool execution failed", "tool", tool.Name, "args", call.Arguments, "error", err)
		return
	}
	if !tool.ManualConfirm {
		if err := gen.writeJSON(functionCallOutput(call.CallID, "success")); err != nil {
			logger.Warn("send tool confirmation", "tool", tool.Name, "error", err)
		}
	}
}

func (s *Session) runTool(ctx context.Context, call *PendingToolCall, tool tools.Tool, onFinish func(any)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, r)
		}
	}()
	return s.opts.Executor.ExecuteTool(ctx, call.Arguments, tool, onFinish)
}

func (s *Session) markTyped(itemID string) {
	s.typedMu.Lock()
	s.typed[itemID] = true
	s.typedMu.Unlock()
}

// takeTyped reports whether itemID was created by Complete, forgetting it.
func (s *Session) takeTyped(itemID string) bool {
	s.typedMu.Lock()
	defer s.typedMu.Unlock()
	ok := s.typed[itemID]
	delete(s.typed, itemID)
	return ok
}

func lastUserText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// turnState correlates responses with the user turn that caused them. It
// belongs to one generation and is touched only by its read loop.
type turnState struct {
	pendingItem      string
	responses        map[string]string
	ignoredConvos    map[string]bool
	ignoredResponses map[string]bool
	allowed          map[string]bool
	texts            map[string]*strings.Builder
	playback         map[string]*playbackStream
}

func newTurnState() *turnState {
	return &turnState{
		responses:        make(map[string]string),
		ignoredConvos:    make(map[string]bool),
		ignoredResponses: make(map[string]bool),
		allowed:          make(map[string]bool),
		texts:            make(map[string]*strings.Builder),
		playback:         make(map[string]*playbackStream),
	}
}

// convoFor maps a response to its turn. Responses of ignored turns map to
// nothing.
func (t *turnState) convoFor(responseID string) (string, bool) {
	if t.ignoredResponses[responseID] {
		return "", false
	}
	convo, ok := t.responses[responseID]
	return convo, ok
}

func (t *turnState) stream(convo string, player Player) *playbackStream {
	ps, ok := t.playback[convo]
	if !ok {
		ps = newPlaybackStream(convo, player, t.allowed[convo])
		t.playback[convo] = ps
	}
	return ps
}

func (t *turnState) text(convo string) *strings.Builder {
	b, ok := t.texts[convo]
	if !ok {
		b = &strings.Builder{}
		t.texts[convo] = b
	}
	return b
}

func (t *turnState) allow(convo string) {
	t.allowed[convo] = true
	if ps := t.playback[convo]; ps != nil {
		ps.allow()
	}
}

func (t *turnState) ignore(convo string) {
	t.ignoredConvos[convo] = true
	delete(t.allowed, convo)
	delete(t.texts, convo)
	for resp, c := range t.responses {
		if c == convo {
			t.ignoredResponses[resp] = true
		}
	}
	if ps := t.playback[convo]; ps != nil {
		ps.ignore()
	}
}

func (t *turnState) stopAll() {
	for _, ps := range t.playback {
		ps.stop()
	}
}
