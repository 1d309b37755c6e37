package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voxline/internal/protocol"
)

// hub fans state events out to connected control sockets. Slow sockets
// miss events rather than stall the publisher.
type hub struct {
	mu   sync.Mutex
	subs map[chan any]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan any]struct{})}
}

func (h *hub) subscribe(buffer int) (<-chan any, func()) {
	ch := make(chan any, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// PublishState broadcasts a component state change to every control
// socket.
func (s *Server) PublishState(component, state, detail string) {
	s.events.publish(protocol.StateEvent{
		Type:      protocol.TypeStateEvent,
		Component: component,
		State:     state,
		Detail:    detail,
		TSMs:      nowMS(),
	})
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	send := func(msg any) {
		select {
		case <-ctx.Done():
		case outbound <- msg:
		}
	}

	var forwarders sync.WaitGroup
	states, unsubscribe := s.events.subscribe(64)
	defer unsubscribe()
	forwarders.Add(1)
	go func() {
		defer forwarders.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-states:
				send(ev)
			}
		}
	}()
	if s.deps.Chat != nil {
		entries, stop := s.deps.Chat.Subscribe(64)
		defer stop()
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case entry, ok := <-entries:
					if !ok {
						return
					}
					send(protocol.ChatEntry{Type: protocol.TypeChatEntry, Entry: entry})
				}
			}
		}()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					logger.Debug("control socket write failed", "error", err)
					cancel()
					return
				}
				s.countMessage("outbound", msg)
			}
		}
	}()

	send(protocol.StateEvent{Type: protocol.TypeStateEvent, Component: "assistant", State: s.mode(), TSMs: nowMS()})

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	var turns sync.WaitGroup
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			})
			continue
		}
		s.countMessage("inbound", parsed)

		switch msg := parsed.(type) {
		case protocol.ClientControl:
			send(s.handleControlMessage(msg))
		case protocol.ClientText:
			if s.deps.Conversation == nil {
				send(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, ID: msg.ID, Code: "unavailable", Detail: "conversation not configured"})
				continue
			}
			turns.Add(1)
			go func() {
				defer turns.Done()
				if _, err := s.deps.Conversation.Send(ctx, msg.Text); err != nil {
					send(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, ID: msg.ID, Code: "completion_failed", Retryable: true, Detail: err.Error()})
					return
				}
				send(protocol.Ack{Type: protocol.TypeAck, ID: msg.ID})
			}()
		}
	}

	cancel()
	turns.Wait()
	forwarders.Wait()
	<-writerDone
}

func (s *Server) handleControlMessage(msg protocol.ClientControl) any {
	if msg.Action == protocol.ActionReset {
		if s.deps.Conversation != nil {
			s.deps.Conversation.Reset()
		}
		return protocol.Ack{Type: protocol.TypeAck, ID: msg.ID}
	}
	if s.deps.Pipeline == nil {
		return protocol.ErrorEvent{Type: protocol.TypeErrorEvent, ID: msg.ID, Code: "unavailable", Detail: "capture pipeline not configured"}
	}
	if err := s.control(msg.Action); err != nil {
		return protocol.ErrorEvent{Type: protocol.TypeErrorEvent, ID: msg.ID, Code: "unknown_action", Detail: err.Error()}
	}
	logger.Info("pipeline control", "action", msg.Action, "reason", msg.Reason)
	return protocol.Ack{Type: protocol.TypeAck, ID: msg.ID}
}

func (s *Server) countMessage(direction string, msg any) {
	if s.deps.Metrics == nil {
		return
	}
	if t, ok := messageTypeOf(msg); ok {
		s.deps.Metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.ClientText:
		return m.Type, true
	case protocol.ChatEntry:
		return m.Type, true
	case protocol.StateEvent:
		return m.Type, true
	case protocol.Ack:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
