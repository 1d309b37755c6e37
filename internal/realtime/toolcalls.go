package realtime

import (
	"strings"
	"sync"
)

// PendingToolCall is a function call streamed by the provider. It runs once
// its arguments are complete and its turn's transcript has passed the filler
// check, in whichever order those arrive.
type PendingToolCall struct {
	ConvoID   string
	CallID    string
	Name      string
	Arguments string

	args           strings.Builder
	argsDone       bool
	executeAllowed bool
	executed       bool
}

// fire marks the call executed when it is ready. It reports true exactly once.
func (c *PendingToolCall) fire() bool {
	if c.executed || !c.argsDone || !c.executeAllowed {
		return false
	}
	c.executed = true
	return true
}

// ToolCalls collects pending calls per turn. Every method returns the calls
// that became ready as a result, each of which must be executed once.
type ToolCalls interface {
	// Append adds streamed argument text.
	Append(convoID, callID, delta string)
	// Complete records the final arguments of a call.
	Complete(convoID, callID, name, args string) []*PendingToolCall
	// Name records the function name as soon as the provider announces it.
	Name(convoID, callID, name string)
	// Allow lets every current and future call of the turn execute.
	Allow(convoID string) []*PendingToolCall
	// Ignore drops the turn; its calls never execute.
	Ignore(convoID string)
}

// NewToolCalls returns the collection matching the provider's call model.
func NewToolCalls(multi bool) ToolCalls {
	if multi {
		return &indexedToolCalls{
			gate:  newGate(),
			calls: make(map[string]map[string]*PendingToolCall),
			order: make(map[string][]string),
		}
	}
	return &singleToolCall{gate: newGate(), calls: make(map[string]*PendingToolCall)}
}

type gate struct {
	mu      sync.Mutex
	allowed map[string]bool
	ignored map[string]bool
}

func newGate() gate {
	return gate{allowed: make(map[string]bool), ignored: make(map[string]bool)}
}

// singleToolCall keeps one call per turn. A new call id replaces a call that
// has already run.
type singleToolCall struct {
	gate
	calls map[string]*PendingToolCall
}

func (s *singleToolCall) slot(convoID, callID string) *PendingToolCall {
	c, ok := s.calls[convoID]
	if !ok || (c.CallID != callID && c.executed) {
		c = &PendingToolCall{ConvoID: convoID, CallID: callID, executeAllowed: s.allowed[convoID]}
		s.calls[convoID] = c
	}
	if c.CallID == "" {
		c.CallID = callID
	}
	return c
}

func (s *singleToolCall) Append(convoID, callID, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ignored[convoID] {
		return
	}
	c := s.slot(convoID, callID)
	if !c.argsDone {
		c.args.WriteString(delta)
	}
}

func (s *singleToolCall) Name(convoID, callID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ignored[convoID] {
		return
	}
	if c := s.slot(convoID, callID); c.Name == "" {
		c.Name = name
	}
}

func (s *singleToolCall) Complete(convoID, callID, name, args string) []*PendingToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ignored[convoID] {
		return nil
	}
	c := s.slot(convoID, callID)
	return complete(c, name, args)
}

func (s *singleToolCall) Allow(convoID string) []*PendingToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ignored[convoID] {
		return nil
	}
	s.allowed[convoID] = true
	c, ok := s.calls[convoID]
	if !ok {
		return nil
	}
	c.executeAllowed = true
	if c.fire() {
		return []*PendingToolCall{c}
	}
	return nil
}

func (s *singleToolCall) Ignore(convoID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignored[convoID] = true
	delete(s.allowed, convoID)
	delete(s.calls, convoID)
}

// indexedToolCalls keeps every call of a turn, keyed by call id.
type indexedToolCalls struct {
	gate
	calls map[string]map[string]*PendingToolCall
	order map[string][]string
}

func (s *indexedToolCalls) slot(convoID, callID string) *PendingToolCall {
	turn, ok := s.calls[convoID]
	if !ok {
		turn = make(map[string]*PendingToolCall)
		s.calls[convoID] = turn
	}
	c, ok := turn[callID]
	if !ok {
		c = &PendingToolCall{ConvoID: convoID, CallID: callID, executeAllowed: s.allowed[convoID]}
		turn[callID] = c
		s.order[convoID] = append(s.order[convoID], callID)
	}
	return c
}

func (s *indexedToolCalls) Append(convoID, callID, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ignored[convoID] {
		return
	}
	c := s.slot(convoID, callID)
	if !c.argsDone {
		c.args.WriteString(delta)
	}
}

func (s *indexedToolCalls) Name(convoID, callID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ignored[convoID] {
		return
	}
	if c := s.slot(convoID, callID); c.Name == "" {
		c.Name = name
	}
}

func (s *indexedToolCalls) Complete(convoID, callID, name, args string) []*PendingToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ignored[convoID] {
		return nil
	}
	return complete(s.slot(convoID, callID), name, args)
}

func (s *indexedToolCalls) Allow(convoID string) []*PendingToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ignored[convoID] {
		return nil
	}
	s.allowed[convoID] = true
	var ready []*PendingToolCall
	for _, id := range s.order[convoID] {
		c := s.calls[convoID][id]
		c.executeAllowed = true
		if c.fire() {
			ready = append(ready, c)
		}
	}
	return ready
}

func (s *indexedToolCalls) Ignore(convoID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignored[convoID] = true
	delete(s.allowed, convoID)
	delete(s.calls, convoID)
	delete(s.order, convoID)
}

// complete finalizes c. A repeated done event neither changes the arguments
// nor fires the call again.
func complete(c *PendingToolCall, name, args string) []*PendingToolCall {
	if c.argsDone {
		return nil
	}
	if name != "" {
		c.Name = name
	}
	if args == "" {
		args = c.args.String()
	}
	c.Arguments = args
	c.argsDone = true
	if c.fire() {
		return []*PendingToolCall{c}
	}
	return nil
}
