package realtime

import (
	"sync"
)

// State is the connection state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConfiguring
	StateReady
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ReconnectGuard counts loop generations. A generation is entered once its
// predecessor has been fully joined, so Active never exceeds one.
type ReconnectGuard struct {
	mu          sync.Mutex
	active      int
	maxActive   int
	generations int
}

func (g *ReconnectGuard) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active++
	g.generations++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
}

func (g *ReconnectGuard) exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
}

// Active is the number of generations currently running.
func (g *ReconnectGuard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// MaxActive is the highest Active value observed.
func (g *ReconnectGuard) MaxActive() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxActive
}

// Generations is the number of generations started.
func (g *ReconnectGuard) Generations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generations
}
