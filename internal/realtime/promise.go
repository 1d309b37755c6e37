package realtime

import (
	"context"
	"sync"

	"github.com/antoniostano/voxline/internal/llm"
)

type promiseResult struct {
	completion llm.Completion
	err        error
}

// promise is one typed-text turn waiting for its response.text.done.
type promise struct {
	ch chan promiseResult
}

func (p *promise) wait(ctx context.Context) (llm.Completion, error) {
	select {
	case <-ctx.Done():
		return llm.Completion{}, ctx.Err()
	case r := <-p.ch:
		return r.completion, r.err
	}
}

// promises resolves text completions oldest first.
type promises struct {
	mu      sync.Mutex
	pending []*promise
}

func (ps *promises) add() *promise {
	p := &promise{ch: make(chan promiseResult, 1)}
	ps.mu.Lock()
	ps.pending = append(ps.pending, p)
	ps.mu.Unlock()
	return p
}

func (ps *promises) remove(p *promise) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i, q := range ps.pending {
		if q == p {
			ps.pending = append(ps.pending[:i], ps.pending[i+1:]...)
			return
		}
	}
}

// resolveOldest completes the oldest waiter and reports whether there was one.
func (ps *promises) resolveOldest(c llm.Completion) bool {
	ps.mu.Lock()
	if len(ps.pending) == 0 {
		ps.mu.Unlock()
		return false
	}
	p := ps.pending[0]
	ps.pending = ps.pending[1:]
	ps.mu.Unlock()
	p.ch <- promiseResult{completion: c}
	return true
}

func (ps *promises) rejectAll(err error) int {
	ps.mu.Lock()
	pending := ps.pending
	ps.pending = nil
	ps.mu.Unlock()
	for _, p := range pending {
		p.ch <- promiseResult{err: err}
	}
	return len(pending)
}

func (ps *promises) len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}
