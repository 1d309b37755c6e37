package audio

import (
	"context"
	"sync"
)

// frameQueue is an unbounded FIFO between the device reader and the
// processing worker. push never blocks, so device timing is never held up
// by slow detectors.
type frameQueue struct {
	mu     sync.Mutex
	items  []Frame
	notify chan struct{}
	closed bool
}

func newFrameQueue() *frameQueue {
	return &frameQueue{notify: make(chan struct{}, 1)}
}

func (q *frameQueue) push(f Frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, f)
	q.mu.Unlock()
	q.signal()
}

// close lets pop drain what is left and then report ok=false.
func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *frameQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *frameQueue) pop(ctx context.Context) (Frame, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items[0] = Frame{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Frame{}, false
		}

		select {
		case <-ctx.Done():
			return Frame{}, false
		case <-q.notify:
		}
	}
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
