package realtime

import (
	"context"
	"sync"
)

// outbound is one entry of the audio outbox: a PCM frame, the end-of-speech
// sentinel when commit is set, or a request to discard uncommitted audio.
type outbound struct {
	pcm    []byte
	commit bool
	clear  bool
}

// outbox is the unbounded audio queue drained by the write loop. It outlives
// generations; a reconnect clears it.
type outbox struct {
	mu     sync.Mutex
	items  []outbound
	notify chan struct{}
}

func newOutbox() *outbox {
	return &outbox{notify: make(chan struct{}, 1)}
}

func (q *outbox) push(item outbound) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *outbox) clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

func (q *outbox) pop(ctx context.Context) (outbound, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = outbound{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return outbound{}, false
		case <-q.notify:
		}
	}
}

func (q *outbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
