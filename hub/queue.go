package hub

import (
	"sync"

	"github.com/temoto/sensorbridge/packet"
)

const DefaultQueueLimit = 1024

// queue is FIFO of frames received from hub.
// Waiters get notify channel which is closed on next push.
type queue struct {
	mu     sync.Mutex
	items  []packet.Frame
	notify chan struct{}
	limit  int
}

// push returns false when oldest frame was dropped to fit limit.
func (q *queue) push(f packet.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ok := true
	if q.limit > 0 && len(q.items) >= q.limit {
		q.items[0] = packet.Frame{}
		q.items = q.items[1:]
		ok = false
	}
	q.items = append(q.items, f)
	if q.notify != nil {
		close(q.notify)
		q.notify = nil
	}
	return ok
}

// pop returns first frame or, when empty, channel closed on next push.
func (q *queue) pop() (packet.Frame, bool, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		f := q.items[0]
		q.items[0] = packet.Frame{}
		q.items = q.items[1:]
		return f, true, nil
	}
	if q.notify == nil {
		q.notify = make(chan struct{})
	}
	return packet.Frame{}, false, q.notify
}

func (q *queue) popAll() []packet.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
