package supervisor

import (
	"sync"

	"github.com/jhult/emailengine/internal/control"
)

// callQueue correlates in-flight RPCs with their replies. Each outstanding
// call owns a buffered reply channel; expiry is enforced by the caller's
// deadline, which drops the entry so a late reply is discarded.
type callQueue struct {
	mu      sync.Mutex
	pending map[string]chan control.Message
}

func newCallQueue() *callQueue {
	return &callQueue{pending: make(map[string]chan control.Message)}
}

// register creates the reply channel for a correlation id.
func (q *callQueue) register(mid string) chan control.Message {
	ch := make(chan control.Message, 1)
	q.mu.Lock()
	q.pending[mid] = ch
	q.mu.Unlock()
	return ch
}

// resolve delivers a reply. Unknown ids mean the caller timed out already;
// the reply is dropped.
func (q *callQueue) resolve(msg control.Message) bool {
	q.mu.Lock()
	ch, ok := q.pending[msg.MID]
	if ok {
		delete(q.pending, msg.MID)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// drop abandons a call after its deadline.
func (q *callQueue) drop(mid string) {
	q.mu.Lock()
	delete(q.pending, mid)
	q.mu.Unlock()
}
