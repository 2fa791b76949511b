package relay

import "sync"

// wsMessage is one outbound WebSocket message queued for the writer loop.
type wsMessage struct {
	messageType int // gorilla/websocket message type
	data        []byte
}

// sendQueue is the unbounded FIFO between a connection's producers (its own
// reader loop plus other connections forwarding frames) and its writer loop.
// Push never blocks, so a slow socket cannot stall the reader that feeds it;
// the queue is bounded in practice by process memory and the writer's socket
// backpressure.
type sendQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []wsMessage
	closed bool
}

func newSendQueue() *sendQueue {
	q := &sendQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a message. Pushes after Close are dropped, which makes
// delivery to a closing connection a silent no-op rather than an error the
// producer would have to handle.
func (q *sendQueue) Push(messageType int, data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, wsMessage{messageType: messageType, data: data})
	q.cond.Signal()
}

// Pop blocks until a message is available or the queue is closed and
// drained. ok is false only when nothing more will ever arrive.
func (q *sendQueue) Pop() (msg wsMessage, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return wsMessage{}, false
	}
	msg = q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Close stops accepting pushes and wakes the writer so it can drain what
// remains and exit.
func (q *sendQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
