package pool

import (
	"sync"

	"github.com/italolelis/ftransfer/internal/transfer"
)

// Queue buffers worker messages until the owner drains them. Writers never
// block on the reader.
type Queue struct {
	mu   sync.Mutex
	msgs []transfer.Message
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Put(msg transfer.Message) {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.mu.Unlock()
}

// Drain returns every buffered message in arrival order and empties the queue.
func (q *Queue) Drain() []transfer.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.msgs
	q.msgs = nil

	return msgs
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.msgs)
}
