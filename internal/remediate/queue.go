package remediate

import (
	"context"
	"sync"

	"github.com/selairgi/socagents/internal/soc"
)

// EnqueueResult tells the producer what happened to its playbook.
type EnqueueResult int

const (
	// Accepted: the playbook is queued.
	Accepted EnqueueResult = iota
	// Backpressure: the queue is full; the producer should back off and
	// retry, or persist the playbook as pending.
	Backpressure
	// Rejected: the queue is shut down.
	Rejected
)

func (r EnqueueResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Backpressure:
		return "backpressure"
	default:
		return "rejected"
	}
}

// Queue is the bounded playbook queue between Analyst and Remediator.
type Queue struct {
	mu     sync.Mutex
	ch     chan *soc.Playbook
	closed bool
}

// NewQueue creates a queue with the given capacity (default 512).
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 512
	}
	return &Queue{ch: make(chan *soc.Playbook, capacity)}
}

// Enqueue attempts a non-blocking enqueue.
func (q *Queue) Enqueue(p *soc.Playbook) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Rejected
	}
	select {
	case q.ch <- p:
		return Accepted
	default:
		return Backpressure
	}
}

// Dequeue blocks until a playbook is available, the queue closes, or the
// context is cancelled. ok is false on close/cancel.
func (q *Queue) Dequeue(ctx context.Context) (*soc.Playbook, bool) {
	select {
	case p, open := <-q.ch:
		if !open {
			return nil, false
		}
		return p, true
	case <-ctx.Done():
		return nil, false
	}
}

// Close shuts the queue down. Buffered playbooks remain drainable until
// the channel empties.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Len reports the number of queued playbooks.
func (q *Queue) Len() int { return len(q.ch) }
