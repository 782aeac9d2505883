package swrcache

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

// mutationQueue serializes mutations per key in arrival order.
type mutationQueue struct {
	mu     sync.Mutex
	queues map[string]*deque.Deque[*ticket]
}

type ticket struct {
	// closed when it is the ticket's turn
	ready chan struct{}
}

func newMutationQueue() *mutationQueue {
	return &mutationQueue{queues: make(map[string]*deque.Deque[*ticket])}
}

// acquire waits for the turn of a new ticket for key.
// The returned function hands the turn to the next ticket.
func (q *mutationQueue) acquire(ctx context.Context, key string) (func(), error) {
	t := &ticket{ready: make(chan struct{})}
	q.mu.Lock()
	d, ok := q.queues[key]
	if !ok {
		d = deque.New[*ticket]()
		q.queues[key] = d
	}
	d.PushBack(t)
	if d.Len() == 1 {
		close(t.ready)
	}
	q.mu.Unlock()

	release := func() { q.release(key, t) }
	select {
	case <-t.ready:
		return release, nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	select {
	case <-t.ready:
		// got the turn while giving up, pass it on
		q.mu.Unlock()
		release()
		return nil, ctx.Err()
	default:
	}
	if i := d.Index(func(other *ticket) bool { return other == t }); i >= 0 {
		d.Remove(i)
	}
	q.mu.Unlock()
	return nil, ctx.Err()
}

func (q *mutationQueue) release(key string, t *ticket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.queues[key]
	if !ok || d.Len() == 0 || d.Front() != t {
		return
	}
	d.PopFront()
	if d.Len() == 0 {
		delete(q.queues, key)
		return
	}
	close(d.Front().ready)
}

// waiting returns the number of mutations queued or running for key.
func (q *mutationQueue) waiting(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d, ok := q.queues[key]; ok {
		return d.Len()
	}
	return 0
}
