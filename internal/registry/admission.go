package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// admission is a FIFO ticket lock. Each caller queues a token and proceeds
// once its token reaches the head of the queue.
type admission struct {
	mu    sync.Mutex
	queue []*ticket
}

type ticket struct {
	id    string
	ready chan struct{}
}

// acquire blocks until the caller holds the admission or ctx is done. The
// returned release must be called exactly once.
func (a *admission) acquire(ctx context.Context) (func(), error) {
	t := &ticket{id: uuid.NewString(), ready: make(chan struct{})}

	a.mu.Lock()
	a.queue = append(a.queue, t)
	if len(a.queue) == 1 {
		close(t.ready)
	}
	a.mu.Unlock()

	select {
	case <-t.ready:
		return func() { a.remove(t.id) }, nil
	case <-ctx.Done():
		a.remove(t.id)
		return nil, ctx.Err()
	}
}

// remove drops a ticket and hands the admission to the next one when the
// removed ticket was at the head.
func (a *admission) remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, t := range a.queue {
		if t.id != id {
			continue
		}
		a.queue = append(a.queue[:i], a.queue[i+1:]...)
		if i == 0 && len(a.queue) > 0 {
			close(a.queue[0].ready)
		}
		return
	}
}

// pending returns the number of queued tickets, including the holder.
func (a *admission) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}
