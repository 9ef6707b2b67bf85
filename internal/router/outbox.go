package router

import (
	"context"
	"log/slog"
	"sync"
)

// Sink delivers outbound envelopes to the orchestrator.
type Sink interface {
	Send(ctx context.Context, out Outbound) error
}

// Outbox is the single outbound queue. Any goroutine may enqueue; one
// drain goroutine delivers to the sink and to watchers. Delivery is best
// effort: failures and overflow are logged and dropped.
type Outbox struct {
	queue  chan Outbound
	sink   Sink
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[int]chan Outbound
	nextID   int
}

// NewOutbox creates an outbox holding up to size pending envelopes. sink
// may be nil when only watchers consume.
func NewOutbox(size int, sink Sink, logger *slog.Logger) *Outbox {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		queue:    make(chan Outbound, size),
		sink:     sink,
		logger:   logger,
		watchers: make(map[int]chan Outbound),
	}
}

// Enqueue queues out without blocking.
func (o *Outbox) Enqueue(out Outbound) {
	select {
	case o.queue <- out:
	default:
		o.logger.Warn("outbox full, dropping message", "type", out.Type, "msg_id", out.Message.MsgID)
	}
}

// Notify queues a subscriber update for msgID.
func (o *Outbox) Notify(msgID string, args ...any) {
	o.Enqueue(Event(msgID, args...))
}

// Watch registers a watcher receiving a copy of every delivered envelope.
// Slow watchers miss messages rather than block the drain. The returned
// function unregisters the watcher and closes its channel.
func (o *Outbox) Watch(buffer int) (<-chan Outbound, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Outbound, buffer)

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.watchers[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.watchers, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

// Pending returns the number of queued envelopes.
func (o *Outbox) Pending() int {
	return len(o.queue)
}

// Run drains the queue until ctx is done.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-o.queue:
			o.deliver(ctx, out)
		}
	}
}

func (o *Outbox) deliver(ctx context.Context, out Outbound) {
	if o.sink != nil {
		if err := o.sink.Send(ctx, out); err != nil {
			o.logger.Warn("outbound delivery failed",
				"type", out.Type,
				"msg_id", out.Message.MsgID,
				"error", err,
			)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.watchers {
		select {
		case ch <- out:
		default:
		}
	}
}
