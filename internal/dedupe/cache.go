// Package dedupe remembers recently seen command msg_ids so that a command
// delivered twice by the bus is executed once, and the second delivery is
// answered with the first reply.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"

	"ibsupervisor/internal/util"
)

type entry struct {
	seenAt   time.Time
	reply    any
	complete bool
	element  *list.Element
}

// Cache is a TTL and size bounded set of msg_ids. Oldest entries are
// evicted first when the cache is full.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	clock   util.Clock
}

// New creates a cache. A nil clock uses the wall clock.
func New(ttl time.Duration, maxSize int, clock util.Clock) *Cache {
	if clock == nil {
		clock = util.SystemClock{}
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clock,
	}
}

// Claim registers msgID as in flight. It reports dup=true when the id was
// already claimed within the TTL; reply is then the stored reply of the
// first delivery, or nil while that delivery is still executing.
func (c *Cache) Claim(msgID string) (reply any, dup bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if e, ok := c.entries[msgID]; ok {
		if now.Sub(e.seenAt) < c.ttl {
			if e.complete {
				return e.reply, true
			}
			return nil, true
		}
		c.order.Remove(e.element)
		delete(c.entries, msgID)
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[msgID] = &entry{seenAt: now, element: c.order.PushBack(msgID)}
	return nil, false
}

// Complete stores the reply for a claimed msgID.
func (c *Cache) Complete(msgID string, reply any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[msgID]; ok {
		e.reply = reply
		e.complete = true
	}
}

// Forget drops msgID so that a redelivery executes again.
func (c *Cache) Forget(msgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[msgID]; ok {
		c.order.Remove(e.element)
		delete(c.entries, msgID)
	}
}

// Len returns the number of tracked ids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	dropped := 0
	// Entries are ordered by seenAt, so stop at the first live one.
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		if now.Sub(c.entries[key].seenAt) < c.ttl {
			break
		}
		c.order.Remove(front)
		delete(c.entries, key)
		dropped++
	}
	return dropped
}

// Run sweeps expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
			c.Sweep()
		}
	}
}
