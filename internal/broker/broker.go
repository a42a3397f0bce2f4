// Package broker is an in-process topic broker implementing wire.Transport.
//
// It backs single-process deployments and tests, and is the hub inside the
// gateway daemon. Semantics mirror the shared topology contract: pattern
// bindings, per-queue priority ordering (FIFO within a priority), a default
// message TTL, and per-message TTL discard at dequeue time.
package broker

import (
	"container/heap"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foursages/sagebus/internal/wire"
)

const sweepInterval = time.Minute

// Stats holds the broker's lifetime counters.
type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Expired   int64 `json:"expired"`
	Rejected  int64 `json:"rejected"`
	Unrouted  int64 `json:"unrouted"`
}

type binding struct {
	pattern string
	queue   string
}

// Broker is the shared hub. Sessions attach through per-session Clients
// (see Client); closing a Client never tears the hub down.
type Broker struct {
	mu       sync.RWMutex
	bindings []binding
	queues   map[string]*queue

	published atomic.Int64
	delivered atomic.Int64
	expired   atomic.Int64
	rejected  atomic.Int64
	unrouted  atomic.Int64

	done   chan struct{}
	closed atomic.Bool
}

// New creates a broker and starts its expiry sweeper.
func New() *Broker {
	b := &Broker{
		queues: make(map[string]*queue),
		done:   make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// Close shuts the hub down and wakes all waiting consumers.
func (b *Broker) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	close(b.done)
	log.Printf("[Broker] closed (published=%d delivered=%d expired=%d)",
		b.published.Load(), b.delivered.Load(), b.expired.Load())
}

// Stats returns a snapshot of the lifetime counters.
func (b *Broker) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Expired:   b.expired.Load(),
		Rejected:  b.rejected.Load(),
		Unrouted:  b.unrouted.Load(),
	}
}

// DeclareQueue idempotently creates a durable queue.
func (b *Broker) DeclareQueue(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := &queue{name: name, notify: make(chan struct{}, 1)}
	b.queues[name] = q
	return q
}

// Bind idempotently binds a queue to the exchange with a topic pattern.
func (b *Broker) Bind(pattern, queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bd := range b.bindings {
		if bd.pattern == pattern && bd.queue == queueName {
			return
		}
	}
	b.bindings = append(b.bindings, binding{pattern: pattern, queue: queueName})
}

// QueueDepth returns the number of unexpired messages waiting on a queue.
func (b *Broker) QueueDepth(name string) int {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return q.depth()
}

func (b *Broker) publish(msg wire.Message) error {
	if b.closed.Load() {
		return fmt.Errorf("broker is closed")
	}

	ttl := msg.TTL
	if ttl <= 0 {
		ttl = wire.DefaultQueueTTL
	}
	expiresAt := time.Now().Add(ttl)
	if msg.Priority > wire.MaxPriority {
		msg.Priority = wire.MaxPriority
	}
	if msg.Priority < 1 {
		msg.Priority = 1
	}

	b.mu.RLock()
	var targets []*queue
	for _, bd := range b.bindings {
		if wire.MatchTopic(bd.pattern, msg.RoutingKey) {
			if q, ok := b.queues[bd.queue]; ok {
				targets = append(targets, q)
			}
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		b.unrouted.Add(1)
		return nil
	}
	for _, q := range targets {
		q.push(msg, expiresAt)
	}
	b.published.Add(1)
	return nil
}

func (b *Broker) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.mu.RLock()
			queues := make([]*queue, 0, len(b.queues))
			for _, q := range b.queues {
				queues = append(queues, q)
			}
			b.mu.RUnlock()
			for _, q := range queues {
				b.expired.Add(int64(q.dropExpired(time.Now())))
			}
		}
	}
}

// --- per-queue priority storage ---

type item struct {
	msg       wire.Message
	expiresAt time.Time
	seq       uint64
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq // FIFO within a priority
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type queue struct {
	name   string
	mu     sync.Mutex
	items  itemHeap
	seq    uint64
	notify chan struct{}
}

func (q *queue) push(msg wire.Message, expiresAt time.Time) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, &item{msg: msg, expiresAt: expiresAt, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default: // consumer already has a pending wakeup
	}
}

// pop returns the highest-priority unexpired message, discarding expired
// ones along the way. Returns nil, n when the queue is drained (n = number
// of expired messages dropped).
func (q *queue) pop(now time.Time) (*item, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for q.items.Len() > 0 {
		it := heap.Pop(&q.items).(*item)
		if now.After(it.expiresAt) {
			dropped++
			continue
		}
		return it, dropped
	}
	return nil, dropped
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	n := 0
	for _, it := range q.items {
		if !now.After(it.expiresAt) {
			n++
		}
	}
	return n
}

func (q *queue) dropExpired(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	dropped := 0
	for _, it := range q.items {
		if now.After(it.expiresAt) {
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	heap.Init(&q.items)
	return dropped
}
