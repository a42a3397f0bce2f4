package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foursages/sagebus/internal/wire"
)

// Client is a per-session handle on a shared Broker. It implements
// wire.Transport; Close cancels only this client's consumers, never the
// hub itself, so short-lived consultation sessions can come and go while
// long-running agents stay attached.
type Client struct {
	b *Broker

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
}

// NewClient attaches a new client to the broker.
func NewClient(b *Broker) *Client {
	return &Client{b: b}
}

// Connect is a no-op beyond checking the hub is alive.
func (c *Client) Connect(ctx context.Context) error {
	if c.b.closed.Load() {
		return fmt.Errorf("broker is closed")
	}
	return nil
}

// Close stops this client's consumers. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.closed = true
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// DeclareAgentTopology ensures the identity's queue and wildcard binding.
func (c *Client) DeclareAgentTopology(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("identity cannot be empty")
	}
	name := wire.QueueName(identity)
	c.b.DeclareQueue(name)
	c.b.Bind(wire.BindingPattern(identity), name)
	return nil
}

// Publish routes the message to every bound queue matching its routing key.
func (c *Client) Publish(ctx context.Context, msg wire.Message) error {
	return c.b.publish(msg)
}

// Consume delivers messages from queue until ctx is cancelled or the
// client is closed, holding at most prefetch unacknowledged deliveries.
func (c *Client) Consume(ctx context.Context, queueName string, prefetch int) (<-chan wire.Delivery, error) {
	if c.b.closed.Load() {
		return nil, fmt.Errorf("broker is closed")
	}
	if prefetch <= 0 {
		prefetch = wire.DefaultPrefetch
	}
	q := c.b.DeclareQueue(queueName)

	cctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("client is closed")
	}
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()

	deliveries := make(chan wire.Delivery)
	go c.consumeLoop(cctx, q, prefetch, deliveries)
	return deliveries, nil
}

func (c *Client) consumeLoop(ctx context.Context, q *queue, prefetch int, out chan<- wire.Delivery) {
	defer close(out)
	inflight := make(chan struct{}, prefetch)

	for {
		// Backpressure: a slot must free up before the next pull.
		select {
		case inflight <- struct{}{}:
		case <-ctx.Done():
			return
		case <-c.b.done:
			return
		}

		var it *item
		for {
			var dropped int
			it, dropped = q.pop(time.Now())
			c.b.expired.Add(int64(dropped))
			if it != nil {
				break
			}
			select {
			case <-q.notify:
			case <-ctx.Done():
				return
			case <-c.b.done:
				return
			}
		}

		var once sync.Once
		settle := func(counter *atomic.Int64) {
			once.Do(func() {
				counter.Add(1)
				<-inflight
			})
		}
		d := wire.Delivery{
			Message: it.msg,
			Ack:     func() { settle(&c.b.delivered) },
			Reject:  func() { settle(&c.b.rejected) },
		}
		select {
		case out <- d:
		case <-ctx.Done():
			// Never handed to the consumer: put it back for the next one.
			q.push(it.msg, it.expiresAt)
			return
		}
	}
}
