// Package redisq implements wire.Transport on Redis, for deployments where
// agents live in separate processes and need a durable shared broker.
//
// Topology mapping: the topic exchange is a set of "pattern|queue" binding
// entries; each queue is a sorted set scored by priority-then-sequence, so
// ZPOPMAX yields the highest-priority message and FIFO order within a
// priority. Message expiry is carried per-record and filtered at pop time.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foursages/sagebus/internal/wire"
)

const (
	bindingsKey = wire.ExchangeName + ":bindings"
	seqKey      = wire.ExchangeName + ":seq"
	queuePrefix = wire.ExchangeName + ":q:"

	popTimeout = time.Second
)

// Config holds Redis connection settings.
type Config struct {
	URL      string // redis://host:port
	Password string
	DB       int
}

// Transport is a Redis-backed broker client. One Transport per session.
type Transport struct {
	cfg    Config
	client *redis.Client

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
}

// New creates an unconnected transport.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

// Connect dials Redis and verifies the connection with a ping.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return nil
	}
	if t.cfg.URL == "" {
		return fmt.Errorf("redis URL not configured")
	}

	opts, err := redis.ParseURL(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}
	if t.cfg.Password != "" {
		opts.Password = t.cfg.Password
	}
	opts.DB = t.cfg.DB
	opts.DialTimeout = 5 * time.Second
	opts.MaxRetries = 3

	c := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		c.Close()
		return fmt.Errorf("redis ping: %w", err)
	}

	t.client = c
	t.closed = false
	log.Printf("[RedisQ] ✅ connected to %s", opts.Addr)
	return nil
}

// Close stops consumers and closes the Redis connection. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	cancels := t.cancels
	t.cancels = nil
	client := t.client
	t.client = nil
	t.closed = true
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if client != nil {
		return client.Close()
	}
	return nil
}

// DeclareAgentTopology records the identity's queue binding. Redis sets
// make redeclaration naturally idempotent.
func (t *Transport) DeclareAgentTopology(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("identity cannot be empty")
	}
	c, err := t.conn()
	if err != nil {
		return err
	}
	entry := wire.BindingPattern(identity) + "|" + wire.QueueName(identity)
	if err := c.SAdd(ctx, bindingsKey, entry).Err(); err != nil {
		return fmt.Errorf("declare %s: %w", identity, err)
	}
	return nil
}

// record is the JSON shape stored as a sorted-set member.
type record struct {
	ID         string `json:"id"`
	RoutingKey string `json:"key"`
	Priority   int    `json:"priority"`
	Body       []byte `json:"body"`
	ExpiresAt  int64  `json:"expiresAt,omitempty"` // unix ms, 0 = queue default applies
}

// Publish routes the message to every bound queue whose pattern matches.
func (t *Transport) Publish(ctx context.Context, msg wire.Message) error {
	c, err := t.conn()
	if err != nil {
		return err
	}

	entries, err := c.SMembers(ctx, bindingsKey).Result()
	if err != nil {
		return fmt.Errorf("read bindings: %w", err)
	}

	ttl := msg.TTL
	if ttl <= 0 {
		ttl = wire.DefaultQueueTTL
	}
	rec := record{
		ID:         msg.ID,
		RoutingKey: msg.RoutingKey,
		Priority:   clampPriority(msg.Priority),
		Body:       msg.Body,
		ExpiresAt:  time.Now().Add(ttl).UnixMilli(),
	}
	member, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	for _, entry := range entries {
		pattern, queue, ok := strings.Cut(entry, "|")
		if !ok || !wire.MatchTopic(pattern, msg.RoutingKey) {
			continue
		}
		seq, err := c.Incr(ctx, seqKey).Result()
		if err != nil {
			return fmt.Errorf("sequence: %w", err)
		}
		z := redis.Z{Score: score(rec.Priority, seq), Member: string(member)}
		if err := c.ZAdd(ctx, queuePrefix+queue, z).Err(); err != nil {
			return fmt.Errorf("publish to %s: %w", queue, err)
		}
	}
	return nil
}

// Consume blocks on BZPOPMAX in a loop, filtering expired records.
func (t *Transport) Consume(ctx context.Context, queue string, prefetch int) (<-chan wire.Delivery, error) {
	c, err := t.conn()
	if err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = wire.DefaultPrefetch
	}

	cctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("transport is closed")
	}
	t.cancels = append(t.cancels, cancel)
	t.mu.Unlock()

	deliveries := make(chan wire.Delivery)
	go t.consumeLoop(cctx, c, queuePrefix+queue, prefetch, deliveries)
	return deliveries, nil
}

func (t *Transport) consumeLoop(ctx context.Context, c *redis.Client, key string, prefetch int, out chan<- wire.Delivery) {
	defer close(out)
	inflight := make(chan struct{}, prefetch)

	for {
		select {
		case inflight <- struct{}{}:
		case <-ctx.Done():
			return
		}

		var (
			rec      record
			member   string
			popScore float64
		)
		for {
			res, err := c.BZPopMax(ctx, popTimeout, key).Result()
			if err == redis.Nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[RedisQ] ❌ pop %s: %v", key, err)
				select {
				case <-time.After(popTimeout):
					continue
				case <-ctx.Done():
					return
				}
			}
			member, _ = res.Member.(string)
			popScore = res.Score
			if err := json.Unmarshal([]byte(member), &rec); err != nil {
				log.Printf("[RedisQ] dropping unparseable record on %s: %v", key, err)
				continue
			}
			if rec.ExpiresAt > 0 && time.Now().UnixMilli() > rec.ExpiresAt {
				continue // broker-level TTL discard
			}
			break
		}

		var once sync.Once
		settle := func() { once.Do(func() { <-inflight }) }
		d := wire.Delivery{
			Message: wire.Message{
				ID:         rec.ID,
				RoutingKey: rec.RoutingKey,
				Priority:   rec.Priority,
				Body:       rec.Body,
				Persistent: true,
			},
			Ack:    settle,
			Reject: settle,
		}
		select {
		case out <- d:
		case <-ctx.Done():
			// BZPOPMAX already removed the record: put it back at its
			// original score so the next consumer sees it unmoved.
			t.requeue(key, member, popScore)
			return
		}
	}
}

// requeue restores a popped-but-undelivered record. Runs on a fresh
// context because the consumer's own context is already cancelled.
func (t *Transport) requeue(key, member string, score float64) {
	c, err := t.conn()
	if err != nil {
		log.Printf("[RedisQ] ❌ requeue on %s: %v", key, err)
		return
	}
	rctx, cancel := context.WithTimeout(context.Background(), popTimeout)
	defer cancel()
	if err := c.ZAdd(rctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		log.Printf("[RedisQ] ❌ requeue on %s: %v", key, err)
	}
}

func (t *Transport) conn() (*redis.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	return t.client, nil
}

func clampPriority(p int) int {
	if p > wire.MaxPriority {
		return wire.MaxPriority
	}
	if p < 1 {
		return 1
	}
	return p
}

// score orders a queue by priority first, then insertion sequence within a
// priority (lower sequence pops first under ZPOPMAX).
func score(priority int, seq int64) float64 {
	return float64(priority)*float64(1<<40) - float64(seq)
}
