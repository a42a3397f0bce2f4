// Package wire maps Envelopes onto the broker's native message primitive
// and names the shared topology every transport implements: one durable
// topic exchange, one durable priority queue per agent identity, bound by
// the wildcard pattern "agent.<identity>.#".
package wire

import (
	"context"
	"strings"
	"time"

	"github.com/foursages/sagebus/internal/envelope"
)

// Shared topology settings. Declarations are idempotent so every process
// may (re)declare them on connect.
const (
	ExchangeName    = "sagebus.agents"
	QueuePrefix     = "sage."
	DefaultQueueTTL = time.Hour
	MaxPriority     = 5
	DefaultPrefetch = 100
)

// Message is the broker-native representation of one envelope.
type Message struct {
	ID         string        // equals the envelope id
	RoutingKey string        // "agent.<recipient>.<message_type>"
	Priority   int           // 1..5, the broker's native priority field
	Body       []byte        // the codec's signed token
	TTL        time.Duration // 0 = no per-message TTL
	Persistent bool
}

// Delivery is one message handed to a consumer. Exactly one of Ack or
// Reject must be called; Reject drops the message permanently (no requeue).
type Delivery struct {
	Message Message
	Ack     func()
	Reject  func()
}

// Transport is a broker client. Implementations do not retry internally;
// reconnect and backoff policy belongs to the session that owns them.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error

	// DeclareAgentTopology idempotently ensures the exchange, the
	// identity's durable queue, and the wildcard binding exist.
	DeclareAgentTopology(ctx context.Context, identity string) error

	Publish(ctx context.Context, msg Message) error

	// Consume delivers messages for queue until ctx is cancelled, keeping
	// at most prefetch deliveries unacknowledged at a time. The returned
	// channel is closed when consumption stops.
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)
}

// QueueName returns the durable queue name for an agent identity.
func QueueName(identity string) string {
	return QueuePrefix + identity
}

// RoutingKey returns the publish key for a recipient and message type.
func RoutingKey(recipient string, t envelope.MessageType) string {
	return "agent." + recipient + "." + string(t)
}

// BindingPattern returns the wildcard pattern an agent's queue binds with.
func BindingPattern(identity string) string {
	return "agent." + identity + ".#"
}

// MatchTopic reports whether a topic-exchange binding pattern matches a
// routing key. "*" matches exactly one dot-separated word, "#" matches
// zero or more words.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
