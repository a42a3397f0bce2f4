package wire

import (
	"time"

	"github.com/foursages/sagebus/internal/envelope"
)

// Binding converts between Envelopes and native Messages using a codec.
type Binding struct {
	Codec *envelope.Codec
}

// ToWire encodes env and fills in the native fields: routing key from
// recipient and type, native priority, persistence, and a TTL computed
// from ExpiresAt relative to now. An already-past expiry becomes the
// smallest representable TTL so the broker discards it immediately.
func (b Binding) ToWire(env *envelope.Envelope) (Message, error) {
	body, err := b.Codec.Encode(env)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:         env.ID,
		RoutingKey: RoutingKey(env.Recipient, env.Type),
		Priority:   int(env.Priority),
		Body:       body,
		Persistent: true,
	}
	if env.ExpiresAt != nil {
		ttl := time.Until(*env.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Nanosecond
		}
		msg.TTL = ttl
	}
	return msg, nil
}

// FromWire decodes the message body back into an Envelope.
func (b Binding) FromWire(msg Message) (*envelope.Envelope, error) {
	return b.Codec.Decode(msg.Body)
}
