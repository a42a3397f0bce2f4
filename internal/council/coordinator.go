// Package council coordinates operations that span the known set of sage
// identities: best-effort broadcast and the request/await-response
// consultation pattern.
//
// A Coordinator is constructed and owned by whatever entry point needs it;
// there is no package-level instance. Its lifecycle is explicit:
// Start connects the owned sage sessions, Stop tears them down.
package council

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foursages/sagebus/internal/envelope"
	"github.com/foursages/sagebus/internal/session"
	"github.com/foursages/sagebus/internal/wire"
)

// DefaultSages is the well-known council, in broadcast order. The protocol
// itself does not care; any identity string can participate.
var DefaultSages = []string{"knowledge", "task", "incident", "rag"}

// DefaultConsultTimeout bounds how long Consult waits for an answer.
const DefaultConsultTimeout = 30 * time.Second

// TransportFactory creates a fresh transport for each session the
// coordinator opens. Consult relies on this to spin up short-lived
// requester sessions without disturbing long-running ones.
type TransportFactory func() wire.Transport

// Config configures a Coordinator.
type Config struct {
	Sages   []string // defaults to DefaultSages
	Factory TransportFactory
	Codec   *envelope.Codec
}

// BroadcastResult reports one recipient's outcome of a broadcast.
type BroadcastResult struct {
	Recipient string
	MessageID string
	Err       error
}

// Coordinator owns one session per known sage plus the broadcast and
// consultation operations across them.
type Coordinator struct {
	sages   []string
	factory TransportFactory
	codec   *envelope.Codec

	mu       sync.Mutex
	sessions map[string]*session.Session
	started  bool
}

// New creates a stopped Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("council: transport factory is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("council: codec is required")
	}
	sages := cfg.Sages
	if len(sages) == 0 {
		sages = DefaultSages
	}
	return &Coordinator{
		sages:    append([]string(nil), sages...),
		factory:  cfg.Factory,
		codec:    cfg.Codec,
		sessions: make(map[string]*session.Session),
	}, nil
}

// Sages returns the known identities in broadcast order.
func (c *Coordinator) Sages() []string {
	return append([]string(nil), c.sages...)
}

// Session returns the coordinator-owned session for identity, creating it
// (disconnected) on first use. Register handlers on it before Start.
func (c *Coordinator) Session(identity string) *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[identity]
	if !ok {
		s = session.New(identity, c.factory(), c.codec)
		c.sessions[identity] = s
	}
	return s
}

// Start connects every known sage's session and begins consuming.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	for _, id := range c.sages {
		if err := c.Session(id).StartConsuming(ctx); err != nil {
			c.mu.Lock()
			c.started = false
			c.mu.Unlock()
			return fmt.Errorf("council: start %s: %w", id, err)
		}
	}
	log.Printf("[Council] ✅ started with %d sages", len(c.sages))
	return nil
}

// Stop disconnects every owned session. Idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	sessions := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.started = false
	c.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}
	log.Printf("[Council] stopped")
}

// Broadcast sends payload once to every known sage except the sender and
// the excluded ones. Sends are independent: one failure never aborts the
// rest, and each recipient's outcome is reported in order.
func (c *Coordinator) Broadcast(ctx context.Context, sender string, t envelope.MessageType, payload map[string]any, priority envelope.Priority, exclude ...string) []BroadcastResult {
	skip := map[string]bool{sender: true}
	for _, id := range exclude {
		skip[id] = true
	}

	from := c.Session(sender)
	var results []BroadcastResult
	for _, id := range c.sages {
		if skip[id] {
			continue
		}
		msgID, err := from.Send(ctx, session.Outgoing{
			Recipient: id,
			Type:      t,
			Payload:   payload,
			Priority:  priority,
		})
		if err != nil {
			log.Printf("[Council] ❌ broadcast %s → %s failed: %v", t, id, err)
		}
		results = append(results, BroadcastResult{Recipient: id, MessageID: msgID, Err: err})
	}
	return results
}

// Consult sends a sage_consultation to target on behalf of requester and
// waits up to timeout for the matching sage_response. A nil payload with
// nil error means the target did not answer in time — the documented
// "no answer" outcome, distinct from a transport error. The temporary
// requester session is fully torn down on every path.
func (c *Coordinator) Consult(ctx context.Context, target, requester string, query map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = DefaultConsultTimeout
	}
	corrID := uuid.NewString()

	tmp := session.New(requester, c.factory(), c.codec)
	defer tmp.Disconnect()

	answer := make(chan map[string]any, 1)
	tmp.RegisterHandler(envelope.TypeSageResponse, func(ctx context.Context, env *envelope.Envelope) error {
		if env.CorrelationID != corrID {
			return nil
		}
		select {
		case answer <- env.Payload:
		default: // one-shot; later duplicates are dropped
		}
		return nil
	})

	if err := tmp.StartConsuming(ctx); err != nil {
		return nil, err
	}
	if _, err := tmp.Send(ctx, session.Outgoing{
		Recipient:     target,
		Type:          envelope.TypeSageConsultation,
		Payload:       query,
		Priority:      envelope.PriorityHigh,
		CorrelationID: corrID,
	}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-answer:
		return payload, nil
	case <-timer.C:
		log.Printf("[Council] consult %s → %s timed out after %s", requester, target, timeout)
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
