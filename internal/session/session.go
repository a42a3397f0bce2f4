// Package session owns the connection-and-consumption lifecycle for one
// agent identity: connect, declare the agent's queue, send signed
// envelopes, and dispatch incoming ones to registered handlers.
//
// A Session belongs exclusively to the identity it represents. Publishing
// is serialized with a mutex so handlers and outside goroutines may send
// concurrently with the consume loop.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foursages/sagebus/internal/dispatch"
	"github.com/foursages/sagebus/internal/envelope"
	"github.com/foursages/sagebus/internal/wire"
)

// State is the session lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateConsuming
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateConsuming:
		return "consuming"
	default:
		return "disconnected"
	}
}

// DefaultTTL is applied to outgoing messages that do not set one.
const DefaultTTL = time.Hour

// NoExpiry disables the outgoing message TTL entirely.
const NoExpiry = time.Duration(-1)

// Outgoing describes one message to send. Zero values get defaults:
// Priority → Normal, TTL → DefaultTTL.
type Outgoing struct {
	Recipient     string
	Type          envelope.MessageType
	Payload       map[string]any
	Priority      envelope.Priority
	TTL           time.Duration
	CorrelationID string
	ReplyTo       string
}

// Session is the client for one agent identity.
type Session struct {
	identity string
	tr       wire.Transport
	binding  wire.Binding
	registry *dispatch.Registry
	prefetch int

	mu            sync.Mutex
	state         State
	consumeCancel context.CancelFunc
	consumeDone   chan struct{}

	pubMu sync.Mutex // single-writer discipline on the publish path
}

// New creates a disconnected session for identity over the given transport.
func New(identity string, tr wire.Transport, codec *envelope.Codec) *Session {
	return &Session{
		identity: identity,
		tr:       tr,
		binding:  wire.Binding{Codec: codec},
		registry: dispatch.NewRegistry(),
		prefetch: wire.DefaultPrefetch,
	}
}

// Identity returns the agent identity this session represents.
func (s *Session) Identity() string { return s.identity }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the transport and declares the agent's queue topology.
// Calling it while already connected is a no-op. Retry with backoff is
// the caller's policy; Connect itself fails on the first error.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisconnected {
		return nil
	}
	if err := s.tr.Connect(ctx); err != nil {
		return fmt.Errorf("session %s: connect: %w", s.identity, err)
	}
	if err := s.tr.DeclareAgentTopology(ctx, s.identity); err != nil {
		s.tr.Close()
		return fmt.Errorf("session %s: declare topology: %w", s.identity, err)
	}
	s.state = StateConnected
	log.Printf("[Session] ✅ %s connected", s.identity)
	return nil
}

// Disconnect stops consumption and closes the transport. Idempotent.
func (s *Session) Disconnect() error {
	s.StopConsuming()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return nil
	}
	err := s.tr.Close()
	s.state = StateDisconnected
	log.Printf("[Session] %s disconnected", s.identity)
	return err
}

// RegisterHandler associates h with message type t. The last registration
// for a type wins.
func (s *Session) RegisterHandler(t envelope.MessageType, h dispatch.Handler) {
	s.registry.Register(t, h)
}

// Send builds, signs, and publishes one envelope, connecting first if
// needed. It returns the generated message id for caller-side correlation.
func (s *Session) Send(ctx context.Context, out Outgoing) (string, error) {
	if out.Recipient == "" {
		return "", fmt.Errorf("session %s: recipient cannot be empty", s.identity)
	}
	if out.Priority == 0 {
		out.Priority = envelope.PriorityNormal
	}
	if !out.Priority.Valid() {
		return "", fmt.Errorf("session %s: invalid priority %d", s.identity, out.Priority)
	}
	if err := s.Connect(ctx); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	env := &envelope.Envelope{
		ID:            uuid.NewString(),
		Sender:        s.identity,
		Recipient:     out.Recipient,
		Type:          out.Type,
		Priority:      out.Priority,
		Timestamp:     now,
		Payload:       out.Payload,
		CorrelationID: out.CorrelationID,
		ReplyTo:       out.ReplyTo,
	}
	switch {
	case out.TTL == NoExpiry:
	case out.TTL > 0:
		exp := now.Add(out.TTL)
		env.ExpiresAt = &exp
	default:
		exp := now.Add(DefaultTTL)
		env.ExpiresAt = &exp
	}

	msg, err := s.binding.ToWire(env)
	if err != nil {
		return "", err
	}

	s.pubMu.Lock()
	err = s.tr.Publish(ctx, msg)
	s.pubMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("session %s: publish %s: %w", s.identity, msg.RoutingKey, err)
	}
	return env.ID, nil
}

// SendResponse replies to orig, inverting sender and recipient and closing
// the correlation loop: the response carries the request's correlation id
// when the requester set one, otherwise the request's own id. A
// sage_consultation is answered with sage_response, everything else with
// a plain response.
func (s *Session) SendResponse(ctx context.Context, orig *envelope.Envelope, payload map[string]any) (string, error) {
	respType := envelope.TypeResponse
	if orig.Type == envelope.TypeSageConsultation {
		respType = envelope.TypeSageResponse
	}
	corr := orig.CorrelationID
	if corr == "" {
		corr = orig.ID
	}
	return s.Send(ctx, Outgoing{
		Recipient:     orig.Sender,
		Type:          respType,
		Payload:       payload,
		Priority:      orig.Priority,
		CorrelationID: corr,
	})
}

// StartConsuming begins pulling from the agent's queue and dispatching to
// registered handlers. Connects first if needed; calling it while already
// consuming is a no-op.
func (s *Session) StartConsuming(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConsuming {
		return nil
	}

	cctx, cancel := context.WithCancel(ctx)
	ch, err := s.tr.Consume(cctx, wire.QueueName(s.identity), s.prefetch)
	if err != nil {
		cancel()
		return fmt.Errorf("session %s: consume: %w", s.identity, err)
	}

	done := make(chan struct{})
	s.consumeCancel = cancel
	s.consumeDone = done
	s.state = StateConsuming
	go s.consumeLoop(cctx, ch, done)
	log.Printf("[Session] %s consuming", s.identity)
	return nil
}

// StopConsuming cancels the consumer and waits for any in-flight handler
// to finish. No new messages are pulled after it returns.
func (s *Session) StopConsuming() {
	s.mu.Lock()
	if s.state != StateConsuming {
		s.mu.Unlock()
		return
	}
	cancel := s.consumeCancel
	done := s.consumeDone
	s.consumeCancel = nil
	s.consumeDone = nil
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	if s.state == StateConsuming {
		s.state = StateConnected
	}
	s.mu.Unlock()
}

// consumeLoop guarantees liveness: a message that cannot be decoded, has
// no handler, or whose handler fails is settled and never requeued —
// at-most-once handler execution per message, and a poison message can
// never stall the queue.
func (s *Session) consumeLoop(ctx context.Context, ch <-chan wire.Delivery, done chan struct{}) {
	defer close(done)
	// The loop can also end without StopConsuming, when the caller's
	// context is cancelled or the transport drops. Restore the state so
	// the session does not report consuming from a dead loop.
	defer func() {
		s.mu.Lock()
		if s.consumeCancel != nil {
			s.consumeCancel()
			s.consumeCancel = nil
			s.consumeDone = nil
		}
		if s.state == StateConsuming {
			s.state = StateConnected
		}
		s.mu.Unlock()
	}()
	for d := range ch {
		env, err := s.binding.FromWire(d.Message)
		if err != nil {
			// Forged, corrupted, or undecryptable. Security event.
			log.Printf("[Session] ⚠️ %s rejecting message %s: %v", s.identity, d.Message.ID, err)
			d.Reject()
			continue
		}

		h := s.registry.Lookup(env.Type)
		if h == nil {
			log.Printf("[Session] %s: no handler for %s, dropping %s", s.identity, env.Type, env.ID)
			d.Ack()
			continue
		}

		s.invoke(ctx, h, env)
		d.Ack()
	}
}

func (s *Session) invoke(ctx context.Context, h dispatch.Handler, env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Session] ❌ %s handler panic on %s %s: %v", s.identity, env.Type, env.ID, r)
		}
	}()
	if err := h(ctx, env); err != nil {
		log.Printf("[Session] ❌ %s handler error on %s %s: %v", s.identity, env.Type, env.ID, err)
	}
}
