package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foursages/sagebus/internal/wire"
)

// Transport is the client side of a gateway socket, implementing
// wire.Transport for agents running outside the broker process.
// One Transport per session, one WebSocket per Transport.
type Transport struct {
	url    string // ws://host:port/ws
	apiKey string

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	consumers map[string]chan wire.Delivery // by queue
	closed    bool
}

// NewTransport creates an unconnected gateway transport.
func NewTransport(url, apiKey string) *Transport {
	return &Transport{
		url:       url,
		apiKey:    apiKey,
		consumers: make(map[string]chan wire.Delivery),
	}
}

// Connect dials the gateway and starts the read loop.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	if t.url == "" {
		return fmt.Errorf("gateway URL not configured")
	}

	header := http.Header{}
	if t.apiKey != "" {
		header.Set("Authorization", "Bearer "+t.apiKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, t.url, header)
	if err != nil {
		return fmt.Errorf("dial gateway %s: %w", t.url, err)
	}

	t.conn = conn
	t.closed = false
	go t.readLoop(conn)
	log.Printf("[Gateway] ✅ connected to %s", t.url)
	return nil
}

// Close closes the socket; the read loop then closes all consumer channels.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.closed = true
	t.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// DeclareAgentTopology asks the gateway to ensure the identity's queue
// and binding.
func (t *Transport) DeclareAgentTopology(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("identity cannot be empty")
	}
	return t.write(frame{Op: opDeclare, Identity: identity})
}

// Publish forwards one native message to the gateway.
func (t *Transport) Publish(ctx context.Context, msg wire.Message) error {
	return t.write(frame{
		Op:       opPublish,
		ID:       msg.ID,
		Key:      msg.RoutingKey,
		Priority: msg.Priority,
		TTLMs:    msg.TTL.Milliseconds(),
		Body:     msg.Body,
	})
}

// Consume asks the gateway to start delivering from queue. The prefetch
// bound is enforced hub-side; acks flow back over the socket.
func (t *Transport) Consume(ctx context.Context, queue string, prefetch int) (<-chan wire.Delivery, error) {
	if prefetch <= 0 {
		prefetch = wire.DefaultPrefetch
	}

	ch := make(chan wire.Delivery)
	t.mu.Lock()
	if t.closed || t.conn == nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	if _, exists := t.consumers[queue]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("already consuming %s", queue)
	}
	t.consumers[queue] = ch
	t.mu.Unlock()

	if err := t.write(frame{Op: opConsume, Queue: queue, Prefetch: prefetch}); err != nil {
		t.mu.Lock()
		delete(t.consumers, queue)
		t.mu.Unlock()
		return nil, err
	}

	// Consumption stops with the context: the socket stays up for other
	// consumers and the publish path.
	go func() {
		<-ctx.Done()
		t.mu.Lock()
		if cur, ok := t.consumers[queue]; ok && cur == ch {
			delete(t.consumers, queue)
			close(ch)
		}
		t.mu.Unlock()
	}()

	return ch, nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer t.closeConsumers()
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				log.Printf("[Gateway] ❌ connection lost: %v", err)
			}
			return
		}

		switch f.Op {
		case opDeliver:
			t.mu.Lock()
			ch := t.consumers[f.Queue]
			t.mu.Unlock()
			if ch == nil {
				// Consumer cancelled while the frame was in flight.
				t.write(frame{Op: opReject, ID: f.ID})
				continue
			}
			id := f.ID
			d := wire.Delivery{
				Message: wire.Message{
					ID:         f.ID,
					RoutingKey: f.Key,
					Priority:   f.Priority,
					Body:       f.Body,
					Persistent: true,
				},
				Ack:    func() { t.write(frame{Op: opAck, ID: id}) },
				Reject: func() { t.write(frame{Op: opReject, ID: id}) },
			}
			func() {
				defer func() { recover() }() // ch may close during send
				ch <- d
			}()

		case opError:
			log.Printf("[Gateway] server error: %s", f.Error)
		}
	}
}

func (t *Transport) closeConsumers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for q, ch := range t.consumers {
		close(ch)
		delete(t.consumers, q)
	}
}

func (t *Transport) write(f frame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}
