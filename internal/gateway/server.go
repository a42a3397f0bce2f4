package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foursages/sagebus/internal/broker"
	"github.com/foursages/sagebus/internal/wire"
)

const (
	pingInterval = 5 * time.Second
	pongWait     = 3 * pingInterval
	writeWait    = 10 * time.Second
)

// Server is the broker daemon: the shared hub plus its WebSocket and HTTP
// surface.
type Server struct {
	port   int
	apiKey string
	hub    *broker.Broker

	upgrader  websocket.Upgrader
	mux       *http.ServeMux
	srv       *http.Server
	startTime time.Time
	conns     atomic.Int64
}

// ServerConfig configures the gateway Server.
type ServerConfig struct {
	Port   int
	APIKey string
	Hub    *broker.Broker // created internally when nil
}

// NewServer creates a gateway server around a broker hub.
func NewServer(cfg ServerConfig) *Server {
	hub := cfg.Hub
	if hub == nil {
		hub = broker.New()
	}
	s := &Server{
		port:      cfg.Port,
		apiKey:    cfg.APIKey,
		hub:       hub,
		startTime: time.Now(),
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/stats", s.withAuth(s.handleStats))
	return s
}

// Hub returns the embedded broker, for in-process attachment.
func (s *Server) Hub() *broker.Broker { return s.hub }

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", s.port),
		Handler: s.mux,
	}

	log.Printf("[Gateway] ✅ HTTP → http://0.0.0.0:%d", s.port)
	log.Printf("[Gateway] ✅ WebSocket → ws://0.0.0.0:%d/ws", s.port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
		s.hub.Close()
	}()

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(ctx)
	}
	s.hub.Close()
}

func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.apiKey {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
		}
		handler(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":      "ok",
		"uptimeSec":   int(time.Since(s.startTime).Seconds()),
		"connections": s.conns.Load(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.hub.Stats())
}

// handleWS serves one agent connection: each socket gets its own broker
// client, so closing the socket tears down only that agent's consumers.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token != s.apiKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] ❌ upgrade failed: %v", err)
		return
	}
	s.conns.Add(1)
	defer s.conns.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := broker.NewClient(s.hub)
	defer client.Close()

	wc := &wsConn{
		conn:    conn,
		pending: make(map[string]wire.Delivery),
	}
	defer conn.Close()
	// A socket that drops mid-flight leaves deliveries unsettled; reject
	// them so their prefetch slots free up and the hub accounts for them.
	defer wc.rejectAll()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go wc.pingLoop(ctx)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Gateway] connection dropped: %v", err)
			}
			return
		}
		if err := s.handleFrame(ctx, client, wc, f); err != nil {
			wc.write(frame{Op: opError, ID: f.ID, Error: err.Error()})
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, client *broker.Client, wc *wsConn, f frame) error {
	switch f.Op {
	case opDeclare:
		return client.DeclareAgentTopology(ctx, f.Identity)

	case opPublish:
		return client.Publish(ctx, wire.Message{
			ID:         f.ID,
			RoutingKey: f.Key,
			Priority:   f.Priority,
			Body:       f.Body,
			TTL:        time.Duration(f.TTLMs) * time.Millisecond,
			Persistent: true,
		})

	case opConsume:
		ch, err := client.Consume(ctx, f.Queue, f.Prefetch)
		if err != nil {
			return err
		}
		queue := f.Queue
		go func() {
			for d := range ch {
				wc.addPending(d)
				if err := wc.write(frame{
					Op:       opDeliver,
					Queue:    queue,
					ID:       d.Message.ID,
					Key:      d.Message.RoutingKey,
					Priority: d.Message.Priority,
					Body:     d.Message.Body,
				}); err != nil {
					return
				}
			}
		}()
		return nil

	case opAck:
		wc.settle(f.ID, true)
		return nil

	case opReject:
		wc.settle(f.ID, false)
		return nil

	default:
		return fmt.Errorf("unknown op %q", f.Op)
	}
}

// wsConn serializes writes on one socket and tracks unsettled deliveries.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]wire.Delivery
	down    bool
}

func (w *wsConn) write(f frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(f)
}

func (w *wsConn) addPending(d wire.Delivery) {
	w.mu.Lock()
	if w.down {
		w.mu.Unlock()
		d.Reject()
		return
	}
	w.pending[d.Message.ID] = d
	w.mu.Unlock()
}

// rejectAll settles every pending delivery on socket teardown and keeps
// late arrivals from parking in the map forever.
func (w *wsConn) rejectAll() {
	w.mu.Lock()
	w.down = true
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()
	for _, d := range pending {
		d.Reject()
	}
}

func (w *wsConn) settle(id string, ack bool) {
	w.mu.Lock()
	d, ok := w.pending[id]
	delete(w.pending, id)
	w.mu.Unlock()
	if !ok {
		return
	}
	if ack {
		d.Ack()
	} else {
		d.Reject()
	}
}

func (w *wsConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.writeMu.Lock()
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := w.conn.WriteMessage(websocket.PingMessage, nil)
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
