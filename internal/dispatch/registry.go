// Package dispatch maps message types to handler callbacks for a session's
// consume loop.
package dispatch

import (
	"context"
	"sync"

	"github.com/foursages/sagebus/internal/envelope"
)

// Handler processes one decoded envelope. A returned error is logged by
// the consume loop; it never causes a redelivery.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Registry holds exactly one handler per message type; the most recent
// registration for a type wins. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[envelope.MessageType]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[envelope.MessageType]Handler)}
}

// Register associates h with t, replacing any previous handler.
func (r *Registry) Register(t envelope.MessageType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Lookup returns the handler for t, or nil if none is registered.
func (r *Registry) Lookup(t envelope.MessageType) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[t]
}
