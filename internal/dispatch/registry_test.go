package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/foursages/sagebus/internal/envelope"
)

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewRegistry()
	var called string

	r.Register(envelope.TypeQuery, func(ctx context.Context, env *envelope.Envelope) error {
		called = "first"
		return nil
	})
	r.Register(envelope.TypeQuery, func(ctx context.Context, env *envelope.Envelope) error {
		called = "second"
		return nil
	})

	h := r.Lookup(envelope.TypeQuery)
	assert.NotNil(t, h)
	h(context.Background(), &envelope.Envelope{})
	assert.Equal(t, "second", called)
}

func TestRegistry_LookupMissing(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Lookup(envelope.TypeAlert))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register(envelope.TypeStatus, func(ctx context.Context, env *envelope.Envelope) error { return nil })
			r.Lookup(envelope.TypeStatus)
		}()
	}
	wg.Wait()
	assert.NotNil(t, r.Lookup(envelope.TypeStatus))
}
