package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foursages/sagebus/internal/broker"
	"github.com/foursages/sagebus/internal/envelope"
	"github.com/foursages/sagebus/internal/wire"
)

const testKey = "session-test-signing-key"

type fixture struct {
	hub   *broker.Broker
	codec *envelope.Codec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	codec, err := envelope.NewCodec(testKey, "")
	require.NoError(t, err)
	hub := broker.New()
	t.Cleanup(hub.Close)
	return &fixture{hub: hub, codec: codec}
}

func (f *fixture) session(identity string) *Session {
	return New(identity, broker.NewClient(f.hub), f.codec)
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSession_StateMachine(t *testing.T) {
	f := newFixture(t)
	s := f.session("knowledge")
	ctx := context.Background()

	assert.Equal(t, StateDisconnected, s.State())
	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, StateConnected, s.State())
	require.NoError(t, s.Connect(ctx)) // no-op

	require.NoError(t, s.StartConsuming(ctx))
	assert.Equal(t, StateConsuming, s.State())

	s.StopConsuming()
	assert.Equal(t, StateConnected, s.State())

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateDisconnected, s.State())
	require.NoError(t, s.Disconnect()) // idempotent
}

func TestSession_SendAndDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receiver := f.session("knowledge")
	var got atomic.Pointer[envelope.Envelope]
	receiver.RegisterHandler(envelope.TypeQuery, func(ctx context.Context, env *envelope.Envelope) error {
		got.Store(env)
		return nil
	})
	require.NoError(t, receiver.StartConsuming(ctx))
	defer receiver.Disconnect()

	sender := f.session("task")
	defer sender.Disconnect()

	// Send auto-connects and returns the generated id.
	id, err := sender.Send(ctx, Outgoing{
		Recipient: "knowledge",
		Type:      envelope.TypeQuery,
		Payload:   map[string]any{"q": "where is node-7"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waitFor(t, func() bool { return got.Load() != nil }, "handler never invoked")
	env := got.Load()
	assert.Equal(t, id, env.ID)
	assert.Equal(t, "task", env.Sender)
	assert.Equal(t, "knowledge", env.Recipient)
	assert.Equal(t, envelope.PriorityNormal, env.Priority)
	assert.Equal(t, map[string]any{"q": "where is node-7"}, env.Payload)
	require.NotNil(t, env.ExpiresAt)
}

func TestSession_AtMostOnceEvenWhenHandlerFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int64
	receiver := f.session("incident")
	receiver.RegisterHandler(envelope.TypeAlert, func(ctx context.Context, env *envelope.Envelope) error {
		calls.Add(1)
		return errors.New("boom")
	})
	require.NoError(t, receiver.StartConsuming(ctx))
	defer receiver.Disconnect()

	sender := f.session("task")
	defer sender.Disconnect()
	_, err := sender.Send(ctx, Outgoing{Recipient: "incident", Type: envelope.TypeAlert})
	require.NoError(t, err)

	waitFor(t, func() bool { return calls.Load() == 1 }, "handler never invoked")
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load(), "failed handler must not trigger redelivery")
}

func TestSession_HandlerPanicDoesNotKillLoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int64
	receiver := f.session("rag")
	receiver.RegisterHandler(envelope.TypeCommand, func(ctx context.Context, env *envelope.Envelope) error {
		if calls.Add(1) == 1 {
			panic("first message is poison")
		}
		return nil
	})
	require.NoError(t, receiver.StartConsuming(ctx))
	defer receiver.Disconnect()

	sender := f.session("task")
	defer sender.Disconnect()
	for i := 0; i < 2; i++ {
		_, err := sender.Send(ctx, Outgoing{Recipient: "rag", Type: envelope.TypeCommand})
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return calls.Load() == 2 }, "loop died after handler panic")
}

func TestSession_MalformedMessageRejectedLoopContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var gotValid atomic.Bool
	receiver := f.session("knowledge")
	receiver.RegisterHandler(envelope.TypeStatus, func(ctx context.Context, env *envelope.Envelope) error {
		gotValid.Store(true)
		return nil
	})
	require.NoError(t, receiver.StartConsuming(ctx))
	defer receiver.Disconnect()

	// A forged body placed straight on the queue.
	forger := broker.NewClient(f.hub)
	require.NoError(t, forger.Publish(ctx, wire.Message{
		ID:         "forged",
		RoutingKey: "agent.knowledge.status",
		Priority:   5,
		Body:       []byte("not a signed token"),
	}))

	sender := f.session("task")
	defer sender.Disconnect()
	_, err := sender.Send(ctx, Outgoing{Recipient: "knowledge", Type: envelope.TypeStatus})
	require.NoError(t, err)

	waitFor(t, gotValid.Load, "valid message blocked behind forged one")
	assert.GreaterOrEqual(t, f.hub.Stats().Rejected, int64(1))
}

func TestSession_NoHandlerDropsMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var gotStatus atomic.Bool
	receiver := f.session("task")
	receiver.RegisterHandler(envelope.TypeStatus, func(ctx context.Context, env *envelope.Envelope) error {
		gotStatus.Store(true)
		return nil
	})
	require.NoError(t, receiver.StartConsuming(ctx))
	defer receiver.Disconnect()

	sender := f.session("incident")
	defer sender.Disconnect()

	// No handler for alert: dropped, not an error, loop continues.
	_, err := sender.Send(ctx, Outgoing{Recipient: "task", Type: envelope.TypeAlert})
	require.NoError(t, err)
	_, err = sender.Send(ctx, Outgoing{Recipient: "task", Type: envelope.TypeStatus})
	require.NoError(t, err)

	waitFor(t, gotStatus.Load, "status message never dispatched")
}

func TestSession_SendResponseCorrelation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session("knowledge")
	defer s.Disconnect()

	var mu sync.Mutex
	var responses []*envelope.Envelope
	requester := f.session("task")
	requester.RegisterHandler(envelope.TypeResponse, func(ctx context.Context, env *envelope.Envelope) error {
		mu.Lock()
		responses = append(responses, env)
		mu.Unlock()
		return nil
	})
	requester.RegisterHandler(envelope.TypeSageResponse, func(ctx context.Context, env *envelope.Envelope) error {
		mu.Lock()
		responses = append(responses, env)
		mu.Unlock()
		return nil
	})
	require.NoError(t, requester.StartConsuming(ctx))
	defer requester.Disconnect()

	// Plain request without explicit correlation id: the response
	// correlates by the request's own id.
	orig := &envelope.Envelope{
		ID:       "req-1",
		Sender:   "task",
		Type:     envelope.TypeQuery,
		Priority: envelope.PriorityNormal,
	}
	_, err := s.SendResponse(ctx, orig, map[string]any{"answer": "42"})
	require.NoError(t, err)

	// Consultation with an explicit correlation id: preserved verbatim,
	// answered as sage_response.
	consult := &envelope.Envelope{
		ID:            "req-2",
		Sender:        "task",
		Type:          envelope.TypeSageConsultation,
		Priority:      envelope.PriorityHigh,
		CorrelationID: "corr-explicit",
	}
	_, err = s.SendResponse(ctx, consult, map[string]any{"answer": "43"})
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(responses) == 2
	}, "responses never arrived")

	mu.Lock()
	defer mu.Unlock()
	byCorr := map[string]*envelope.Envelope{}
	for _, r := range responses {
		byCorr[r.CorrelationID] = r
	}
	require.Contains(t, byCorr, "req-1")
	assert.Equal(t, envelope.TypeResponse, byCorr["req-1"].Type)
	require.Contains(t, byCorr, "corr-explicit")
	assert.Equal(t, envelope.TypeSageResponse, byCorr["corr-explicit"].Type)
	assert.Equal(t, "knowledge", byCorr["corr-explicit"].Sender)
}

func TestSession_StopConsumingHaltsDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int64
	receiver := f.session("rag")
	receiver.RegisterHandler(envelope.TypeQuery, func(ctx context.Context, env *envelope.Envelope) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, receiver.StartConsuming(ctx))

	sender := f.session("task")
	defer sender.Disconnect()
	_, err := sender.Send(ctx, Outgoing{Recipient: "rag", Type: envelope.TypeQuery})
	require.NoError(t, err)
	waitFor(t, func() bool { return calls.Load() == 1 }, "first message not dispatched")

	receiver.StopConsuming()
	_, err = sender.Send(ctx, Outgoing{Recipient: "rag", Type: envelope.TypeQuery})
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load(), "dispatch continued after StopConsuming")
	assert.Equal(t, 1, f.hub.QueueDepth(wire.QueueName("rag")), "message should stay queued for the next consumer")
}

func TestSession_ExternalCancelRestoresState(t *testing.T) {
	f := newFixture(t)
	s := f.session("knowledge")
	t.Cleanup(func() { s.Disconnect() })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.StartConsuming(ctx))
	assert.Equal(t, StateConsuming, s.State())

	// Cancelling the caller's context kills the consume loop without
	// StopConsuming ever being called.
	cancel()
	waitFor(t, func() bool { return s.State() == StateConnected },
		"session still reports consuming after its context was cancelled")

	// StartConsuming works again on the same session.
	require.NoError(t, s.StartConsuming(context.Background()))
	assert.Equal(t, StateConsuming, s.State())
}

func TestSession_SendValidation(t *testing.T) {
	f := newFixture(t)
	s := f.session("task")
	defer s.Disconnect()

	_, err := s.Send(context.Background(), Outgoing{Type: envelope.TypeQuery})
	assert.Error(t, err, "empty recipient must be rejected")

	_, err = s.Send(context.Background(), Outgoing{Recipient: "rag", Type: envelope.TypeQuery, Priority: 9})
	assert.Error(t, err, "out-of-range priority must be rejected")
}
