package redisq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foursages/sagebus/internal/wire"
)

func TestScoreOrdersPriorityThenFIFO(t *testing.T) {
	// Higher priority always outranks lower, regardless of sequence.
	assert.Greater(t, score(5, 1000), score(4, 1))
	assert.Greater(t, score(2, 999999), score(1, 1))

	// Within a priority, earlier sequence pops first under ZPOPMAX.
	assert.Greater(t, score(3, 1), score(3, 2))
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, 5, clampPriority(9))
	assert.Equal(t, 1, clampPriority(0))
	assert.Equal(t, 3, clampPriority(3))
}

func TestConnectRequiresURL(t *testing.T) {
	tr := New(Config{})
	err := tr.Connect(context.Background())
	assert.Error(t, err)
}

func newTestTransport(t *testing.T) (*Transport, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)

	tr := New(Config{URL: "redis://" + srv.Addr()})
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close() })

	inspect := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { inspect.Close() })
	return tr, inspect
}

func TestPublishConsumeRoundTrip(t *testing.T) {
	tr, _ := newTestTransport(t)
	ctx := context.Background()

	require.NoError(t, tr.DeclareAgentTopology(ctx, "knowledge"))
	require.NoError(t, tr.Publish(ctx, wire.Message{
		ID:         "msg-1",
		RoutingKey: wire.RoutingKey("knowledge", "query"),
		Priority:   3,
		Body:       []byte("signed-token"),
	}))

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := tr.Consume(cctx, wire.QueueName("knowledge"), 10)
	require.NoError(t, err)

	select {
	case d := <-ch:
		assert.Equal(t, "msg-1", d.Message.ID)
		assert.Equal(t, 3, d.Message.Priority)
		assert.Equal(t, []byte("signed-token"), d.Message.Body)
		d.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestCancelledConsumerRequeuesUndelivered(t *testing.T) {
	tr, inspect := newTestTransport(t)
	ctx := context.Background()
	key := queuePrefix + wire.QueueName("knowledge")

	require.NoError(t, tr.DeclareAgentTopology(ctx, "knowledge"))
	require.NoError(t, tr.Publish(ctx, wire.Message{
		ID:         "msg-1",
		RoutingKey: wire.RoutingKey("knowledge", "query"),
		Priority:   3,
		Body:       []byte("signed-token"),
	}))

	// Consume but never read the channel: the loop pops the record and
	// blocks handing it over.
	cctx, cancel := context.WithCancel(ctx)
	_, err := tr.Consume(cctx, wire.QueueName("knowledge"), 10)
	require.NoError(t, err)

	waitForCard := func(want int64) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			n, err := inspect.ZCard(ctx, key).Result()
			require.NoError(t, err)
			if n == want {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("queue %s never reached depth %d", key, want)
	}

	waitForCard(0) // popped, held by the consume loop
	cancel()
	waitForCard(1) // cancelled before delivery: back in the queue

	// A fresh consumer gets the restored record.
	cctx2, cancel2 := context.WithCancel(ctx)
	defer cancel2()
	ch, err := tr.Consume(cctx2, wire.QueueName("knowledge"), 10)
	require.NoError(t, err)
	select {
	case d := <-ch:
		assert.Equal(t, "msg-1", d.Message.ID)
		d.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("restored message never delivered")
	}
}
