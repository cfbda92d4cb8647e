package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	tr := NewRedis(RedisConfig{
		Addr:          mr.Addr(),
		Group:         "test-group",
		Consumer:      "consumer-1",
		Block:         50 * time.Millisecond,
		ClaimMinIdle:  time.Minute,
		ClaimInterval: time.Hour,
	}, zap.NewNop())
	t.Cleanup(func() { tr.Disconnect(context.Background()) })
	return mr, tr
}

func TestRedisConnectIdempotent(t *testing.T) {
	_, tr := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.Connect(ctx))
}

func TestRedisPublishSubscribeAck(t *testing.T) {
	mr, tr := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	msg := testMessage("echo")
	require.NoError(t, tr.Publish(ctx, "echo", msg))

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := tr.Subscribe(subCtx, "echo")
	require.NoError(t, err)

	d := receive(t, ch)
	require.NoError(t, d.Err)
	assert.Equal(t, msg.CorrelationID, d.Message.CorrelationID)

	require.NoError(t, tr.Ack(ctx, d.Tag))
	require.NoError(t, tr.Ack(ctx, d.Tag))

	// After ack nothing is pending for the group.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	pending, err := client.XPending(ctx, "echo", "test-group").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedisPublishSurvivesSubscriberAbsence(t *testing.T) {
	_, tr := setupTestRedis(t)
	ctx := context.Background()

	// Publish with no subscriber; the stream holds the message until a
	// worker appears.
	msg := testMessage("later")
	require.NoError(t, tr.Publish(ctx, "later", msg))

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := tr.Subscribe(subCtx, "later")
	require.NoError(t, err)

	d := receive(t, ch)
	assert.Equal(t, msg.MessageID, d.Message.MessageID)
}

func TestRedisNackRepublishes(t *testing.T) {
	_, tr := setupTestRedis(t)
	ctx := context.Background()

	msg := testMessage("requeue")
	require.NoError(t, tr.Publish(ctx, "requeue", msg))

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := tr.Subscribe(subCtx, "requeue")
	require.NoError(t, err)

	d := receive(t, ch)
	require.NoError(t, tr.Nack(ctx, d.Tag, true))

	// Streams cannot requeue in place: the raw bytes land at the tail under
	// a new entry id.
	redelivered := receive(t, ch)
	assert.NotEqual(t, d.Tag, redelivered.Tag)
	assert.Equal(t, msg.MessageID, redelivered.Message.MessageID)
}

func TestRedisMalformedDelivery(t *testing.T) {
	mr, tr := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := tr.Subscribe(subCtx, "poison")
	require.NoError(t, err)

	// Inject junk bytes directly into the stream.
	_, err = mr.XAdd("poison", "*", []string{bodyField, "junk{"})
	require.NoError(t, err)

	d := receive(t, ch)
	require.Error(t, d.Err)
	assert.Nil(t, d.Message)
	require.NoError(t, tr.Ack(ctx, d.Tag))
}

func TestRedisCompetingConsumers(t *testing.T) {
	mr, tr1 := setupTestRedis(t)
	ctx := context.Background()

	tr2 := NewRedis(RedisConfig{
		Addr:          mr.Addr(),
		Group:         "test-group",
		Consumer:      "consumer-2",
		Block:         50 * time.Millisecond,
		ClaimMinIdle:  time.Minute,
		ClaimInterval: time.Hour,
	}, zap.NewNop())
	t.Cleanup(func() { tr2.Disconnect(ctx) })

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch1, err := tr1.Subscribe(subCtx, "shared")
	require.NoError(t, err)
	ch2, err := tr2.Subscribe(subCtx, "shared")
	require.NoError(t, err)

	const total = 6
	for range total {
		require.NoError(t, tr1.Publish(ctx, "shared", testMessage("shared")))
	}

	seen := map[string]int{}
	for range total {
		select {
		case d := <-ch1:
			seen[d.Message.MessageID]++
		case d := <-ch2:
			seen[d.Message.MessageID]++
		case <-time.After(3 * time.Second):
			t.Fatal("timed out")
		}
	}
	assert.Len(t, seen, total)
	for _, n := range seen {
		assert.Equal(t, 1, n)
	}
}

func TestRedisDisconnectClosesSubscription(t *testing.T) {
	_, tr := setupTestRedis(t)
	ctx := context.Background()

	ch, err := tr.Subscribe(ctx, "closing")
	require.NoError(t, err)
	require.NoError(t, tr.Disconnect(ctx))

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after disconnect")
	}

	err = tr.Publish(ctx, "closing", testMessage("closing"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSplitTag(t *testing.T) {
	topic, id, ok := splitTag("agent|1234-0")
	require.True(t, ok)
	assert.Equal(t, "agent", topic)
	assert.Equal(t, "1234-0", id)

	_, _, ok = splitTag("no-separator")
	assert.False(t, ok)
}
