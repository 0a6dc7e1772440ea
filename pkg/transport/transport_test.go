package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

func testMessage() Message {
	key := contracts.DropKey("c1", contracts.KindCardio, contracts.MustDate("2026-03-10"))
	return Message{ID: "m1", Key: key, Recipient: "c1", Kind: contracts.KindCardio, Content: "30 minutes zone 2"}
}

func TestMemoryTransport_FailNext(t *testing.T) {
	tr := NewMemoryTransport()
	tr.FailNext(2)
	ctx := context.Background()

	var te *contracts.TransportError
	require.True(t, errors.As(tr.Send(ctx, testMessage()), &te))
	require.Error(t, tr.Send(ctx, testMessage()))
	require.NoError(t, tr.Send(ctx, testMessage()))

	assert.Equal(t, 3, tr.Attempts())
	assert.Len(t, tr.Sent(), 1)
}

func TestMemoryTransport_BlockHonorsTimeout(t *testing.T) {
	tr := NewMemoryTransport()
	tr.Block(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tr.Send(ctx, testMessage())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, contracts.IsRetryable(err))
}

func TestLimited_PacingFailureIsTransportError(t *testing.T) {
	tr := NewMemoryTransport()
	lim := NewLimited(tr, rate.NewLimiter(rate.Every(time.Hour), 1))

	require.NoError(t, lim.Send(context.Background(), testMessage()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := lim.Send(ctx, testMessage())
	assert.True(t, contracts.IsRetryable(err))
	assert.Len(t, tr.Sent(), 1)
}

func TestDecodeInbound(t *testing.T) {
	in, err := decodeInbound(redis.XMessage{ID: "1-0", Values: map[string]any{
		"client_id": "c1", "kind": "cardio", "date": "2026-03-10", "payload": `{"actual_minutes":20}`,
	}})
	require.NoError(t, err)
	assert.Equal(t, "1-0", in.ID)
	assert.Equal(t, contracts.KindCardio, in.Kind)
	assert.JSONEq(t, `{"actual_minutes":20}`, string(in.Payload))

	_, err = decodeInbound(redis.XMessage{ID: "2-0", Values: map[string]any{"client_id": "c1", "kind": "yoga", "date": "2026-03-10"}})
	assert.Error(t, err)
	_, err = decodeInbound(redis.XMessage{ID: "3-0", Values: map[string]any{"kind": "fuel", "date": "2026-03-10"}})
	assert.Error(t, err)
}

// TestRedisTransport_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisTransport_Integration(t *testing.T) {
	client := NewRedisClient("localhost:6379", "", 0)
	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	tr := NewRedisTransport(client, "test-consumer")
	before, err := client.XLen(ctx, OutboxStream).Result()
	require.NoError(t, err)
	require.NoError(t, tr.Send(ctx, testMessage()))
	after, err := client.XLen(ctx, OutboxStream).Result()
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	lim := NewRedisLimiter(client, "test-"+time.Now().Format(time.RFC3339Nano), 1, 1)
	ok, err := lim.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = lim.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
