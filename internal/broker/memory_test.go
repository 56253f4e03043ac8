package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveWithin(t *testing.T, b Broker, d time.Duration) Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	delivery, err := b.Receive(ctx)
	require.NoError(t, err)
	return delivery
}

func TestMemoryBrokerFIFO(t *testing.T) {
	b := NewMemoryBroker(time.Minute)
	defer b.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Enqueue(ctx, Message{JobID: id}, 0))
	}

	for _, want := range []string{"a", "b", "c"} {
		d := receiveWithin(t, b, time.Second)
		assert.Equal(t, want, d.Message().JobID)
		require.NoError(t, d.Ack(ctx))
	}

	depth, err := b.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestMemoryBrokerInflightInvisible(t *testing.T) {
	b := NewMemoryBroker(time.Minute)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Message{JobID: "only"}, 0))
	_ = receiveWithin(t, b, time.Second)

	// The message is leased; a second receive must not see it
	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err := b.Receive(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBrokerVisibilityExpiryRedelivers(t *testing.T) {
	b := NewMemoryBroker(80 * time.Millisecond)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Message{JobID: "again"}, 0))

	first := receiveWithin(t, b, time.Second)
	assert.Equal(t, "again", first.Message().JobID)
	// No ack, no nack: the lease must lapse and the message come back

	second := receiveWithin(t, b, time.Second)
	assert.Equal(t, "again", second.Message().JobID)
	require.NoError(t, second.Ack(ctx))
}

func TestMemoryBrokerNackWithDelay(t *testing.T) {
	b := NewMemoryBroker(time.Minute)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Message{JobID: "retry"}, 0))

	d := receiveWithin(t, b, time.Second)
	start := time.Now()
	require.NoError(t, d.Nack(ctx, 150*time.Millisecond))

	redelivered := receiveWithin(t, b, 2*time.Second)
	assert.Equal(t, "retry", redelivered.Message().JobID)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond,
		"redelivery must respect the nack delay")
}

func TestMemoryBrokerDelayedEnqueue(t *testing.T) {
	b := NewMemoryBroker(time.Minute)
	defer b.Close()
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, b.Enqueue(ctx, Message{JobID: "later"}, 120*time.Millisecond))

	d := receiveWithin(t, b, 2*time.Second)
	assert.Equal(t, "later", d.Message().JobID)
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestMemoryBrokerExtendKeepsLease(t *testing.T) {
	b := NewMemoryBroker(100 * time.Millisecond)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Message{JobID: "long"}, 0))
	d := receiveWithin(t, b, time.Second)

	// Keep extending past several visibility windows
	for i := 0; i < 3; i++ {
		time.Sleep(60 * time.Millisecond)
		require.NoError(t, d.Extend(ctx, 100*time.Millisecond))
	}

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := b.Receive(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "an extended lease must not redeliver")

	require.NoError(t, d.Ack(ctx))
}

func TestMemoryBrokerCloseUnblocksReceive(t *testing.T) {
	b := NewMemoryBroker(time.Minute)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock on Close")
	}
}
