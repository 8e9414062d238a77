package inmem_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perdura/durable/eventbus"
	"github.com/perdura/durable/features/eventbus/inmem"
)

func TestPublishReachesAllChannelSubscribers(t *testing.T) {
	bus := inmem.New()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	handler := func(context.Context, eventbus.Event) { wg.Done() }

	sub1, err := bus.Subscribe(ctx, "execution:1", handler)
	require.NoError(t, err)
	defer sub1.Close(ctx)
	sub2, err := bus.Subscribe(ctx, "execution:1", handler)
	require.NoError(t, err)
	defer sub2.Close(ctx)

	require.NoError(t, bus.Publish(ctx, "execution:1", eventbus.Event{Type: eventbus.EventFinished}))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all subscribers received the event")
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	bus := inmem.New()
	ctx := context.Background()

	got := make(chan string, 2)
	sub, err := bus.Subscribe(ctx, "execution:1", func(_ context.Context, e eventbus.Event) {
		got <- e.Type
	})
	require.NoError(t, err)
	defer sub.Close(ctx)

	require.NoError(t, bus.Publish(ctx, "execution:2", eventbus.Event{Type: "other"}))
	require.NoError(t, bus.Publish(ctx, "execution:1", eventbus.Event{Type: eventbus.EventFinished}))

	select {
	case typ := <-got:
		assert.Equal(t, eventbus.EventFinished, typ)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received its channel's event")
	}
	select {
	case typ := <-got:
		t.Fatalf("unexpected cross-channel delivery: %s", typ)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClosedSubscriptionStopsReceiving(t *testing.T) {
	bus := inmem.New()
	ctx := context.Background()

	got := make(chan struct{}, 1)
	sub, err := bus.Subscribe(ctx, "execution:1", func(context.Context, eventbus.Event) {
		got <- struct{}{}
	})
	require.NoError(t, err)

	require.NoError(t, sub.Close(ctx))
	require.NoError(t, sub.Close(ctx), "close is idempotent")
	require.NoError(t, bus.Publish(ctx, "execution:1", eventbus.Event{Type: eventbus.EventFinished}))

	select {
	case <-got:
		t.Fatal("closed subscription still received an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := inmem.New()
	require.NoError(t, bus.Publish(context.Background(), "execution:ghost", eventbus.Event{
		Type: eventbus.EventFinished,
	}))
}
