package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroker_Subscribe(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := broker.Subscribe(ctx)

	broker.Publish(CreatedEvent, "2026-07-30T00:00:00 [INFO] [daemon] daemon running headless")

	select {
	case event := <-ch:
		require.Equal(t, "2026-07-30T00:00:00 [INFO] [daemon] daemon running headless", event.Payload)
		require.Equal(t, CreatedEvent, event.Type)
		require.False(t, event.Timestamp.IsZero())
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "timeout waiting for event")
	}
}

// TestBroker_MultipleSubscribers mirrors several observers subscribing to
// the same coordinator EventBus: every subscriber gets its own copy of each
// published event.
func TestBroker_MultipleSubscribers(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	ctx := context.Background()

	dashboard := broker.Subscribe(ctx)
	history := broker.Subscribe(ctx)
	audit := broker.Subscribe(ctx)

	require.Equal(t, 3, broker.SubscriberCount())

	const cycle = 7
	broker.Publish(UpdatedEvent, cycle)

	for name, ch := range map[string]<-chan Event[int]{"dashboard": dashboard, "history": history, "audit": audit} {
		select {
		case event := <-ch:
			require.Equal(t, cycle, event.Payload, "subscriber %s", name)
			require.Equal(t, UpdatedEvent, event.Type, "subscriber %s", name)
		case <-time.After(100 * time.Millisecond):
			require.Fail(t, "timeout waiting for event", "subscriber %s", name)
		}
	}
}

func TestBroker_ContextCancellation(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())

	ch := broker.Subscribe(ctx)
	require.Equal(t, 1, broker.SubscriberCount())

	cancel()
	time.Sleep(20 * time.Millisecond) // wait for the unsubscribe goroutine

	require.Equal(t, 0, broker.SubscriberCount())

	_, ok := <-ch
	require.False(t, ok, "channel should be closed once ctx is cancelled")
}

// TestBroker_NonBlocking exercises the guarantee susres.EventBus.Publish
// depends on: a coordinator mailbox loop with a slow dashboard subscriber
// must never stall publishing the next event.
func TestBroker_NonBlocking(t *testing.T) {
	broker := NewBrokerWithBuffer[int](1)
	defer broker.Close()

	ctx := context.Background()

	ch := broker.Subscribe(ctx)

	broker.Publish(UpdatedEvent, 1) // fills the buffer

	done := make(chan bool)
	go func() {
		broker.Publish(UpdatedEvent, 2)
		broker.Publish(UpdatedEvent, 3)
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "Publish blocked on a full subscriber channel")
	}

	event := <-ch
	require.Equal(t, 1, event.Payload, "only the first event survives, the rest are dropped")
}

func TestBroker_Close(t *testing.T) {
	broker := NewBroker[string]()

	ctx := context.Background()

	dashboard := broker.Subscribe(ctx)
	history := broker.Subscribe(ctx)

	require.Equal(t, 2, broker.SubscriberCount())

	broker.Close()

	_, okDashboard := <-dashboard
	_, okHistory := <-history

	require.False(t, okDashboard, "dashboard subscription should be closed")
	require.False(t, okHistory, "history subscription should be closed")
	require.Equal(t, 0, broker.SubscriberCount())

	late := broker.Subscribe(ctx)
	_, okLate := <-late
	require.False(t, okLate, "subscribing after Close should hand back an already-closed channel")

	broker.Publish(UpdatedEvent, "cycle_completed") // must not panic
}

func TestBroker_CloseIdempotent(t *testing.T) {
	broker := NewBroker[string]()

	ctx := context.Background()
	ch := broker.Subscribe(ctx)

	broker.Close()
	broker.Close()
	broker.Close()

	_, ok := <-ch
	require.False(t, ok, "channel should be closed")
}
