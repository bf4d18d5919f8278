package susres

import (
	"context"
	"time"

	"github.com/embertide/emberos/internal/pubsub"
)

// EventType distinguishes the lifecycle notifications the coordinator
// publishes over its event bus, consumed by the dashboard. The audit
// history is written through Config.History, not from this bus.
type EventType string

const (
	// EventCycleStarted fires once SuspendRequest begins a new cycle.
	EventCycleStarted EventType = "cycle_started"
	// EventStageAdvanced fires each time the coordinator moves to the
	// next non-empty stage.
	EventStageAdvanced EventType = "stage_advanced"
	// EventSubscriberReady fires on every accepted SuspendReady call.
	EventSubscriberReady EventType = "subscriber_ready"
	// EventTimeoutFired fires when the timeout timer forces the cycle
	// forward with stragglers present.
	EventTimeoutFired EventType = "timeout_fired"
	// EventSuspended fires immediately before the coordinator calls the
	// HW driver's suspend entry.
	EventSuspended EventType = "suspended"
	// EventResumed fires once the HW driver has returned from resume
	// and the ticktimer has been restored.
	EventResumed EventType = "resumed"
	// EventCycleCompleted fires once every gated sender has been
	// released and the cycle is fully closed out.
	EventCycleCompleted EventType = "cycle_completed"
	// EventSuspendDenied fires when a request is rejected because
	// allow_suspend is false or a timeout is still pending.
	EventSuspendDenied EventType = "suspend_denied"
	// EventRebootArmed fires on a two-step reboot's first message.
	EventRebootArmed EventType = "reboot_armed"
	// EventRebootConfirmed fires on a two-step reboot's confirming
	// second message, immediately before the hardware reset call.
	EventRebootConfirmed EventType = "reboot_confirmed"
	// EventRebootAborted fires when the second message isn't the
	// expected confirmation.
	EventRebootAborted EventType = "reboot_aborted"
)

// Event is one notification on the coordinator's event bus.
type Event struct {
	Type      EventType
	Cycle     uint64
	Stage     Stage
	Token     Token
	Forced    bool
	Reason    string
	Timestamp time.Time
}

// EventBus is the coordinator's outward-facing notification channel,
// separate from the subscriber SuspendEvent callbacks: it carries
// operational telemetry for the dashboard and any other in-process
// observer, rather than protocol-required callbacks.
type EventBus struct {
	broker *pubsub.Broker[Event]
}

// NewEventBus creates an event bus whose subscriber channels are each sized
// to bufferSize. A size of zero falls back to the broker's default (64).
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		return &EventBus{broker: pubsub.NewBroker[Event]()}
	}
	return &EventBus{broker: pubsub.NewBrokerWithBuffer[Event](bufferSize)}
}

// Publish fans the event out to every current subscriber. Non-blocking: a
// slow subscriber drops events rather than stalling the coordinator's
// mailbox loop.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.broker.Publish(pubsub.UpdatedEvent, evt)
}

// Subscribe registers a new listener, automatically unsubscribed when ctx
// is cancelled.
func (b *EventBus) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return b.broker.Subscribe(ctx)
}

// Close shuts down the bus, closing every subscriber channel.
func (b *EventBus) Close() {
	b.broker.Close()
}
