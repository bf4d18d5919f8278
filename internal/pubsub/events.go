// Package pubsub is the generic broker the rest of emberos builds its two
// fan-out channels on: the coordinator's operational EventBus
// (internal/susres.Event) and the logger's line-tailing broker
// (internal/log.LogEvent). Neither of those packages reimplements
// subscribe/publish/close; they parameterize this one.
package pubsub

import (
	"context"
	"time"
)

// EventType classifies a published event; callers mostly care about the
// payload, but susres's EventBus always publishes UpdatedEvent and the
// logger always publishes CreatedEvent, so a subscriber that multiplexes
// several brokers can still tell them apart cheaply.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event is one broker delivery: a typed payload plus the type/time it was
// published with.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber is satisfied by Broker; callers that only need to listen can
// depend on this instead of the concrete type.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher is satisfied by Broker; callers that only need to publish (the
// coordinator's dispatch loop, the logger's log func) can depend on this
// instead of the concrete type.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
