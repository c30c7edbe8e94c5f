// Package eventbus provides the typed publish/subscribe layer connecting the
// execution manager and follow-up scheduler to their listeners.
package eventbus

import (
	"context"

	"github.com/zapdesk/flowengine/pkg/events"
)

// Event is any engine event. The concrete structs live in pkg/events; the
// type string drives handler dispatch on the subscribing side.
type Event interface {
	GetType() events.EventType
}

// EventPublisher emits engine events. key is the routing key, usually the
// execution or schedule id the event belongs to, so a partitioned transport
// keeps one run's events in order.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber registers handlers and starts consumption. Handle must be
// called for every event type of interest before Subscribe; events with no
// registered handler are acked and dropped.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives a decoded event. The event argument is a pointer to
// the concrete struct for the registered type. Returning an error nacks the
// message, so the transport may redeliver it.
type EventHandler func(ctx context.Context, event any) error

// EventBus is the full bus surface the engine components share. GenerateID
// mints the ids handed out for new executions.
type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
