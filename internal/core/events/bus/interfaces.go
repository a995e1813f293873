package bus

import "time"

// EventBus is an in-process pub/sub bus.
//
// Key characteristics:
//   - Type-based fan-out: handlers subscribe by Event.Type().
//   - Topics: handlers subscribe within a topic; canvassync uses one topic per
//     canvas session so deliveries never cross sessions.
//   - Synchronous delivery: Publish runs handlers on the caller goroutine, in
//     subscription order.
//   - Error aggregation: handler errors are joined and returned from Publish.
//
// All methods are safe for concurrent use. Handlers must not block for long.
type EventBus interface {
	// Publish delivers the event to subscribers of event.Type() in the default topic.
	Publish(event Event) error
	// PublishToTopic delivers the event to subscribers within topic.
	PublishToTopic(topic string, event Event) error

	// Subscribe registers a handler for eventType in the default topic.
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	// SubscribeTopic registers a handler for eventType within topic.
	SubscribeTopic(topic, eventType string, handler EventHandler) (Subscription, error)
	// Unsubscribe cancels the given Subscription. Nil is ignored.
	Unsubscribe(Subscription) error

	// CreateTopic declares a topic. Repeat declarations are no-ops.
	CreateTopic(name string) error
	// DeleteTopic cancels every subscription in topic and forgets it.
	DeleteTopic(name string) error
	// GetTopics returns a snapshot of known topics.
	GetTopics() []TopicInfo

	AddObserver(obs EventBusObserver)
	RemoveObserver(obs EventBusObserver)
	// GetMetrics returns counters, collected only while an observer is registered.
	GetMetrics() EventBusMetrics
}

// Event is an immutable message transported by the EventBus.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
	Metadata() map[string]any
}

// EventHandler is invoked per delivered event.
type EventHandler func(event Event) error

// Subscription is a registered handler bound to an event type.
type Subscription interface {
	ID() string
	EventType() string
	Topic() string
	IsActive() bool
	// Cancel de-registers the handler. No delivery starts after Cancel returns.
	// Multiple calls are safe.
	Cancel() error
}

// EventBusObserver is notified about deliveries.
type EventBusObserver interface {
	OnPublish(topic, eventType string, event Event)
	OnDelivered(topic, eventType string, handlers int, err error, durationMicros int64)
}

type EventBusMetrics struct {
	Published         uint64
	DeliveredHandlers uint64
	Errors            uint64
	SubscribersActive uint64
	Topics            uint64
}

type TopicInfo struct {
	Name       string
	EventTypes int
	Subs       int
}
