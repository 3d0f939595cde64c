package bus

import "time"

// EventBus is a thread-safe, in-process pub/sub bus.
//
// Handlers subscribe by Event.Type() within a topic; the default topic is "".
// Delivery is synchronous in the publisher's goroutine and works on a
// snapshot of the subscriptions taken when Publish starts, so handlers may
// subscribe or cancel while being called. Every handler runs inside its own
// error boundary: returned errors and recovered panics are joined and handed
// back to the publisher, and never stop delivery to the remaining handlers.
type EventBus interface {
	// Publish delivers the event to the subscribers of event.Type() in the
	// default topic.
	Publish(event Event) error
	// PublishToTopic publishes to a specific topic.
	PublishToTopic(topic string, event Event) error
	// PublishBatch publishes events in order and joins their errors.
	PublishBatch(events ...Event) error

	// Subscribe registers a handler in the default topic. The event type
	// AnyType receives every event published to the topic.
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	// SubscribeTopic registers a handler for eventType within topic.
	SubscribeTopic(topic, eventType string, handler EventHandler) (Subscription, error)
	// Unsubscribe cancels sub. A nil sub is ignored.
	Unsubscribe(sub Subscription) error

	// CreateTopic declares a topic. Repeat declarations are no-ops.
	CreateTopic(name string) error
	GetTopics() []TopicInfo

	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	// GetMetrics returns counters collected while at least one observer is
	// registered.
	GetMetrics() Metrics
}

// AnyType subscribes to every event type of a topic.
const AnyType = "*"

// Event is an immutable message transported by the bus.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

// EventHandler is called once per delivered event.
type EventHandler func(event Event) error

// Subscription is a registered handler.
type Subscription interface {
	ID() string
	Topic() string
	EventType() string
	IsActive() bool
	// Cancel removes the handler. Repeat calls are safe.
	Cancel() error
}

// Observer is told about every publish; implementations export metrics.
type Observer interface {
	OnPublish(topic, eventType string, event Event)
	OnDelivered(topic, eventType string, handlers int, err error, elapsed time.Duration)
}

type Metrics struct {
	Published         uint64
	DeliveredHandlers uint64
	Errors            uint64
	Panics            uint64
	SubscribersActive uint64
	Topics            uint64
}

type TopicInfo struct {
	Name       string
	EventTypes int
	Subs       int
}
