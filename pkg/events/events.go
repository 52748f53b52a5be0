// Package events is the in-process lifecycle event bus. The instance
// service publishes transitions; the webhook path and metrics subscribe.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventInstanceCreating   EventType = "instance.creating"
	EventInstanceCreated    EventType = "instance.created"
	EventInstanceStarting   EventType = "instance.starting"
	EventInstanceRunning    EventType = "instance.running"
	EventInstanceReady      EventType = "instance.ready"
	EventInstanceStopped    EventType = "instance.stopped"
	EventInstanceExited     EventType = "instance.exited"
	EventInstanceFailed     EventType = "instance.failed"
	EventInstanceDeleted    EventType = "instance.deleted"
	EventInstanceMigrated   EventType = "instance.migrated"
	EventInstanceObsolete   EventType = "instance.obsolete"
	EventSyncCompleted      EventType = "sync.completed"
	EventSweepCompleted     EventType = "sweep.completed"
	EventWebhookDelivered   EventType = "webhook.delivered"
	EventWebhookFailed      EventType = "webhook.failed"
)

// Event represents one lifecycle event
type Event struct {
	ID         string
	Type       EventType
	InstanceID string
	Timestamp  time.Time
	Message    string
	Metadata   map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// PublishInstance is shorthand for publishing an instance transition
func (b *Broker) PublishInstance(eventType EventType, instanceID, message string) {
	b.Publish(&Event{Type: eventType, InstanceID: instanceID, Message: message})
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
