// Package events provides an in-process publish/subscribe broker used to
// fan out cluster-lifecycle notifications (node health transitions, role
// switch stages, publish/persist outcomes) to observability consumers
// without coupling them to the Cluster Scheduler's main loop. Carried
// over from the teacher's lifecycle-event broker infrastructure
// (_examples/cuemby-warren/pkg/events), with its backpressure policy
// made observable and its subscriber buffering sized for this repo's
// event rate instead of the teacher's fixed constants (see DESIGN.md).
package events

import (
	"sync"
	"time"

	"github.com/mindie/ms-controller/pkg/metrics"
)

// EventType represents the type of event
type EventType string

const (
	EventNodeAdded       EventType = "node.added"
	EventNodeInitialized EventType = "node.initialized"
	EventNodeFaulty      EventType = "node.faulty"
	EventNodePromoted    EventType = "node.promoted"
	EventNodeRemoved     EventType = "node.removed"

	EventSwitchStarted   EventType = "switch.started"
	EventSwitchAnnounced EventType = "switch.announced"
	EventSwitchReady     EventType = "switch.ready"
	EventSwitchFailed    EventType = "switch.failed"

	EventPublishSucceeded EventType = "publish.succeeded"
	EventPublishFailed    EventType = "publish.failed"
	EventCoordinatorDown  EventType = "coordinator.down"

	EventPersistSucceeded EventType = "persist.succeeded"
	EventPersistFailed    EventType = "persist.failed"
)

// Event represents a cluster event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	NodeID    uint64
	GroupID   int
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// defaultSubscriberBuffer holds one full scheduler iteration's worth of
// events per node-lifecycle/switch/publish/persist category even when a
// subscriber is momentarily slow to drain - past this, the subscriber is
// genuinely behind and should start dropping rather than stall Publish.
const defaultSubscriberBuffer = 64

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]filter
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// filter restricts a subscription to a set of event types; a nil/empty
// filter receives everything.
type filter map[EventType]bool

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]filter),
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
	close(b.stopCh)
}

// Subscribe creates a subscription that receives every event type.
func (b *Broker) Subscribe() Subscriber {
	return b.subscribe(nil)
}

// SubscribeTo creates a subscription restricted to the given event
// types, so an observability consumer that only cares about e.g. the
// persistence outcome isn't forced to drain (or drop) events for every
// role switch as well.
func (b *Broker) SubscribeTo(types ...EventType) Subscriber {
	f := make(filter, len(types))
	for _, t := range types {
		f[t] = true
	}
	return b.subscribe(f)
}

func (b *Broker) subscribe(f filter) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, defaultSubscriberBuffer)
	b.subscribers[sub] = f
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
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

	for sub, f := range b.subscribers {
		if len(f) > 0 && !f[event.Type] {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full: count the drop instead of silently
			// swallowing it, so a persistently slow consumer shows up on
			// ms_controller_events_dropped_total rather than just going
			// quiet.
			metrics.EventsDroppedTotal.WithLabelValues(string(event.Type)).Inc()
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
