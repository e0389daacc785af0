package events

import (
	"sync"
	"time"
)

// EventType represents the type of a local event.
type EventType string

const (
	// EventNewGroup fires when a local caller asks the conversation
	// stream to materialize a group it already created, so that any
	// other AllMessagesStream in this process picks it up too.
	EventNewGroup EventType = "group.new"
	// EventGroupMaterialized fires after the conversation stream
	// actually yields a group on Items(), whether it arrived through a
	// remote welcome or a local EventNewGroup. Distinct from
	// EventNewGroup so that ConversationStream, which listens for
	// EventNewGroup, never reprocesses its own output.
	EventGroupMaterialized EventType = "group.materialized"
	// EventNewMessage fires when a message is stored for a group.
	EventNewMessage EventType = "message.new"
	// EventPreferencesChanged fires when a user preference is updated,
	// locally or via device sync.
	EventPreferencesChanged EventType = "preferences.changed"
	// EventSyncWorker reports device-sync worker lifecycle progress.
	EventSyncWorker EventType = "devicesync.worker"
	// EventNewSyncGroupMessage fires when a message lands on the sync
	// group topic.
	EventNewSyncGroupMessage EventType = "devicesync.message"
	// EventStreamClosed fires when a subscription stream terminates.
	EventStreamClosed EventType = "stream.closed"
	// EventLagged fires when a subscriber's buffer overflowed and some
	// events were dropped before delivery; the subscriber should
	// resynchronize from storage rather than trust its in-memory state.
	EventLagged EventType = "subscriber.lagged"
)

// Event is a local, in-process notification. It is never persisted and
// never crosses a network boundary; it exists purely to let streams and
// workers react to state changes without polling.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	GroupID   []byte
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// subscriberBuffer is how many events a subscriber may lag behind the
// broker before events are dropped for it and a Lagged event is queued
// in their place.
const subscriberBuffer = 64

// Broker fans out published events to all current subscribers. A slow
// subscriber never blocks the broker or other subscribers: when its
// channel is full, the new event and its oldest buffered event are
// dropped and a Lagged event is queued so it knows to resynchronize.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker. Call Start to begin
// distribution.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker and closes every subscriber channel.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.mu.Lock()
		defer b.mu.Unlock()
		for sub := range b.subscribers {
			close(sub)
		}
		b.subscribers = nil
	})
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription. Calling it again for
// the same subscriber, or after Stop, is a no-op.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
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

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			b.sendLagged(sub)
		}
	}
}

// sendLagged tells a full subscriber it missed events. It never blocks:
// the subscriber's oldest buffered event is discarded to free a slot,
// and the Lagged event is queued in that slot.
func (b *Broker) sendLagged(sub Subscriber) {
	lagged := &Event{Type: EventLagged, Timestamp: time.Now()}
	select {
	case <-sub:
	default:
	}
	select {
	case sub <- lagged:
	default:
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
