package events

import (
	"sync"
	"time"

	"github.com/fleetd-io/fleetd/pkg/types"
)

// Subscriber is a channel that receives events.
type Subscriber chan *types.Event

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.Event
	stopCh      chan struct{}
	history     *History
}

// NewBroker creates a new event broker backed by a bounded per-job history.
func NewBroker(historyPerJob int) *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.Event, 100), // buffer up to 100 events
		stopCh:      make(chan struct{}),
		history:     NewHistory(historyPerJob),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers and records it in the
// issuing job's bounded history.
func (b *Broker) Publish(event *types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.JobID != "" {
		b.history.Append(event)
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// History returns recent events recorded for jobID, oldest first.
func (b *Broker) History(jobID string) []*types.Event {
	return b.history.Get(jobID)
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

func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
