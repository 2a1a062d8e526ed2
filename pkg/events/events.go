package events

import (
	"sync"
	"time"
)

// Type represents the kind of internal notification
type Type string

const (
	TypeIgniteStarted    Type = "ignite.started"
	TypeActivationDone   Type = "activation.done"
	TypeDeviceReassigned Type = "activation.device_reassigned"
	TypeTokenRefreshed   Type = "auth.token_refreshed"
	TypeUploadSuspended  Type = "upload.suspended"
	TypeUploadResumed    Type = "upload.resumed"
	TypeStorageReduced   Type = "storage.reduced"
	TypeConfigUpdated    Type = "config.updated"
	TypeShutdown         Type = "agent.shutdown"
)

// Notification is an internal lifecycle event distributed to subscribers
type Notification struct {
	Type      Type
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives notifications
type Subscriber chan *Notification

// Broker manages subscriptions and distribution of internal notifications
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Notification
	stopCh      chan struct{}
}

// NewBroker creates a new notification broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Notification, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish distributes a notification to all subscribers
func (b *Broker) Publish(n *Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- n:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case n := <-b.eventCh:
			b.broadcast(n)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(n *Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- n:
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
