package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Tool and side-effect topics.
const (
	TopicToolCalled     = "tool.called"
	TopicToolFailed     = "tool.failed"
	TopicMemorySaved    = "memory.saved"
	TopicMemoryDeleted  = "memory.deleted"
	TopicRecordInserted = "record.inserted"
	TopicProfileUpdated = "profile.updated"
	TopicAuditDecision  = "audit.decision"
	TopicConflictFound  = "memory.conflict"
)

// ToolCalledEvent is published for every dispatched tool invocation.
type ToolCalledEvent struct {
	TenantID string
	AgentID  string
	Tool     string
	Cached   bool
}

// ToolFailedEvent is published when a dispatched invocation fails.
type ToolFailedEvent struct {
	TenantID string
	AgentID  string
	Tool     string
	Code     string
}

// MemorySavedEvent is published after a vector memory is stored.
type MemorySavedEvent struct {
	TenantID   string
	MemoryID   string
	Collection string
}

// RecordInsertedEvent is published after a structured record lands in a
// tenant table.
type RecordInsertedEvent struct {
	TenantID string
	Table    string
	RecordID string
}

// ConflictFoundEvent is published when the contradiction check files a
// pending review item.
type ConflictFoundEvent struct {
	TenantID string
	MetaID   string
	MemoryID string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. The returned channel has a buffer of
// 100 events; slow consumers will miss events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers. Delivery is
// non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
