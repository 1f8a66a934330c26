package store

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TopicAll receives every message published on the bus.
const TopicAll = "*"

// TelemetryTopic names the topic a decoded packet is published on.
func TelemetryTopic(target, pkt string) string {
	return "TLM__" + strings.ToUpper(target) + "__" + strings.ToUpper(pkt)
}

// Message is one published payload.
type Message struct {
	Topic   string
	Time    time.Time
	Payload map[string]any
}

type subscriber struct {
	topic string
	ch    chan Message
}

// Bus fans messages out to topic subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the message.
type Bus struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]subscriber
	closed      bool
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[uuid.UUID]subscriber)}
}

// Subscribe registers for messages on topic, or on every topic when
// topic is TopicAll. The channel is closed by Unsubscribe or Close.
func (b *Bus) Subscribe(topic string, buffer int) (uuid.UUID, <-chan Message) {
	id := uuid.New()
	ch := make(chan Message, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = subscriber{topic: topic, ch: ch}
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// Publish delivers msg to every matching subscriber and reports how many
// received it.
func (b *Bus) Publish(msg Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := 0
	for _, sub := range b.subscribers {
		if sub.topic != TopicAll && sub.topic != msg.Topic {
			continue
		}
		select {
		case sub.ch <- msg:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later subscriptions receive an
// already closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.closed = true
}
