package testutil

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"contecbridge/internal/mqtt"
)

// PublishedMessage records one publish on the mock broker.
type PublishedMessage struct {
	Timestamp time.Time
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
}

// MockBroker is an in-memory MQTT broker for tests. It records publishes,
// keeps retained messages and routes Deliver calls to matching subscribers.
type MockBroker struct {
	mu            sync.Mutex
	published     []PublishedMessage
	retained      map[string][]byte
	subscriptions map[string]mqtt.MessageHandler
	publishErr    error
}

// NewMockBroker creates an empty broker.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		retained:      make(map[string][]byte),
		subscriptions: make(map[string]mqtt.MessageHandler),
	}
}

// Publish records a message. Empty retained payloads clear the retained topic.
func (b *MockBroker) Publish(topic string, payload []byte, qos byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, PublishedMessage{
		Timestamp: time.Now(),
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		QoS:       qos,
		Retained:  retained,
	})
	if retained {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = append([]byte(nil), payload...)
		}
	}
	return nil
}

// Subscribe registers handler for a topic filter.
func (b *MockBroker) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions[topic] = handler
	return nil
}

// Unsubscribe removes a topic filter.
func (b *MockBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscriptions, topic)
	return nil
}

// SetPublishError makes every subsequent publish fail with err.
func (b *MockBroker) SetPublishError(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// Deliver sends a message to every matching subscriber and returns the
// first handler error.
func (b *MockBroker) Deliver(topic string, payload []byte) error {
	b.mu.Lock()
	var handlers []mqtt.MessageHandler
	for filter, h := range b.subscriptions {
		if TopicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscriber for %s", topic)
	}
	var firstErr error
	for _, h := range handlers {
		if err := h(topic, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Retained returns the retained payload of a topic.
func (b *MockBroker) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[topic]
	return p, ok
}

// Published returns every message published so far.
func (b *MockBroker) Published() []PublishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PublishedMessage(nil), b.published...)
}

// PublishedTo returns the messages published to one topic.
func (b *MockBroker) PublishedTo(topic string) []PublishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []PublishedMessage
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Subscribed reports whether a topic filter is subscribed.
func (b *MockBroker) Subscribed(filter string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subscriptions[filter]
	return ok
}

// ClearPublished forgets recorded publishes; retained messages stay.
func (b *MockBroker) ClearPublished() {
	b.mu.Lock()
	b.published = nil
	b.mu.Unlock()
}

// TopicMatches applies MQTT wildcard rules for + and #.
func TopicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
