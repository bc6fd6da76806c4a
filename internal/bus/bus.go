// Package bus is the messaging abstraction used by the router (C4) and
// execution agents (C5): a reliable, topic-tagged, message-oriented link
// per spec §1/§6. It is adapted from the teacher's internal/events
// EventBus/PubSubEventBus split — an in-memory bus for single-process/dev
// use, and a Redis pub/sub-backed bus for the real deployment, with the
// same graceful in-memory fallback the teacher's cmd/api/main.go applies
// to its Hub store and event bus.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Message is what gets published on a topic: the normalized request (or
// any JSON-serializable payload) plus the topic it was published on.
type Message struct {
	Topic     string                 `json:"topic"`
	Payload   map[string]interface{} `json:"payload"`
	PublishMs int64                  `json:"publish_ms"`
}

// Bus is the minimal publish/subscribe surface the router and agents need.
type Bus interface {
	// Publish sends payload to the current subscribers of topic, ordered
	// per publisher. Delivery is at most once in both implementations:
	// InMemoryBus drops a message when a subscriber's buffer is full, and
	// RedisBus uses Redis Pub/Sub, which keeps no message for a subscriber
	// that is not connected.
	Publish(ctx context.Context, topic string, payload map[string]interface{}) error
	// Subscribe registers a handler invoked for every message published to
	// topic. It returns an unsubscribe function.
	Subscribe(ctx context.Context, topic string, handler func(Message)) (func(), error)
	// HealthCheck reports whether the bus is reachable.
	HealthCheck(ctx context.Context) error
	Close() error
}

// InMemoryBus is a single-process pub/sub bus, adapted from the teacher's
// internal/events.EventBus (subscriber channels keyed by topic, buffered,
// best-effort delivery — a full channel drops the message rather than
// blocking the publisher).
type InMemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Message
	logger      *log.Logger
	bufferSize  int
	closed      bool
}

// NewInMemoryBus creates an in-memory bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subscribers: make(map[string][]chan Message),
		logger:      log.New(log.Writer(), "[BUS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

func (b *InMemoryBus) Publish(ctx context.Context, topic string, payload map[string]interface{}) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus: closed")
	}
	msg := Message{Topic: topic, Payload: payload, PublishMs: time.Now().UnixMilli()}
	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- msg:
		default:
			b.logger.Printf("⚠️ subscriber channel full, dropping message on topic %s", topic)
		}
	}
	return nil
}

func (b *InMemoryBus) Subscribe(ctx context.Context, topic string, handler func(Message)) (func(), error) {
	ch := make(chan Message, b.bufferSize)

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg)
			case <-done:
				return
			}
		}
	}()

	unsub := func() {
		close(done)
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[topic]
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[topic] = filtered
	}
	return unsub, nil
}

func (b *InMemoryBus) HealthCheck(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus: closed")
	}
	return nil
}

func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// marshalMessage and unmarshalMessage are shared by bus implementations
// that serialize Message over the wire (e.g. Redis).
func marshalMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func unmarshalMessage(data []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	return msg, err
}
