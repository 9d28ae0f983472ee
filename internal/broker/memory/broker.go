// Package memory is an in-process broker. Published payloads are recorded for
// inspection, and those on the job topic are delivered to Consume.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/harvester/internal/broker"
	"github.com/JakeFAU/harvester/internal/crawler"
)

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload []byte
}

// Broker is a bounded in-memory transport.
type Broker struct {
	topic string
	ch    chan []byte

	mu       sync.RWMutex
	messages []PublishedMessage
	closed   bool
}

var (
	_ crawler.Publisher = (*Broker)(nil)
	_ broker.Consumer   = (*Broker)(nil)
)

// New returns a Broker delivering jobTopic messages through a buffer of
// the given capacity.
func New(jobTopic string, capacity int) *Broker {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Broker{topic: jobTopic, ch: make(chan []byte, capacity)}
}

// Publish records payload as JSON and queues it when it targets the job topic.
func (b *Broker) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", errors.New("memory broker closed")
	}
	b.messages = append(b.messages, PublishedMessage{Topic: topic, Payload: data})
	id := fmt.Sprintf("memory-%d", len(b.messages))
	b.mu.Unlock()

	if topic != b.topic {
		return id, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return "", errors.New("memory broker closed")
	}
	select {
	case b.ch <- data:
		return id, nil
	case <-ctx.Done():
		return "", fmt.Errorf("publish canceled: %w", ctx.Err())
	}
}

// Consume delivers queued job messages until ctx ends. Messages the handler
// rejects are queued again if there is room.
func (b *Broker) Consume(ctx context.Context, handle broker.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("consume canceled: %w", ctx.Err())
		case data, ok := <-b.ch:
			if !ok {
				return nil
			}
			msg, err := broker.Decode(data)
			if err != nil {
				continue
			}
			if err := handle(ctx, msg); err != nil {
				b.redeliver(data)
			}
		}
	}
}

func (b *Broker) redeliver(data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- data:
	default:
	}
}

// Messages returns the recorded publishes.
func (b *Broker) Messages() []PublishedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]PublishedMessage, len(b.messages))
	copy(out, b.messages)
	return out
}

// Close stops delivery. Consume returns once the buffer drains.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.ch)
	return nil
}
