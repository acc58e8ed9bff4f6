package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process topic bus. It backs tests and single-binary
// deployments where running a broker is not worth it; delivery order per key
// matches publish order because each subscriber drains one FIFO channel.
type MemoryBus struct {
	mu     sync.Mutex
	subs   []*memorySource
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	msg := Message{Topic: topic, Key: key, Value: append([]byte(nil), payload...), Time: time.Now().UTC()}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*memorySource, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()
	for _, sub := range subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

// Subscribe returns a source receiving every future message on the given
// topics. An empty topic list subscribes to everything.
func (b *MemoryBus) Subscribe(topics ...string) MessageSource {
	sub := &memorySource{
		ch:     make(chan Message, 256),
		topics: map[string]struct{}{},
		done:   make(chan struct{}),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.Close()
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

type memorySource struct {
	ch     chan Message
	topics map[string]struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *memorySource) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

func (s *memorySource) Fetch(ctx context.Context) (Message, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		// Drain anything buffered before reporting closed.
		select {
		case msg := <-s.ch:
			return msg, nil
		default:
		}
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *memorySource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
