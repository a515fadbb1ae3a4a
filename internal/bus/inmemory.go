package bus

import (
	"context"
	"sync"
)

// InMemory is a process-local bus for tests and single-node deployments.
// Delivery is synchronous: Publish invokes matching handlers before returning.
type InMemory struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

// NewInMemory creates an empty in-memory bus.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[string]map[int]Handler)}
}

// Publish delivers the event to every subscriber of the topic.
func (b *InMemory) Publish(ctx context.Context, topic string, ev CompletionEvent) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
	return nil
}

// Subscribe registers a handler for a topic.
func (b *InMemory) Subscribe(ctx context.Context, topic string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = h

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
	return cancel, nil
}
