package events

import (
	"context"
	"sync"
)

// Bus is an in-process Publisher and Subscriber used when the worker runs
// without redis. Handlers run on the publishing goroutine.
type Bus struct {
	mu       sync.RWMutex
	next     int
	handlers map[string]map[int]func(Event)
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[int]func(Event))}
}

func (b *Bus) Publish(_ context.Context, stream string, event Event) error {
	b.mu.RLock()
	hs := make([]func(Event), 0, len(b.handlers[stream]))
	for _, h := range b.handlers[stream] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(event)
	}
	return nil
}

// Subscribe registers handler until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, stream string, handler func(Event)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	if b.handlers[stream] == nil {
		b.handlers[stream] = make(map[int]func(Event))
	}
	b.handlers[stream][id] = handler
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers[stream], id)
		b.mu.Unlock()
	}()
	return nil
}
