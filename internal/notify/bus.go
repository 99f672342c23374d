package notify

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Bus fans events out to subscribers. Publishing never blocks: a subscriber whose buffer is full
// misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a listener until ctx ends or the returned cleanup runs.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	entry := &subscriber{
		id:     b.nextSequence(),
		stream: make(chan Event, b.bufferSize),
	}
	b.register(entry)
	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.unregister(entry.id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return entry.stream, cleanup
}

// Publish delivers event to every current subscriber. With no subscribers it is a no-op.
func (b *Bus) Publish(event Event) {
	if event == nil {
		return
	}
	b.mu.RLock()
	if len(b.subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(b.subscribers))
	for _, entry := range b.subscribers {
		copies = append(copies, entry)
	}
	b.mu.RUnlock()
	for _, entry := range copies {
		select {
		case entry.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports how many listeners are registered.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Bus) register(entry *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[entry.id] = entry
}

func (b *Bus) unregister(id int64) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}
