package bus

import (
	"sync"

	"github.com/entrhq/waypoint/pkg/types"
)

// LocalBus is the in-process Bus implementation: a mutex-guarded map from
// key to subscriber channels. Single-process only.
type LocalBus struct {
	mu          sync.Mutex
	subscribers map[string][]chan types.Event
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subscribers: make(map[string][]chan types.Event)}
}

// Subscribe registers a new subscriber for key.
func (b *LocalBus) Subscribe(key string) <-chan types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan types.Event, subscriberBuffer)
	b.subscribers[key] = append(b.subscribers[key], ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel for key.
func (b *LocalBus) Unsubscribe(key string, ch <-chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[key]
	for i, sub := range subs {
		if sub == ch {
			b.subscribers[key] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(b.subscribers[key]) == 0 {
		delete(b.subscribers, key)
	}
}

// Publish fans evt out to every subscriber of key. Events to subscribers
// with full buffers are dropped.
func (b *LocalBus) Publish(key string, evt types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers[key] {
		select {
		case sub <- evt:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers for key.
func (b *LocalBus) SubscriberCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[key])
}
