// Package pubsub provides a single-stream publish/subscribe bus used to fan
// out topology snapshots to interested consumers as they become available.
package pubsub

import (
	"context"
	"sync"
)

// Bus delivers each published value to every active subscriber. Subscribers
// that fall behind lose messages rather than blocking the publisher: a late
// consumer only ever wants the newest snapshot anyway.
type Bus[T any] struct {
	subscribers map[*Subscription[T]]bool
	mu          sync.RWMutex
	buffer      int
	shutdown    chan struct{}
	shutdownMu  sync.Mutex
	isShutdown  bool
}

// Subscription represents one consumer's view of the stream.
type Subscription[T any] struct {
	channel   chan T
	bus       *Bus[T]
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewBus creates a bus whose subscriptions buffer up to buffer messages.
func NewBus[T any](buffer int) *Bus[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus[T]{
		subscribers: make(map[*Subscription[T]]bool),
		buffer:      buffer,
		shutdown:    make(chan struct{}),
	}
}

// Subscribe registers a new subscriber. The subscription is torn down when
// ctx is cancelled, Unsubscribe is called, or the bus shuts down. Returns nil
// if the bus has already shut down.
func (b *Bus[T]) Subscribe(ctx context.Context) *Subscription[T] {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return nil
	}
	b.shutdownMu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription[T]{
		channel: make(chan T, b.buffer),
		bus:     b,
		ctx:     subCtx,
		cancel:  cancel,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	go func() {
		select {
		case <-subCtx.Done():
			sub.Unsubscribe()
		case <-b.shutdown:
			sub.Unsubscribe()
		}
	}()

	return sub
}

// Publish sends a value to all subscribers. Sends happen under the read
// lock so no channel can be closed mid-send; a full channel drops the value
// for that subscriber.
func (b *Bus[T]) Publish(msg T) {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return
	}
	b.shutdownMu.Unlock()

	b.mu.RLock()
	for sub := range b.subscribers {
		select {
		case sub.channel <- msg:
		default:
			// Subscriber buffer full: drop rather than block.
		}
	}
	b.mu.RUnlock()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Shutdown closes the bus and all subscriptions.
func (b *Bus[T]) Shutdown() {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return
	}
	b.isShutdown = true
	close(b.shutdown)
	b.shutdownMu.Unlock()

	b.mu.Lock()
	subs := make([]*Subscription[T], 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[*Subscription[T]]bool)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Channel returns the receive side of the subscription.
func (s *Subscription[T]) Channel() <-chan T {
	return s.channel
}

// Unsubscribe removes the subscription from the bus and closes its channel.
// The close happens under the bus write lock so it cannot interleave with a
// Publish send.
func (s *Subscription[T]) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s)
	s.close()
	s.bus.mu.Unlock()
}

// close must only run while the subscription is unreachable from Publish:
// either under the bus write lock or after removal from the subscriber map.
func (s *Subscription[T]) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.channel)
	})
}
