package broker

import (
	"context"
	"sync"
)

// subscriberBuffer bounds per-subscription backlog; publishes to a full
// subscriber are dropped rather than blocking the publisher.
const subscriberBuffer = 256

// MemoryBroker is an in-process Broker used by tests and the memory driver.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
}

// NewMemory creates an empty in-process broker.
func NewMemory() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]*memorySubscription)}
}

// Publish delivers the payload to every current subscriber of the channel.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*memorySubscription, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- payload:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
	return nil
}

// Subscribe registers a new subscription on the channel.
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		broker:  b,
		channel: channel,
		ch:      make(chan []byte, subscriberBuffer),
		done:    make(chan struct{}),
	}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

// Close tears down all subscriptions.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.closeOnce.Do(func() { close(sub.done) })
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	return nil
}

func (b *MemoryBroker) remove(target *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[target.channel]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

type memorySubscription struct {
	broker    *MemoryBroker
	channel   string
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Receive blocks for the next payload, the context expiring, or the
// subscription closing, whichever comes first.
func (s *memorySubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-s.ch:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.broker.remove(s)
	return nil
}
