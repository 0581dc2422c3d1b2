package realtime

import (
	"context"
	"sync"
)

// Broker is an in-process Transport for a single node and for tests.
type Broker struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

func (b *Broker) Publish(_ context.Context, c Change) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs {
		if !s.deliver(c) {
			delete(b.subs, s)
		}
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, f Filter) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	var s *Subscription
	s = newSubscription(f, func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
	})
	b.subs[s] = struct{}{}
	return s, nil
}

// Drop ends every live subscription with ErrClosed, as a dropped connection would.
func (b *Broker) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.fail(ErrClosed)
		delete(b.subs, s)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		s.fail(ErrClosed)
	}
	b.subs = nil
	return nil
}
