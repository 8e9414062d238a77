// Package inmem provides the in-process event bus used for embedded
// deployments and tests. Handlers run on their own goroutines so a slow
// subscriber cannot stall a publisher.
package inmem

import (
	"context"
	"sync"

	"github.com/perdura/durable/eventbus"
)

type (
	// Bus is the in-process event bus.
	Bus struct {
		mu   sync.RWMutex
		subs map[string]map[*subscription]struct{}
	}

	subscription struct {
		bus     *Bus
		channel string
		handler eventbus.Handler
		once    sync.Once
	}
)

var _ eventbus.EventBus = (*Bus)(nil)

// New constructs an empty in-process bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[*subscription]struct{})}
}

// Publish delivers event to every subscriber of channel.
func (b *Bus) Publish(ctx context.Context, channel string, event eventbus.Event) error {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs[channel]))
	for sub := range b.subs[channel] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()
	for _, sub := range targets {
		go sub.handler(context.WithoutCancel(ctx), event)
	}
	return nil
}

// Subscribe registers handler for events on channel.
func (b *Bus) Subscribe(_ context.Context, channel string, handler eventbus.Handler) (eventbus.Subscription, error) {
	sub := &subscription{bus: b, channel: channel, handler: handler}
	b.mu.Lock()
	defer b.mu.Unlock()
	byChannel, ok := b.subs[channel]
	if !ok {
		byChannel = make(map[*subscription]struct{})
		b.subs[channel] = byChannel
	}
	byChannel[sub] = struct{}{}
	return sub, nil
}

// Close removes the subscription. Idempotent.
func (s *subscription) Close(context.Context) error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs[s.channel], s)
		if len(s.bus.subs[s.channel]) == 0 {
			delete(s.bus.subs, s.channel)
		}
	})
	return nil
}
