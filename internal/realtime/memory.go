package realtime

import (
	"context"
	"sync"
)

const memoryBuffer = 64

// MemoryBus is an in-process Bus. Delivery is FIFO per subscription; a full
// subscriber buffer blocks the publisher until it drains or closes.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{}
}

// NewMemoryBus creates an empty in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish delivers the event to every current subscriber of its battle
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[event.BattleID] {
		select {
		case sub.events <- event:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a new subscription for the battle
func (b *MemoryBus) Subscribe(ctx context.Context, battleID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		bus:      b,
		battleID: battleID,
		events:   make(chan Event, memoryBuffer),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[battleID] == nil {
		b.subs[battleID] = make(map[*memorySubscription]struct{})
	}
	b.subs[battleID][sub] = struct{}{}
	b.mu.Unlock()

	return sub, nil
}

// SubscriberCount returns the number of live subscriptions for a battle
func (b *MemoryBus) SubscriberCount(battleID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[battleID])
}

type memorySubscription struct {
	bus      *MemoryBus
	battleID string
	events   chan Event
	done     chan struct{}
	once     sync.Once
}

func (s *memorySubscription) Events() <-chan Event {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		// Unblock publishers before taking the write lock they hold in read mode.
		close(s.done)

		s.bus.mu.Lock()
		delete(s.bus.subs[s.battleID], s)
		if len(s.bus.subs[s.battleID]) == 0 {
			delete(s.bus.subs, s.battleID)
		}
		close(s.events)
		s.bus.mu.Unlock()
	})
	return nil
}
