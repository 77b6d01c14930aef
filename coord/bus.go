package coord

import "sync"

// Bus is a channel-based pub/sub fan-out for task lifecycle events.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event and is expected to recover from the Registry, which stays
// authoritative regardless of delivery.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // channel name -> subscribers
	allSubs []chan Event
	closed  bool
}

const defaultBufSize = 256

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe registers for events on one logical channel. bufSize <= 0
// selects the default buffer.
func (b *Bus) Subscribe(channel string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[channel] = append(b.subs[channel], ch)
	return ch
}

// SubscribeAll registers for events on every channel.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Publish fans the event out to channel subscribers and all-subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[ev.Channel] {
		select {
		case ch <- ev:
		default: // subscriber full, drop
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
// Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}
