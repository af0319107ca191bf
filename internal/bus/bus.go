// Package bus is the daemon's in-process event fabric. Components
// publish domain events by kind; subscribers filter by kind prefix and
// always get back a disposer, so a detached view cannot leave a handler
// behind.
package bus

import (
	"strings"
	"sync"
)

type subscription struct {
	prefix string
	ch     chan Event
}

// Bus fans events out to prefix-filtered subscribers. Delivery is
// non-blocking: a subscriber that stops draining loses events rather
// than stalling publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

// Publish delivers evt to every subscriber whose prefix matches
// evt.Kind. Full subscriber channels are skipped.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe registers for events whose kind starts with prefix. The
// empty prefix matches everything. The returned disposer removes the
// subscription; the channel is never closed.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	sub := &subscription{prefix: prefix, ch: make(chan Event, bufSize)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}
}
