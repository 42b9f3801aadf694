// Package broadcast fans the engine's processed-event stream out to
// observers (IPC event subscriptions, metrics, diagnostics).
//
// Delivery is strictly best-effort: Publish never blocks, a subscriber whose
// buffer is full loses the event, and dropped events are only counted. This
// is deliberate; the publisher is the dispatch goroutine, and any
// back-pressure here would stall key processing.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"keymapd/internal/engine"
)

// Notification wraps an engine event with a unique id for consumers that
// deduplicate or correlate (event replay, the CLI's watch mode).
type Notification struct {
	ID    string       `json:"id"`
	Event engine.Event `json:"event"`
}

// subscriber is one registered consumer.
type subscriber struct {
	ch      chan Notification
	dropped atomic.Uint64
}

// Broadcaster implements engine.Broadcaster with per-subscriber buffered
// channels.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	next uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

// DefaultBuffer is the per-subscriber channel depth. Large enough to absorb
// bursts of rolled keys, small enough that an abandoned subscriber wastes
// little.
const DefaultBuffer = 256

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a consumer and returns its channel plus a cancel
// function. The channel is closed on cancel; consumers must tolerate drops.
func (b *Broadcaster) Subscribe() (<-chan Notification, func()) {
	sub := &subscriber{ch: make(chan Notification, DefaultBuffer)}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish implements engine.Broadcaster. It never blocks.
func (b *Broadcaster) Publish(ev engine.Event) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs) == 0 {
		return
	}

	n := Notification{ID: uuid.NewString(), Event: ev}
	for _, sub := range b.subs {
		select {
		case sub.ch <- n:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Published returns the total number of events offered to subscribers.
func (b *Broadcaster) Published() uint64 { return b.published.Load() }

// Dropped returns the total number of per-subscriber deliveries lost to
// full buffers.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
