package tunnelstate

import (
	"sync"
	"sync/atomic"

	"github.com/go-i2p/tunlock/lib/metrics"
)

// broadcaster fans transitions out to subscribers. A subscriber whose buffer
// is full misses the transition; the drop is counted.
type broadcaster struct {
	mu         sync.Mutex
	subs       map[uint64]chan TunnelStateTransition
	nextID     uint64
	bufferSize int
	closed     bool

	droppedCount atomic.Uint64
}

func newBroadcaster(bufferSize int) *broadcaster {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &broadcaster{
		subs:       make(map[uint64]chan TunnelStateTransition),
		bufferSize: bufferSize,
	}
}

func (b *broadcaster) subscribe() (<-chan TunnelStateTransition, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan TunnelStateTransition, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *broadcaster) send(t TunnelStateTransition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- t:
		default:
			b.droppedCount.Add(1)
			metrics.DroppedTransitions.Inc()
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *broadcaster) dropped() uint64 {
	return b.droppedCount.Load()
}
