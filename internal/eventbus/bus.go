// Package eventbus decouples the platform adapter from the services that
// react to its updates.
package eventbus

import (
	"sync"
	"sync/atomic"

	"stagebot/internal/transport"
)

// Bus is a simple in-memory fanout of platform updates.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop updates (bounded backpressure).
type Bus interface {
	Publish(u transport.Update)
	Subscribe(buffer int) (ch <-chan transport.Update, unsubscribe func())
}

// New returns a fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan transport.Update{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan transport.Update
	seq  atomic.Uint64
}

func (b *memBus) Publish(u transport.Update) {
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan transport.Update, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a concurrent unsubscribe may close the
		// channel, so recover from the send panic in that window.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- u:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan transport.Update, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan transport.Update, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
