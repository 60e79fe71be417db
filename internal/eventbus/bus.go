// Package eventbus fans delivery and campaign events out to in-process
// consumers (metrics, log bot, AMQP, Redis mirror).
//
// Contract:
//   - Publish never blocks the delivery path.
//   - Subscribers use buffered channels; a slow subscriber drops events and
//     the drop is counted.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one published signal. Data is a JSON-serializable payload whose
// type is fixed per Type.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped is the number of deliveries lost to full subscriber buffers.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; the send panic is recovered.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
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

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Consume subscribes and calls fn for every event whose type is in types (all
// events when types is empty) until ctx ends.
func Consume(ctx context.Context, bus Bus, buffer int, fn func(Event), types ...string) {
	ch, unsub := bus.Subscribe(buffer)
	defer unsub()
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if len(want) == 0 || want[e.Type] {
				fn(e)
			}
		}
	}
}
