package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutAndCountsDrops(t *testing.T) {
	t.Parallel()
	b := New()
	fast, unsubFast := b.Subscribe(4)
	defer unsubFast()
	slow, unsubSlow := b.Subscribe(1)
	defer unsubSlow()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: "x", Data: i})
	}
	assert.Len(t, fast, 3)
	assert.Len(t, slow, 1)
	assert.Equal(t, uint64(2), b.Dropped())

	e := <-fast
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, 0, e.Data)
}

func TestUnsubscribeClosesAndPublishSurvives(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, func() { b.Publish(Event{Type: "x"}) })
}

func TestConsumeFiltersTypes(t *testing.T) {
	t.Parallel()
	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Consume(ctx, b, 16, func(e Event) {
			mu.Lock()
			got = append(got, e.Type)
			mu.Unlock()
		}, "a", "c")
	}()

	// Wait for the subscription to be registered.
	require.Eventually(t, func() bool {
		b.Publish(Event{Type: "ping"})
		return b.(*memBus).subsLen() == 1
	}, time.Second, 5*time.Millisecond)

	for _, typ := range []string{"a", "b", "c"} {
		b.Publish(Event{Type: typ})
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []string{"a", "c"}, got)
}

func (b *memBus) subsLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
