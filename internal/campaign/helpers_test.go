package campaign

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"bumpcast/internal/provider"
)

// fakeClock advances instantly on Sleep and records every sleep.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration

	// onSleep runs after the clock advanced, outside the lock.
	onSleep func(d time.Duration)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type fakeSignals struct {
	stop atomic.Bool
	mu   sync.Mutex
	gone map[int64]bool
}

func (s *fakeSignals) stopRequested() bool { return s.stop.Load() }

func (s *fakeSignals) removed(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gone[id]
}

func (s *fakeSignals) remove(id int64) {
	s.mu.Lock()
	if s.gone == nil {
		s.gone = map[int64]bool{}
	}
	s.gone[id] = true
	s.mu.Unlock()
}

type recordingSink struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (s *recordingSink) fold(_ context.Context, _ *Worker, o Outcome) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, o)
	s.mu.Unlock()
}

func (s *recordingSink) all() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outcome(nil), s.outcomes...)
}

// memStore is an in-memory Store.
type memStore struct {
	mu        sync.Mutex
	campaigns map[int64]Campaign
	templates map[int64]Template
	accounts  map[int64]Account
	logs      []DeliveryLog
	statuses  []Status
	cycles    []int
}

func newMemStore() *memStore {
	return &memStore{
		campaigns: map[int64]Campaign{},
		templates: map[int64]Template{},
		accounts:  map[int64]Account{},
	}
}

func (m *memStore) GetCampaign(_ context.Context, id int64) (Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (m *memStore) GetTemplate(_ context.Context, id int64) (Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	return t, nil
}

func (m *memStore) AccountsByID(_ context.Context, ids []int64) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Account
	for _, id := range ids {
		if a, ok := m.accounts[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) ClientAccounts(_ context.Context, clientID int64) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Account
	for _, a := range m.accounts {
		if a.ClientID == clientID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) SetCampaignStatus(_ context.Context, id int64, st Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	c.Status = st
	m.campaigns[id] = c
	m.statuses = append(m.statuses, st)
	return nil
}

func (m *memStore) SetCampaignCycle(_ context.Context, id int64, cycle int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	c.Cycle = cycle
	m.campaigns[id] = c
	m.cycles = append(m.cycles, cycle)
	return nil
}

func (m *memStore) AppendDeliveryLog(_ context.Context, l DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, l)
	return nil
}

func (m *memStore) Logs() []DeliveryLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeliveryLog(nil), m.logs...)
}

func (m *memStore) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Status(nil), m.statuses...)
}

func (m *memStore) Campaign(id int64) Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.campaigns[id]
}

func dests(ids ...int64) []provider.Destination {
	out := make([]provider.Destination, 0, len(ids))
	for _, id := range ids {
		out = append(out, provider.Destination{ID: id, Name: "chat-" + string(rune('a'+id-1))})
	}
	return out
}

// testPacing is the production pacing without jitter.
func testPacing() Pacing {
	p := DefaultPacing()
	p.NoJitter = true
	return p
}
