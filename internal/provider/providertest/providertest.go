// Package providertest is a scriptable in-memory provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"bumpcast/internal/provider"
)

// Call records one session operation.
type Call struct {
	Op      string
	DestID  int64
	TopicID int
}

// Client hands out pre-built sessions keyed by account id.
type Client struct {
	mu         sync.Mutex
	sessions   map[int64]*Session
	connectErr map[int64]error
}

func NewClient() *Client {
	return &Client{sessions: map[int64]*Session{}, connectErr: map[int64]error{}}
}

// Add registers (or replaces) the session for an account.
func (c *Client) Add(accountID int64, s *Session) *Session {
	c.mu.Lock()
	c.sessions[accountID] = s
	c.mu.Unlock()
	return s
}

// FailConnect makes Connect for accountID return err.
func (c *Client) FailConnect(accountID int64, err error) {
	c.mu.Lock()
	c.connectErr[accountID] = err
	c.mu.Unlock()
}

func (c *Client) Connect(_ context.Context, cred provider.Credential) (provider.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectErr[cred.AccountID]; err != nil {
		return nil, err
	}
	s := c.sessions[cred.AccountID]
	if s == nil {
		return nil, provider.NewError(provider.CodeUnauthorized, "unknown account")
	}
	return s, nil
}

// Session scripts results per destination (and per topic). Unscripted calls succeed.
type Session struct {
	mu sync.Mutex

	dests      []provider.Destination
	destsErr   error
	targets    map[int64]provider.Target
	resolveErr map[int64]error
	topics     map[int64][]provider.Topic
	sendErrs   map[key][]error
	fwdErrs    map[key][]error
	joinErr    map[int64]error
	leaveErr   map[int64]error
	handles    map[string]int64

	calls []Call

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	// OnCall runs after every recorded send/forward, outside the session lock.
	OnCall func(Call)
}

type key struct {
	dest  int64
	topic int
}

func NewSession(dests ...provider.Destination) *Session {
	return &Session{
		dests:      dests,
		targets:    map[int64]provider.Target{},
		resolveErr: map[int64]error{},
		topics:     map[int64][]provider.Topic{},
		sendErrs:   map[key][]error{},
		fwdErrs:    map[key][]error{},
		joinErr:    map[int64]error{},
		leaveErr:   map[int64]error{},
		handles:    map[string]int64{},
	}
}

func (s *Session) FailDestinations(err error) *Session { s.destsErr = err; return s }

// SetTarget overrides the resolved rights of a destination.
func (s *Session) SetTarget(t provider.Target) *Session { s.targets[t.ID] = t; return s }

func (s *Session) FailResolve(destID int64, err error) *Session { s.resolveErr[destID] = err; return s }

func (s *Session) SetTopics(destID int64, topics ...provider.Topic) *Session {
	s.topics[destID] = topics
	return s
}

// ScriptSend queues results for successive sends to (destID, topicID).
func (s *Session) ScriptSend(destID int64, topicID int, errs ...error) *Session {
	k := key{destID, topicID}
	s.sendErrs[k] = append(s.sendErrs[k], errs...)
	return s
}

func (s *Session) ScriptForward(destID int64, topicID int, errs ...error) *Session {
	k := key{destID, topicID}
	s.fwdErrs[k] = append(s.fwdErrs[k], errs...)
	return s
}

func (s *Session) FailJoin(destID int64, err error) *Session  { s.joinErr[destID] = err; return s }
func (s *Session) FailLeave(destID int64, err error) *Session { s.leaveErr[destID] = err; return s }

func (s *Session) SetHandle(handle string, chatID int64) *Session {
	s.handles[handle] = chatID
	return s
}

// Calls returns a copy of the recorded calls.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CountOp counts recorded calls of one kind.
func (s *Session) CountOp(op string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// MaxInFlight is the highest number of concurrent calls observed.
func (s *Session) MaxInFlight() int { return int(s.maxInFlight.Load()) }

func (s *Session) enter() func() {
	n := s.inFlight.Add(1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { s.inFlight.Add(-1) }
}

func (s *Session) record(c Call) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

func pop(m map[key][]error, k key) error {
	q := m[k]
	if len(q) == 0 {
		return nil
	}
	m[k] = q[1:]
	return q[0]
}

func (s *Session) Destinations(context.Context) ([]provider.Destination, error) {
	defer s.enter()()
	s.record(Call{Op: "destinations"})
	if s.destsErr != nil {
		return nil, s.destsErr
	}
	return append([]provider.Destination(nil), s.dests...), nil
}

func (s *Session) Resolve(_ context.Context, d provider.Destination) (provider.Target, error) {
	defer s.enter()()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.resolveErr[d.ID]; err != nil {
		return provider.Target{}, err
	}
	if t, ok := s.targets[d.ID]; ok {
		return t, nil
	}
	return provider.Target{Destination: d}, nil
}

func (s *Session) Topics(_ context.Context, t provider.Target) ([]provider.Topic, error) {
	defer s.enter()()
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.Topic(nil), s.topics[t.ID]...), nil
}

func (s *Session) Send(_ context.Context, t provider.Target, topicID int, _ provider.Content) error {
	defer s.enter()()
	c := Call{Op: "send", DestID: t.ID, TopicID: topicID}
	s.mu.Lock()
	s.calls = append(s.calls, c)
	err := pop(s.sendErrs, key{t.ID, topicID})
	hook := s.OnCall
	s.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return err
}

func (s *Session) Forward(_ context.Context, t provider.Target, topicID int, ref provider.ForwardRef) error {
	defer s.enter()()
	c := Call{Op: "forward", DestID: t.ID, TopicID: topicID}
	s.mu.Lock()
	s.calls = append(s.calls, c)
	err := pop(s.fwdErrs, key{t.ID, topicID})
	hook := s.OnCall
	s.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	if err == nil && ref.ChatID == 0 {
		return fmt.Errorf("forward without source chat")
	}
	return err
}

func (s *Session) ResolveHandle(_ context.Context, handle string) (int64, error) {
	defer s.enter()()
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.handles[handle]
	if !ok {
		return 0, provider.NewError(provider.CodeInvalidPeer, "unknown handle "+handle)
	}
	return id, nil
}

func (s *Session) Leave(_ context.Context, t provider.Target) error {
	defer s.enter()()
	s.record(Call{Op: "leave", DestID: t.ID})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaveErr[t.ID]
}

func (s *Session) Join(_ context.Context, t provider.Target) error {
	defer s.enter()()
	s.record(Call{Op: "join", DestID: t.ID})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinErr[t.ID]
}

func (s *Session) Close() error { return nil }

// NoRejoin exposes s without its Join method, like a session whose account
// can only be added back by a chat admin. Calls are still recorded on s.
func NoRejoin(s *Session) provider.Session { return noRejoin{s} }

type noRejoin struct{ provider.Session }
