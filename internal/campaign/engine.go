package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bumpcast/internal/eventbus"
	"bumpcast/internal/provider"
	"bumpcast/internal/runtime/supervisor"
	logx "bumpcast/pkg/logx"
)

const (
	defaultProgressInterval = 2 * time.Second
	defaultProgressLogs     = 30
)

// Option configures an Engine.
type Option func(*Engine)

func WithPacing(p Pacing) Option { return func(e *Engine) { e.pacing = p.Normalize() } }

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

func WithLogger(l logx.Logger) Option { return func(e *Engine) { e.log = l } }

// WithProgress sets the aggregator sampling interval and merged log cap.
func WithProgress(interval time.Duration, logCap int) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.interval = interval
		}
		if logCap > 0 {
			e.logCap = logCap
		}
	}
}

// WithSeed makes worker jitter reproducible. Zero seeds from the wall clock.
func WithSeed(seed int64) Option { return func(e *Engine) { e.seed = seed } }

// Engine is the campaign dispatch engine. It owns one run per running
// campaign; everything a run needs is held by that run, so teardown is
// dropping it from the map.
type Engine struct {
	store  Store
	client provider.Client
	bus    eventbus.Bus
	clock  Clock
	log    logx.Logger
	seed   int64

	mu       sync.Mutex
	pacing   Pacing
	interval time.Duration
	logCap   int
	runs     map[int64]*run
	starting map[int64]bool
	closed   bool
}

func NewEngine(store Store, client provider.Client, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		client:   client,
		clock:    SystemClock{},
		log:      logx.Nop(),
		pacing:   DefaultPacing(),
		interval: defaultProgressInterval,
		logCap:   defaultProgressLogs,
		runs:     map[int64]*run{},
		starting: map[int64]bool{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.Component("campaign")
	return e
}

// SetPacing replaces the pacing used by runs started afterwards.
func (e *Engine) SetPacing(p Pacing) {
	e.mu.Lock()
	e.pacing = p.Normalize()
	e.mu.Unlock()
}

// SetProgress replaces the aggregator settings for runs started afterwards.
func (e *Engine) SetProgress(interval time.Duration, logCap int) {
	e.mu.Lock()
	WithProgress(interval, logCap)(e)
	e.mu.Unlock()
}

// Start resolves the campaign and launches its workers in the background.
// Resolution failures are returned; everything after that is reported
// through Progress.
func (e *Engine) Start(ctx context.Context, id int64) (string, error) {
	r, err := e.prepare(ctx, id)
	if err != nil {
		return "", err
	}
	go r.execute()
	return r.id, nil
}

// Run is Start followed by waiting for the run to end.
func (e *Engine) Run(ctx context.Context, id int64) error {
	r, err := e.prepare(ctx, id)
	if err != nil {
		return err
	}
	r.execute()
	return nil
}

// Stop asks every worker of the campaign to exit at its next iteration
// boundary. It does not wait; calls in flight complete.
func (e *Engine) Stop(id int64) error {
	r := e.lookup(id)
	if r == nil {
		return ErrNotRunning
	}
	r.requestStop("stop requested")
	return nil
}

// RemoveAccount retires one account from a running campaign; the others continue.
func (e *Engine) RemoveAccount(id, accountID int64) error {
	r := e.lookup(id)
	if r == nil {
		return ErrNotRunning
	}
	return r.remove(accountID)
}

func (e *Engine) IsRunning(id int64) bool { return e.lookup(id) != nil }

// Running lists the ids of running campaigns in ascending order.
func (e *Engine) Running() []int64 {
	e.mu.Lock()
	ids := make([]int64, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Progress returns the last aggregated snapshot, or an idle record when the
// campaign is not running.
func (e *Engine) Progress(id int64) Progress {
	if r := e.lookup(id); r != nil {
		return r.snapshot()
	}
	return Progress{CampaignID: id, Status: RunIdle, Accounts: map[int64]WorkerState{}, Logs: []LogEntry{}}
}

// Wait blocks until the campaign's current run has ended or ctx is done.
func (e *Engine) Wait(ctx context.Context, id int64) error {
	r := e.lookup(id)
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every run and waits for them to end. No run can start afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.requestStop("shutdown")
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) lookup(id int64) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

var errEngineClosed = errors.New("campaign engine is shut down")

// prepare reserves the campaign slot, resolves accounts and content, and
// registers the run. The slot is released again on any failure.
func (e *Engine) prepare(ctx context.Context, id int64) (*run, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errEngineClosed
	}
	if _, ok := e.runs[id]; ok || e.starting[id] {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.starting[id] = true
	pacing, interval, logCap := e.pacing, e.interval, e.logCap
	e.mu.Unlock()

	r, err := e.build(ctx, id, pacing, interval, logCap)

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.starting, id)
	if err != nil {
		return nil, err
	}
	if e.closed {
		r.cancel()
		return nil, errEngineClosed
	}
	e.runs[id] = r
	return r, nil
}

func (e *Engine) build(ctx context.Context, id int64, pacing Pacing, interval time.Duration, logCap int) (*run, error) {
	c, err := e.store.GetCampaign(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load campaign %d: %w", id, err)
	}
	runID := uuid.NewString()
	log := e.log.With(logx.Campaign(id), logx.String("run", runID))

	accounts, err := e.resolveAccounts(ctx, c)
	if err != nil {
		if errors.Is(err, ErrNoAccounts) || errors.Is(err, ErrNoActiveAccounts) {
			log.Warn("campaign has nothing to run", logx.Err(err))
			if serr := e.store.SetCampaignStatus(ctx, id, StatusFailed); serr != nil {
				log.Error("set campaign status failed", logx.Err(serr))
			}
		}
		return nil, err
	}

	msg, err := e.resolveMessage(ctx, c, log)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:       runID,
		eng:      e,
		campaign: c,
		accounts: accounts,
		msg:      msg,
		log:      log,
		pacing:   pacing,
		interval: interval,
		logCap:   logCap,
		ctx:      runCtx,
		cancel:   cancel,
		removedA: map[int64]bool{},
		cancelA:  map[int64]context.CancelFunc{},
		done:     make(chan struct{}),
	}
	r.progress = Progress{
		CampaignID: id,
		RunID:      runID,
		Status:     RunStarting,
		Accounts:   map[int64]WorkerState{},
		Logs:       []LogEntry{},
		StartedAt:  e.clock.Now(),
	}
	return r, nil
}

// resolveAccounts applies the assignment precedence (explicit set, single
// account, every client account) and keeps the active ones.
func (e *Engine) resolveAccounts(ctx context.Context, c Campaign) ([]Account, error) {
	var (
		all []Account
		err error
	)
	switch {
	case len(c.AccountIDs) > 0:
		all, err = e.store.AccountsByID(ctx, c.AccountIDs)
	case c.AccountID != 0:
		all, err = e.store.AccountsByID(ctx, []int64{c.AccountID})
	default:
		all, err = e.store.ClientAccounts(ctx, c.ClientID)
	}
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if len(all) == 0 {
		return nil, ErrNoAccounts
	}
	seen := make(map[int64]bool, len(all))
	active := make([]Account, 0, len(all))
	for _, a := range all {
		if !a.Active || seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		active = append(active, a)
	}
	if len(active) == 0 {
		return nil, ErrNoActiveAccounts
	}
	return active, nil
}

// resolveMessage builds the payload; a template's text, entities and media
// override the campaign's raw content.
func (e *Engine) resolveMessage(ctx context.Context, c Campaign, log logx.Logger) (Message, error) {
	msg := Message{Mode: c.Mode, Content: c.Content, Forward: c.Forward}
	if msg.Mode == "" {
		msg.Mode = ModeDirect
	}
	if c.TemplateID != 0 {
		tpl, err := e.store.GetTemplate(ctx, c.TemplateID)
		switch {
		case errors.Is(err, ErrNotFound):
			log.Warn("template not found; using campaign content", logx.Int64("template", c.TemplateID))
		case err != nil:
			return Message{}, fmt.Errorf("load template %d: %w", c.TemplateID, err)
		default:
			msg.Content.Text = tpl.Content.Text
			msg.Content.Entities = tpl.Content.Entities
			if tpl.Content.HasMedia() {
				msg.Content.MediaRef = tpl.Content.MediaRef
				msg.Content.MediaKind = tpl.Content.MediaKind
			}
		}
	}
	msg.Content.Entities = knownEntities(msg.Content.Entities)
	return msg, nil
}

func knownEntities(in []provider.Entity) []provider.Entity {
	if len(in) == 0 {
		return nil
	}
	out := make([]provider.Entity, 0, len(in))
	for _, en := range in {
		if en.Type.Known() && en.Length > 0 {
			out = append(out, en)
		}
	}
	return out
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.clock.Now(), Data: data})
}

// run is one live execution of a campaign.
type run struct {
	id       string
	eng      *Engine
	campaign Campaign
	accounts []Account
	msg      Message
	log      logx.Logger

	pacing   Pacing
	interval time.Duration
	logCap   int

	ctx    context.Context
	cancel context.CancelFunc
	stop   atomic.Bool
	reason atomic.Value // string

	mu       sync.Mutex
	workers  []*Worker
	removedA map[int64]bool
	cancelA  map[int64]context.CancelFunc
	progress Progress

	done chan struct{}
}

func (r *run) stopRequested() bool { return r.stop.Load() }

func (r *run) removed(accountID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removedA[accountID]
}

func (r *run) requestStop(reason string) {
	if r.stop.CompareAndSwap(false, true) {
		r.reason.Store(reason)
		r.mu.Lock()
		if r.progress.Status == RunRunning || r.progress.Status == RunStarting {
			r.progress.Status = RunStopping
		}
		r.mu.Unlock()
		r.log.Info("campaign stop requested", logx.String("reason", reason))
	}
	// Wakes every sleeping worker; calls in flight run on a detached context.
	r.cancel()
}

func (r *run) remove(accountID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, a := range r.accounts {
		if a.ID == accountID {
			found = true
			break
		}
	}
	if !found {
		return ErrAccountNotInRun
	}
	r.removedA[accountID] = true
	if cancel := r.cancelA[accountID]; cancel != nil {
		cancel()
	}
	r.log.Info("account removed from campaign", logx.Account(accountID))
	return nil
}

func (r *run) snapshot() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.progress
	p.Accounts = make(map[int64]WorkerState, len(r.progress.Accounts))
	for id, st := range r.progress.Accounts {
		p.Accounts[id] = st
	}
	p.Logs = append([]LogEntry(nil), r.progress.Logs...)
	return p
}

// fold persists one outcome and publishes it. Both happen even while the
// run is stopping so no folded outcome is lost.
func (r *run) fold(ctx context.Context, w *Worker, o Outcome) {
	ctx = context.WithoutCancel(ctx)
	entry := DeliveryLog{
		CampaignID: r.campaign.ID,
		AccountID:  w.account.ID,
		ClientID:   r.campaign.ClientID,
		Target:     o.Target,
		Status:     o.Status,
		At:         o.At,
	}
	if o.Status != OutcomeSent {
		entry.Error = o.Reason
	}
	if err := r.eng.store.AppendDeliveryLog(ctx, entry); err != nil {
		r.log.Error("append delivery log failed", logx.Account(w.account.ID), logx.Err(err))
	}
	r.eng.publish(EventDeliveryOutcome, DeliveryEvent{
		CampaignID:   r.campaign.ID,
		CampaignName: r.campaign.Name,
		RunID:        r.id,
		ClientID:     r.campaign.ClientID,
		AccountID:    w.account.ID,
		Account:      w.account.Label,
		Cycle:        w.Snapshot().Cycle,
		Outcome:      o,
	})
}

func (r *run) runEvent() RunEvent {
	reason, _ := r.reason.Load().(string)
	return RunEvent{
		CampaignID: r.campaign.ID,
		Name:       r.campaign.Name,
		RunID:      r.id,
		ClientID:   r.campaign.ClientID,
		Accounts:   len(r.accounts),
		Reason:     reason,
		At:         r.eng.clock.Now(),
	}
}

// execute runs every worker plus the aggregator and tears the run down once
// all workers have exited.
func (r *run) execute() {
	e := r.eng
	id := r.campaign.ID
	defer close(r.done)
	defer r.cancel()

	if err := e.store.SetCampaignStatus(context.Background(), id, StatusRunning); err != nil {
		r.log.Error("set campaign status failed", logx.Err(err))
	}

	seed := e.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	for _, a := range r.accounts {
		rng := rand.New(rand.NewSource(seed + a.ID))
		w := newWorker(a, e.client, r.pacing, e.clock, rng, r, r, r.log)
		r.workers = append(r.workers, w)
	}
	r.mu.Lock()
	r.progress.Status = RunRunning
	if r.stop.Load() {
		r.progress.Status = RunStopping
	}
	r.mu.Unlock()

	r.log.Info("campaign started", logx.Int("accounts", len(r.accounts)), logx.String("mode", string(r.msg.Mode)))
	e.publish(EventCampaignStarted, r.runEvent())

	sup := supervisor.NewSupervisor(r.ctx, supervisor.WithLogger(r.log))
	var wg sync.WaitGroup
	for _, w := range r.workers {
		w := w
		wctx, cancel := context.WithCancel(sup.Context())
		r.mu.Lock()
		r.cancelA[w.account.ID] = cancel
		if r.removedA[w.account.ID] {
			cancel()
		}
		r.mu.Unlock()

		wg.Add(1)
		sup.Go0(fmt.Sprintf("worker.%d", w.account.ID), func(context.Context) {
			defer wg.Done()
			defer cancel()
			defer func() {
				if st := w.Snapshot(); !st.Status.Terminal() {
					w.setStatus(WorkerError, "worker exited unexpectedly")
				}
			}()
			w.Run(wctx, r.msg)
		})
	}

	aggDone := make(chan struct{})
	aggCtx, aggCancel := context.WithCancel(r.ctx)
	agg := newAggregator(r)
	go func() {
		defer close(aggDone)
		agg.loop(aggCtx)
	}()

	wg.Wait()
	aggCancel()
	<-aggDone

	if !r.stop.Load() {
		r.reason.Store("all workers finished")
	}
	r.stop.Store(true)
	agg.sample()

	if err := e.store.SetCampaignStatus(context.Background(), id, StatusStopped); err != nil {
		r.log.Error("set campaign status failed", logx.Err(err))
	}
	r.mu.Lock()
	r.progress.Status = RunStopped
	r.mu.Unlock()

	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()

	p := r.snapshot()
	r.log.Info("campaign stopped",
		logx.Int("sent", p.Sent), logx.Int("failed", p.Failed), logx.Int("cycle", p.Cycle))
	e.publish(EventCampaignStopped, r.runEvent())
}
