package campaign

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"bumpcast/internal/provider"
	logx "bumpcast/pkg/logx"
)

const workerLogCap = 10

// signals is what a worker polls at iteration boundaries.
type signals interface {
	stopRequested() bool
	removed(accountID int64) bool
}

// sink receives every folded outcome (delivery log, events).
type sink interface {
	fold(ctx context.Context, w *Worker, o Outcome)
}

// Worker drives one account through its destinations, cycle after cycle,
// until the campaign stops or the account is removed. All provider calls of
// one worker are made from its own goroutine, so there is never more than one
// delivery in flight per account.
type Worker struct {
	account Account
	client  provider.Client
	exec    *Executor
	pacer   *Pacer
	pacing  Pacing
	clock   Clock
	sig     signals
	sink    sink
	log     logx.Logger

	mu    sync.Mutex
	state WorkerState
}

func newWorker(a Account, client provider.Client, p Pacing, clock Clock, rng *rand.Rand, sig signals, s sink, log logx.Logger) *Worker {
	p = p.Normalize()
	log = log.With(logx.Account(a.ID))
	w := &Worker{
		account: a,
		client:  client,
		exec:    NewExecutor(p, clock, log),
		pacer:   NewPacer(p, rng),
		pacing:  p,
		clock:   clock,
		sig:     sig,
		sink:    s,
		log:     log,
	}
	w.state = WorkerState{AccountID: a.ID, Account: a.Label, Status: WorkerIdle, Delay: w.pacer.Delay(), Logs: []LogEntry{}}
	return w
}

// Snapshot returns a copy of the worker state, safe to read from any goroutine.
func (w *Worker) Snapshot() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.state
	st.Logs = append([]LogEntry(nil), w.state.Logs...)
	return st
}

func (w *Worker) update(fn func(*WorkerState)) {
	w.mu.Lock()
	fn(&w.state)
	w.mu.Unlock()
}

func (w *Worker) setStatus(s WorkerStatus, detail string) {
	w.update(func(st *WorkerState) {
		st.Status = s
		st.Detail = detail
		if s != WorkerFloodWait && s != WorkerLimited && s != WorkerCycleBreak {
			st.WaitUntil = time.Time{}
		}
	})
	w.log.Info("worker state", logx.String("status", string(s)), logx.String("detail", detail))
}

// exitCheck maps the stop/removal signals to a terminal status.
func (w *Worker) exitCheck() (WorkerStatus, bool) {
	if w.sig.stopRequested() {
		return WorkerStopped, true
	}
	if w.sig.removed(w.account.ID) {
		return WorkerRemoved, true
	}
	return "", false
}

func (w *Worker) cancelled() bool {
	_, done := w.exitCheck()
	return done
}

// Run executes the worker loop. It returns when the worker reaches a terminal
// state; the final status is readable through Snapshot.
func (w *Worker) Run(ctx context.Context, msg Message) {
	w.setStatus(WorkerFetching, "")

	sess, err := w.connect(ctx)
	if err != nil {
		w.fatal(err)
		return
	}
	defer func() { _ = sess.Close() }()

	cctx, cancel := w.exec.call(ctx)
	dests, err := sess.Destinations(cctx)
	cancel()
	if err != nil {
		w.fatal(err)
		return
	}
	if len(dests) == 0 {
		w.setStatus(WorkerNoDestinations, "")
		return
	}
	w.update(func(st *WorkerState) {
		st.Total = len(dests)
		st.Cycle = 1
	})
	w.log.Info("destinations fetched", logx.Int("count", len(dests)))
	w.setStatus(WorkerRunning, "")

	for cycle := 1; ; cycle++ {
		w.update(func(st *WorkerState) { st.Cycle = cycle })

		for i, d := range dests {
			if s, done := w.exitCheck(); done {
				w.setStatus(s, "")
				return
			}
			if !w.waitOut(ctx) {
				w.finish()
				return
			}

			w.update(func(st *WorkerState) {
				st.Index = i + 1
				st.Current = d.Label()
			})

			outcomes := w.exec.Deliver(ctx, sess, d, msg)
			w.update(func(st *WorkerState) { st.Deliveries++ })

			var step Step
			unauthorized := false
			for _, o := range outcomes {
				if w.pacing.ShouldDefer(o) {
					o.Status = OutcomeDeferred
					o.Reason = fmt.Sprintf("flood wait %ds exceeds threshold; deferred to next cycle", int(o.Wait.Seconds()))
					w.log.Warn("flood wait too long; deferring destination",
						logx.String("dest", o.Target), logx.Duration("wait", o.Wait))
				}
				w.record(ctx, o)
				if o.Class == ClassAuth {
					unauthorized = true
					continue
				}
				step = step.merge(w.pacer.Observe(o))
			}
			if unauthorized {
				w.setStatus(WorkerUnauthorized, "credential rejected")
				return
			}
			w.update(func(st *WorkerState) {
				st.Delay = w.pacer.Delay()
				st.Streak = w.pacer.Streak()
				st.ConsecutiveErrors = w.pacer.ConsecutiveErrors()
			})

			if !w.pause(ctx, step) {
				w.finish()
				return
			}
		}

		if s, done := w.exitCheck(); done {
			w.setStatus(s, "")
			return
		}
		rest := w.pacer.CycleRest()
		until := w.clock.Now().Add(rest)
		w.update(func(st *WorkerState) {
			st.WaitUntil = until
			st.Cycle = cycle + 1
			st.Delay = w.pacer.Delay()
			st.Streak = 0
			st.ConsecutiveErrors = 0
		})
		w.setStatus(WorkerCycleBreak, fmt.Sprintf("cycle %d done, next in %dm", cycle, int(rest.Minutes())))
		if !sleepChunked(ctx, w.clock, rest, w.pacing.StopCheck, w.cancelled) {
			w.finish()
			return
		}
		w.setStatus(WorkerRunning, "")
	}
}

func (w *Worker) connect(ctx context.Context) (provider.Session, error) {
	cctx, cancel := w.exec.call(ctx)
	defer cancel()
	return w.client.Connect(cctx, w.account.credential())
}

// fatal ends the run on a setup error: auth failures are unauthorized, the rest error.
func (w *Worker) fatal(err error) {
	if provider.IsUnauthorized(err) {
		w.setStatus(WorkerUnauthorized, "credential rejected")
		return
	}
	w.log.Error("worker setup failed", logx.Err(err))
	w.setStatus(WorkerError, logx.Truncate(err.Error(), maxReasonLen))
}

// finish sets the terminal status after an interrupted wait.
func (w *Worker) finish() {
	if s, done := w.exitCheck(); done {
		w.setStatus(s, "")
		return
	}
	w.setStatus(WorkerStopped, "")
}

// waitOut sleeps out an active flood-wait or limited timer.
func (w *Worker) waitOut(ctx context.Context) bool {
	w.mu.Lock()
	until := w.state.WaitUntil
	st := w.state.Status
	w.mu.Unlock()
	if st != WorkerFloodWait && st != WorkerLimited {
		return true
	}
	if rem := until.Sub(w.clock.Now()); rem > 0 {
		if st == WorkerFloodWait {
			// Provider-mandated: slept out in one piece.
			if err := w.clock.Sleep(ctx, rem); err != nil {
				return false
			}
		} else if !sleepChunked(ctx, w.clock, rem, w.pacing.StopCheck, w.cancelled) {
			return false
		}
	}
	w.setStatus(WorkerRunning, "")
	return true
}

// pause applies the step computed from the last destination visit.
func (w *Worker) pause(ctx context.Context, step Step) bool {
	if w.sig.stopRequested() {
		return true
	}
	now := w.clock.Now()
	switch {
	case step.Limited:
		w.update(func(st *WorkerState) { st.WaitUntil = now.Add(w.pacing.LimitedPause) })
		w.setStatus(WorkerLimited, fmt.Sprintf("%d consecutive errors", w.pacing.MaxConsecutiveErrors))
		// The timer is slept out at the start of the next destination.
		return true
	case step.Flood:
		w.update(func(st *WorkerState) { st.WaitUntil = now.Add(step.Wait) })
		w.setStatus(WorkerFloodWait, fmt.Sprintf("%ds", int(step.Wait.Seconds())))
		return true
	}

	if step.Wait > 0 {
		if err := w.clock.Sleep(ctx, step.Wait); err != nil {
			return false
		}
	}
	if step.Rest > 0 {
		w.log.Info("batch rest", logx.Duration("rest", step.Rest))
		if !sleepChunked(ctx, w.clock, step.Rest, w.pacing.StopCheck, w.cancelled) {
			return false
		}
	}
	return true
}

// record folds an outcome into counters and the bounded log buffer.
func (w *Worker) record(ctx context.Context, o Outcome) {
	entry := LogEntry{
		Target:    logx.Truncate(o.Target, 40),
		Status:    o.Status,
		Reason:    logx.Truncate(o.Reason, 30),
		AccountID: w.account.ID,
		Account:   w.account.Label,
		At:        o.At,
	}
	w.update(func(st *WorkerState) {
		switch o.Status {
		case OutcomeSent:
			st.Sent++
		case OutcomeSkipped:
			st.Skipped++
		case OutcomeFloodWait:
			st.FloodWaits++
		case OutcomeDeferred:
			st.Deferred++
		default:
			st.Failed++
		}
		st.Logs = append(st.Logs, entry)
		if len(st.Logs) > workerLogCap {
			st.Logs = append([]LogEntry(nil), st.Logs[len(st.Logs)-workerLogCap:]...)
		}
	})
	w.log.Debug("delivery",
		logx.String("dest", o.Target),
		logx.String("status", string(o.Status)),
		logx.String("reason", o.Reason),
	)
	if w.sink != nil {
		w.sink.fold(ctx, w, o)
	}
}
