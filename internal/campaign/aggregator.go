package campaign

import (
	"context"
	"sort"

	logx "bumpcast/pkg/logx"
)

// aggregator samples every worker of a run into the shared Progress record.
// It is the only writer of run.progress after the run has started.
type aggregator struct {
	r         *run
	persisted int
}

func newAggregator(r *run) *aggregator {
	return &aggregator{r: r, persisted: r.campaign.Cycle}
}

// loop samples every interval until ctx ends or the stop flag is set.
func (a *aggregator) loop(ctx context.Context) {
	clock := a.r.eng.clock
	for {
		a.sample()
		if a.r.stopRequested() {
			return
		}
		if err := clock.Sleep(ctx, a.r.interval); err != nil {
			return
		}
	}
}

// sample folds the current worker snapshots into the progress record.
func (a *aggregator) sample() {
	r := a.r
	states := make([]WorkerState, 0, len(r.workers))
	for _, w := range r.workers {
		states = append(states, w.Snapshot())
	}

	r.mu.Lock()
	prev := r.progress.Cycle
	p := mergeProgress(r.progress, states, r.logCap)
	p.UpdatedAt = r.eng.clock.Now()
	r.progress = p
	r.mu.Unlock()

	if p.Cycle > a.persisted {
		ctx := context.Background()
		if err := r.eng.store.SetCampaignCycle(ctx, r.campaign.ID, p.Cycle); err != nil {
			r.log.Error("persist campaign cycle failed", logx.Int("cycle", p.Cycle), logx.Err(err))
		} else {
			a.persisted = p.Cycle
		}
	}
	if p.Cycle > prev && prev > 0 {
		r.log.Info("campaign cycle advanced", logx.Int("cycle", p.Cycle))
	}

	snap := r.snapshot()
	r.eng.publish(EventProgressUpdated, snap)
}

// mergeProgress folds worker states into prev. Totals are recomputed from
// scratch; the cycle never moves backwards; logs are merged newest first
// and capped at logCap.
func mergeProgress(prev Progress, states []WorkerState, logCap int) Progress {
	p := prev
	p.Total, p.Sent, p.Failed, p.Skipped = 0, 0, 0, 0
	p.Accounts = make(map[int64]WorkerState, len(states))
	var logs []LogEntry
	for _, st := range states {
		p.Accounts[st.AccountID] = st
		p.Total += st.Total
		p.Sent += st.Sent
		p.Failed += st.Failed + st.Deferred
		p.Skipped += st.Skipped
		p.Cycle = max(p.Cycle, st.Cycle)
		logs = append(logs, st.Logs...)
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].At.After(logs[j].At) })
	if logCap > 0 && len(logs) > logCap {
		logs = logs[:logCap]
	}
	if logs == nil {
		logs = []LogEntry{}
	}
	p.Logs = logs
	return p
}
