package campaign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeProgressTotalsAndLogs(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	logsFor := func(account int64, n int, offset time.Duration) []LogEntry {
		out := make([]LogEntry, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, LogEntry{AccountID: account, Target: "t", Status: OutcomeSent, At: base.Add(offset + time.Duration(i)*time.Second)})
		}
		return out
	}
	states := []WorkerState{
		{AccountID: 1, Total: 20, Sent: 12, Failed: 2, Deferred: 1, Skipped: 3, Cycle: 3, Logs: logsFor(1, 10, 0)},
		{AccountID: 2, Total: 5, Sent: 4, Failed: 1, Cycle: 1, Logs: logsFor(2, 10, 500*time.Millisecond)},
		{AccountID: 3, Total: 8, Sent: 8, Cycle: 2, Logs: logsFor(3, 10, 250*time.Millisecond)},
	}

	p := mergeProgress(Progress{CampaignID: 9, Status: RunRunning}, states, 30)
	assert.Equal(t, 33, p.Total)
	assert.Equal(t, 24, p.Sent)
	assert.Equal(t, 4, p.Failed)
	assert.Equal(t, 3, p.Skipped)
	assert.Equal(t, 3, p.Cycle)
	assert.Len(t, p.Accounts, 3)
	assert.Equal(t, RunRunning, p.Status)

	require.Len(t, p.Logs, 30)
	for i := 1; i < len(p.Logs); i++ {
		assert.False(t, p.Logs[i].At.After(p.Logs[i-1].At), "logs must be newest first")
	}
	assert.Equal(t, int64(2), p.Logs[0].AccountID)

	capped := mergeProgress(Progress{}, states, 5)
	assert.Len(t, capped.Logs, 5)
}

func TestMergeProgressCycleNeverDecreases(t *testing.T) {
	t.Parallel()
	p := Progress{Cycle: 4}
	p = mergeProgress(p, []WorkerState{{AccountID: 1, Cycle: 2}}, 30)
	assert.Equal(t, 4, p.Cycle)

	samples := [][]int{{1, 1}, {2, 1}, {1, 1}, {2, 3}, {1, 2}}
	prev := 0
	cur := Progress{}
	for _, cycles := range samples {
		states := make([]WorkerState, 0, len(cycles))
		for i, c := range cycles {
			states = append(states, WorkerState{AccountID: int64(i + 1), Cycle: c})
		}
		cur = mergeProgress(cur, states, 30)
		assert.GreaterOrEqual(t, cur.Cycle, prev)
		prev = cur.Cycle
	}
	assert.Equal(t, 3, prev)
}

func TestMergeProgressEmpty(t *testing.T) {
	t.Parallel()
	p := mergeProgress(Progress{CampaignID: 1}, nil, 30)
	assert.NotNil(t, p.Logs)
	assert.NotNil(t, p.Accounts)
	assert.Zero(t, p.Total)
}
