package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bumpcast/internal/campaign"
	"bumpcast/internal/storage"
	logx "bumpcast/pkg/logx"
)

type fakeEngine struct {
	mu      sync.Mutex
	running map[int64]bool
	members map[int64][]int64
	known   map[int64]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		running: map[int64]bool{},
		members: map[int64][]int64{1: {10, 11}, 2: {}},
		known:   map[int64]bool{1: true, 2: true},
	}
}

func (f *fakeEngine) Start(_ context.Context, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case !f.known[id]:
		return "", fmt.Errorf("campaign %d: %w", id, campaign.ErrNotFound)
	case f.running[id]:
		return "", campaign.ErrAlreadyRunning
	case len(f.members[id]) == 0:
		return "", campaign.ErrNoAccounts
	}
	f.running[id] = true
	return fmt.Sprintf("run-%d", id), nil
}

func (f *fakeEngine) Stop(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[id] {
		return campaign.ErrNotRunning
	}
	delete(f.running, id)
	return nil
}

func (f *fakeEngine) RemoveAccount(id, accountID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[id] {
		return campaign.ErrNotRunning
	}
	for _, a := range f.members[id] {
		if a == accountID {
			return nil
		}
	}
	return campaign.ErrAccountNotInRun
}

func (f *fakeEngine) Progress(id int64) campaign.Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[id] {
		return campaign.Progress{CampaignID: id, Status: campaign.RunRunning, Sent: 3}
	}
	return campaign.Progress{CampaignID: id, Status: campaign.RunIdle}
}

func (f *fakeEngine) Running() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for id := range f.running {
		out = append(out, id)
	}
	return out
}

type fakeReports struct {
	pingErr error
}

func (f fakeReports) Stats(_ context.Context, id int64) (storage.CampaignStats, error) {
	if id != 1 {
		return storage.CampaignStats{}, fmt.Errorf("campaign %d: %w", id, storage.ErrNotFound)
	}
	return storage.CampaignStats{Sent: 7, Failed: 2}, nil
}

func (f fakeReports) RecentLogs(_ context.Context, id int64, limit int) ([]campaign.DeliveryLog, error) {
	return []campaign.DeliveryLog{
		{CampaignID: id, AccountID: 10, Target: "Group A", Status: campaign.OutcomeSent, At: time.Unix(100, 0)},
		{CampaignID: id, AccountID: 11, Target: "Group B", Status: campaign.OutcomeFailed, Error: "write forbidden", At: time.Unix(90, 0)},
	}[:min(limit, 2)], nil
}

func (f fakeReports) Ping(context.Context) error { return f.pingErr }

func newTestServer(t *testing.T, cfg Config, rep Reports) (*httptest.Server, *fakeEngine) {
	t.Helper()
	eng := newFakeEngine()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("bumpcast_running_campaigns 0\n"))
	})
	srv := httptest.NewServer(New(cfg, eng, rep, metrics, logx.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv, eng
}

func do(t *testing.T, method, url, token string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp.StatusCode, body
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, Config{}, fakeReports{})

	code, body := do(t, http.MethodGet, srv.URL+"/campaigns/1/progress", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", body["status"])

	code, body = do(t, http.MethodPost, srv.URL+"/campaigns/1/start", "")
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "run-1", body["run_id"])

	code, body = do(t, http.MethodPost, srv.URL+"/campaigns/1/start", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, campaign.ErrAlreadyRunning.Error(), body["error"])

	code, body = do(t, http.MethodGet, srv.URL+"/campaigns/1/progress", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["status"])
	assert.EqualValues(t, 3, body["sent"])

	code, body = do(t, http.MethodGet, srv.URL+"/campaigns/running", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{float64(1)}, body["campaigns"])

	code, _ = do(t, http.MethodPost, srv.URL+"/campaigns/1/accounts/10/remove", "")
	assert.Equal(t, http.StatusAccepted, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/campaigns/1/accounts/99/remove", "")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = do(t, http.MethodPost, srv.URL+"/campaigns/1/stop", "")
	assert.Equal(t, http.StatusAccepted, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/campaigns/1/stop", "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, Config{}, fakeReports{})

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodPost, "/campaigns/42/start", http.StatusNotFound},
		{http.MethodPost, "/campaigns/2/start", http.StatusUnprocessableEntity},
		{http.MethodPost, "/campaigns/abc/start", http.StatusBadRequest},
		{http.MethodPost, "/campaigns/0/stop", http.StatusBadRequest},
		{http.MethodGet, "/campaigns/42/stats", http.StatusNotFound},
	}
	for _, tc := range cases {
		code, body := do(t, tc.method, srv.URL+tc.path, "")
		assert.Equal(t, tc.want, code, tc.path)
		assert.NotEmpty(t, body["error"], tc.path)
	}

	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("db down")))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(fmt.Errorf("wrap: %w", campaign.ErrNoActiveAccounts)))
}

func TestStatsAndLogs(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, Config{}, fakeReports{})

	code, body := do(t, http.MethodGet, srv.URL+"/campaigns/1/stats", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 7, body["total_sent"])
	assert.EqualValues(t, 2, body["total_failed"])

	code, body = do(t, http.MethodGet, srv.URL+"/campaigns/1/logs?limit=1", "")
	require.Equal(t, http.StatusOK, code)
	logs, ok := body["logs"].([]any)
	require.True(t, ok)
	require.Len(t, logs, 1)
	assert.Equal(t, "Group A", logs[0].(map[string]any)["target"])
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, Config{Token: "s3cret"}, fakeReports{})

	code, _ := do(t, http.MethodGet, srv.URL+"/campaigns/running", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = do(t, http.MethodGet, srv.URL+"/campaigns/running", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = do(t, http.MethodGet, srv.URL+"/campaigns/running", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, http.MethodGet, srv.URL+"/campaigns/running?token=s3cret", "")
	assert.Equal(t, http.StatusOK, code)

	// Liveness and metrics stay open for health checks and scrapers.
	code, _ = do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestHealthzDegraded(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, Config{}, fakeReports{pingErr: errors.New("database is locked")})

	code, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off, _ := newTestServer(t, Config{}, nil)
	code, _ := do(t, http.MethodGet, off.URL+"/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, code)

	on, _ := newTestServer(t, Config{Pprof: true}, nil)
	code, _ = do(t, http.MethodGet, on.URL+"/debug/pprof/", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestRunServesUntilCancelled(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, newFakeEngine(), nil, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	code, _ := do(t, http.MethodGet, "http://"+s.Addr()+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
