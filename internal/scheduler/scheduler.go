// Package scheduler starts campaigns whose scheduled time has passed. A cron
// entry runs a sweep over the store; each due draft campaign is started on
// the engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"bumpcast/internal/campaign"
	logx "bumpcast/pkg/logx"
)

const DefaultSpec = "@every 30s"

type Config struct {
	Enabled  bool
	Spec     string
	Timezone string
}

// DueLister lists draft campaigns whose scheduled start is at or before now.
type DueLister interface {
	DueCampaigns(ctx context.Context, now time.Time) ([]int64, error)
}

// Starter starts a campaign run.
type Starter interface {
	Start(ctx context.Context, campaignID int64) (string, error)
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec validates a sweep spec.
func ParseSpec(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("scheduler.spec: invalid %q: %w", spec, err)
	}
	return nil
}

type Service struct {
	due     DueLister
	starter Starter
	log     logx.Logger
	now     func() time.Time

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context

	sweeps  uint64
	started uint64
}

func New(cfg Config, due DueLister, starter Starter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, due: due, starter: starter, log: log.Component("scheduler"), now: time.Now}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start begins sweeping. ctx bounds the runs started by the sweep.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	spec := strings.TrimSpace(s.cfg.Spec)
	if spec == "" {
		spec = DefaultSpec
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
		loc = l
	}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	ctx := s.ctx
	if _, err := c.AddFunc(spec, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("scheduler.spec: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Info("service started", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

// Apply swaps the config, restarting the cron when the spec or zone changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return nil
	}
	if strings.TrimSpace(old.Spec) == strings.TrimSpace(cfg.Spec) &&
		strings.TrimSpace(old.Timezone) == strings.TrimSpace(cfg.Timezone) {
		return nil
	}
	<-s.c.Stop().Done()
	s.c = nil
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Sweep starts every due campaign once. Campaigns already running are skipped.
func (s *Service) Sweep(ctx context.Context) int {
	if ctx == nil {
		ctx = context.Background()
	}
	qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ids, err := s.due.DueCampaigns(qctx, s.now())
	cancel()

	s.mu.Lock()
	s.sweeps++
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("due campaigns query failed", logx.Err(err))
		return 0
	}

	n := 0
	for _, id := range ids {
		runID, err := s.starter.Start(ctx, id)
		switch {
		case err == nil:
			n++
			s.log.Info("scheduled campaign started", logx.Campaign(id), logx.String("run", runID))
		case errors.Is(err, campaign.ErrAlreadyRunning):
			s.log.Debug("scheduled campaign already running", logx.Campaign(id))
		default:
			s.log.Warn("scheduled campaign failed to start", logx.Campaign(id), logx.Err(err))
		}
	}
	s.mu.Lock()
	s.started += uint64(n)
	s.mu.Unlock()
	return n
}

// Snapshot is a point-in-time view for status endpoints.
type Snapshot struct {
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
	Spec    string `json:"spec"`
	Sweeps  uint64 `json:"sweeps"`
	Started uint64 `json:"started"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Spec: s.cfg.Spec, Sweeps: s.sweeps, Started: s.started}
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
