// Package redismirror copies progress snapshots of running campaigns into
// Redis so other processes can read them. Keys expire on their own when the
// process dies and are deleted when a run stops.
package redismirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bumpcast/internal/campaign"
	"bumpcast/internal/eventbus"
	logx "bumpcast/pkg/logx"
)

const (
	DefaultPrefix = "bumpcast:progress:"
	DefaultTTL    = 2 * time.Minute
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Client is the subset of *redis.Client the mirror uses.
type Client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// NewClient builds a go-redis client from cfg.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

type Mirror struct {
	cfg    Config
	client Client
	log    logx.Logger

	failing bool
}

func New(cfg Config, client Client, log logx.Logger) *Mirror {
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Mirror{cfg: cfg, client: client, log: log.Component("redismirror")}
}

func (m *Mirror) Key(campaignID int64) string {
	return m.cfg.Prefix + strconv.FormatInt(campaignID, 10)
}

// Run mirrors progress events until ctx ends.
func (m *Mirror) Run(ctx context.Context, bus eventbus.Bus) {
	eventbus.Consume(ctx, bus, 256, func(e eventbus.Event) { m.Handle(ctx, e) },
		campaign.EventProgressUpdated, campaign.EventCampaignStopped)
}

// Handle applies one event. Redis failures are logged once per outage.
func (m *Mirror) Handle(ctx context.Context, e eventbus.Event) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var err error
	switch e.Type {
	case campaign.EventProgressUpdated:
		p, ok := e.Data.(campaign.Progress)
		if !ok {
			return
		}
		var b []byte
		if b, err = json.Marshal(p); err == nil {
			err = m.client.Set(cctx, m.Key(p.CampaignID), b, m.cfg.TTL).Err()
		}
	case campaign.EventCampaignStopped:
		ev, ok := e.Data.(campaign.RunEvent)
		if !ok {
			return
		}
		err = m.client.Del(cctx, m.Key(ev.CampaignID)).Err()
	default:
		return
	}

	switch {
	case err != nil && !m.failing:
		m.failing = true
		m.log.Warn("progress mirror write failed", logx.String("event", e.Type), logx.Err(err))
	case err == nil && m.failing:
		m.failing = false
		m.log.Info("progress mirror recovered")
	}
}

// Load reads a mirrored snapshot. ok is false when none is stored.
func (m *Mirror) Load(ctx context.Context, campaignID int64) (p campaign.Progress, ok bool, err error) {
	b, err := m.client.Get(ctx, m.Key(campaignID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return p, false, nil
	}
	if err != nil {
		return p, false, err
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, false, fmt.Errorf("decode progress %d: %w", campaignID, err)
	}
	return p, true, nil
}
