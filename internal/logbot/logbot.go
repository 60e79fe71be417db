// Package logbot posts a short notice to a client's own Telegram chat for
// every successful delivery. Posts share one global rate limit; a post that
// would exceed it is dropped, never queued or retried.
package logbot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"bumpcast/internal/campaign"
	"bumpcast/internal/eventbus"
	"bumpcast/internal/storage"
	logx "bumpcast/pkg/logx"
	"bumpcast/pkg/tghtml"
)

type Config struct {
	RatePerSec float64
	Burst      int
	Location   *time.Location
}

// Store returns the log bot configured for a client.
type Store interface {
	LogBot(ctx context.Context, clientID int64) (storage.LogBot, error)
}

// Poster sends one HTML message with a bot token.
type Poster interface {
	Post(ctx context.Context, token string, chatID int64, text string) error
}

const (
	lookupTTL     = time.Minute
	errorLogEvery = time.Minute
	maxNameRunes  = 64
)

type cached struct {
	bot storage.LogBot
	ok  bool
	at  time.Time
}

type Service struct {
	store  Store
	poster Poster
	log    logx.Logger
	now    func() time.Time

	lim *rate.Limiter

	mu      sync.Mutex
	loc     *time.Location
	bots    map[int64]cached
	lastErr map[int64]time.Time

	posted  uint64
	dropped uint64
}

func New(cfg Config, store Store, poster Poster, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = normalize(cfg)
	return &Service{
		store:   store,
		poster:  poster,
		log:     log.Component("logbot"),
		now:     time.Now,
		lim:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		loc:     cfg.Location,
		bots:    map[int64]cached{},
		lastErr: map[int64]time.Time{},
	}
}

func normalize(cfg Config) Config {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return cfg
}

// Apply changes the rate limit and time zone live.
func (s *Service) Apply(cfg Config) {
	cfg = normalize(cfg)
	if s.lim.Limit() != rate.Limit(cfg.RatePerSec) {
		s.lim.SetLimit(rate.Limit(cfg.RatePerSec))
	}
	if s.lim.Burst() != cfg.Burst {
		s.lim.SetBurst(cfg.Burst)
	}
	s.mu.Lock()
	s.loc = cfg.Location
	s.mu.Unlock()
}

// Run posts notices for sent outcomes until ctx ends.
func (s *Service) Run(ctx context.Context, bus eventbus.Bus) {
	eventbus.Consume(ctx, bus, 256, func(e eventbus.Event) {
		if ev, ok := e.Data.(campaign.DeliveryEvent); ok {
			s.Notify(ctx, ev)
		}
	}, campaign.EventDeliveryOutcome)
}

// Notify posts the notice for one delivery. It reports whether a post was sent.
func (s *Service) Notify(ctx context.Context, ev campaign.DeliveryEvent) bool {
	if ev.Outcome.Status != campaign.OutcomeSent {
		return false
	}
	bot, ok := s.lookup(ctx, ev.ClientID)
	if !ok {
		return false
	}
	if !s.lim.Allow() {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.log.Debug("log post throttled", logx.Int64("client", ev.ClientID))
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.poster.Post(pctx, bot.Token, bot.TargetChatID, s.Format(ev)); err != nil {
		s.reportError(bot.TargetChatID, err)
		return false
	}
	s.mu.Lock()
	s.posted++
	s.mu.Unlock()
	return true
}

// Format renders the notice.
func (s *Service) Format(ev campaign.DeliveryEvent) string {
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	at := ev.Outcome.At
	if at.IsZero() {
		at = s.now()
	}
	account := ev.Account
	if account == "" {
		account = fmt.Sprintf("#%d", ev.AccountID)
	}
	return tghtml.Lines(
		tghtml.Concat("✅ ", tghtml.B("Successfully forwarded to:"), " ", tghtml.Esc(ev.Outcome.Target)),
		tghtml.Concat(tghtml.B("Ad account:"), " ", tghtml.Esc(account)),
		"",
		tghtml.Concat(
			tghtml.I("Ad Campaign: "+tghtml.TruncRunes(ev.CampaignName, maxNameRunes)+"..."), " ",
			tghtml.Code(at.In(loc).Format("03:04 PM")),
		),
	).String()
}

func (s *Service) lookup(ctx context.Context, clientID int64) (storage.LogBot, bool) {
	now := s.now()
	s.mu.Lock()
	c, hit := s.bots[clientID]
	s.mu.Unlock()
	// A backward clock jump makes the entry stale rather than pinning it.
	if hit && !now.Before(c.at) && now.Sub(c.at) < lookupTTL {
		return c.bot, c.ok
	}

	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	bot, err := s.store.LogBot(lctx, clientID)
	ok := err == nil && bot.Active && strings.TrimSpace(bot.Token) != "" && bot.TargetChatID != 0
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("log bot lookup failed", logx.Int64("client", clientID), logx.Err(err))
		return storage.LogBot{}, false
	}
	s.mu.Lock()
	s.bots[clientID] = cached{bot: bot, ok: ok, at: now}
	s.mu.Unlock()
	return bot, ok
}

// reportError logs a failed post at most once a minute per target chat.
func (s *Service) reportError(chatID int64, err error) {
	now := s.now()
	s.mu.Lock()
	last := s.lastErr[chatID]
	quiet := now.Sub(last) < errorLogEvery
	if !quiet {
		s.lastErr[chatID] = now
	}
	s.mu.Unlock()
	if !quiet {
		s.log.Warn("log post failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

// Stats are the posted and throttled counts.
func (s *Service) Stats() (posted, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posted, s.dropped
}

// BotPoster posts through telebot, keeping one offline bot per token.
type BotPoster struct {
	apiURL string
	client *http.Client

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func NewBotPoster(apiURL string) *BotPoster {
	return &BotPoster{apiURL: apiURL, client: &http.Client{Timeout: 10 * time.Second}, bots: map[string]*tele.Bot{}}
}

func (p *BotPoster) Post(_ context.Context, token string, chatID int64, text string) error {
	b, err := p.bot(token)
	if err != nil {
		return err
	}
	_, err = b.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
	return err
}

func (p *BotPoster) bot(token string) (*tele.Bot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{URL: p.apiURL, Token: token, Client: p.client, Offline: true})
	if err != nil {
		return nil, err
	}
	p.bots[token] = b
	return b, nil
}
