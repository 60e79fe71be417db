// Package telegram implements the messaging provider over the Telegram Bot API.
//
// Bots cannot enumerate their dialogs or list forum topics, so both come from
// a Directory kept by the store. Posting rights and slow mode are read live.
package telegram

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"bumpcast/internal/provider"
	logx "bumpcast/pkg/logx"
)

// Directory lists the chats and forum topics known for an account.
type Directory interface {
	Destinations(ctx context.Context, accountID int64) ([]provider.Destination, error)
	Topics(ctx context.Context, chatID int64) ([]provider.Topic, error)
}

type Config struct {
	// APIURL overrides the Bot API endpoint (self-hosted server, tests).
	APIURL      string
	HTTPTimeout time.Duration
	// PerSecond and Burst bound sends and forwards of one session.
	PerSecond float64
	Burst     int
}

type Client struct {
	cfg  Config
	dir  Directory
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, dir Directory, log logx.Logger) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		dir:  dir,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		log:  log.Component("telegram"),
	}
}

// Connect authenticates the bot token with getMe.
func (c *Client) Connect(_ context.Context, cred provider.Credential) (provider.Session, error) {
	token := strings.TrimSpace(cred.Secret)
	if token == "" {
		return nil, provider.NewError(provider.CodeUnauthorized, "empty bot token")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(c.cfg.APIURL),
		Token:   token,
		Client:  c.http,
		Offline: false,
	})
	if err != nil {
		return nil, mapError(err)
	}
	c.log.Debug("session connected", logx.Account(cred.AccountID), logx.String("bot", b.Me.Username))
	return &Session{
		accountID: cred.AccountID,
		bot:       b,
		dir:       c.dir,
		lim:       rate.NewLimiter(rate.Limit(c.cfg.PerSecond), c.cfg.Burst),
		log:       c.log.With(logx.Account(cred.AccountID)),
	}, nil
}

// Session is one bot. It is used by a single worker.
type Session struct {
	accountID int64
	bot       *tele.Bot
	dir       Directory
	lim       *rate.Limiter
	log       logx.Logger
}

func (s *Session) Destinations(ctx context.Context) ([]provider.Destination, error) {
	if s.dir == nil {
		return nil, nil
	}
	return s.dir.Destinations(ctx, s.accountID)
}

// Resolve reads the chat and the bot's membership to fill in posting rights.
func (s *Session) Resolve(_ context.Context, d provider.Destination) (provider.Target, error) {
	chat, err := s.bot.ChatByID(d.ID)
	if err != nil {
		return provider.Target{}, mapError(err)
	}
	t := provider.Target{Destination: d, SlowModeSeconds: chat.SlowMode}
	t.IsForum = d.IsForum || chat.IsForum
	if t.Name == "" {
		t.Name = chat.Title
	}
	if t.Handle == "" {
		t.Handle = chat.Username
	}

	member, err := s.bot.ChatMemberOf(chat, s.bot.Me)
	if err != nil {
		return provider.Target{}, mapError(err)
	}
	switch member.Role {
	case tele.Creator, tele.Administrator:
		t.RightsOverride = true
	case tele.Left, tele.Kicked:
		t.SendForbidden = true
	case tele.Restricted:
		t.SendForbidden = !member.CanSendMessages
	default:
		if chat.Permissions != nil && !chat.Permissions.CanSendMessages {
			t.SendForbidden = true
		}
	}
	return t, nil
}

func (s *Session) Topics(ctx context.Context, t provider.Target) ([]provider.Topic, error) {
	if s.dir == nil {
		return nil, nil
	}
	return s.dir.Topics(ctx, t.ID)
}

func (s *Session) Send(ctx context.Context, t provider.Target, topicID int, c provider.Content) error {
	if err := s.lim.Wait(ctx); err != nil {
		return provider.Wrap(provider.CodeTransient, err)
	}
	opts := &tele.SendOptions{ThreadID: topicID, Entities: entities(c.Entities)}
	_, err := s.bot.Send(&tele.Chat{ID: t.ID}, payload(c), opts)
	return mapError(err)
}

func (s *Session) Forward(ctx context.Context, t provider.Target, topicID int, ref provider.ForwardRef) error {
	if err := s.lim.Wait(ctx); err != nil {
		return provider.Wrap(provider.CodeTransient, err)
	}
	msg := tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID}
	_, err := s.bot.Forward(&tele.Chat{ID: t.ID}, msg, &tele.SendOptions{ThreadID: topicID})
	return mapError(err)
}

func (s *Session) ResolveHandle(_ context.Context, handle string) (int64, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return 0, provider.NewError(provider.CodeInvalidPeer, "empty handle")
	}
	chat, err := s.bot.ChatByUsername("@" + handle)
	if err != nil {
		return 0, mapError(err)
	}
	return chat.ID, nil
}

// Leave makes the bot leave t. Session does not implement provider.Rejoiner:
// a bot has to be added back by a chat admin.
func (s *Session) Leave(_ context.Context, t provider.Target) error {
	return mapError(s.bot.Leave(&tele.Chat{ID: t.ID}))
}

// Close releases nothing: Bot API sessions hold no connection state. Bot.Close
// would log the bot out of the API server, which is not wanted here.
func (s *Session) Close() error { return nil }

func entities(in []provider.Entity) tele.Entities {
	if len(in) == 0 {
		return nil
	}
	out := make(tele.Entities, 0, len(in))
	for _, e := range in {
		out = append(out, tele.MessageEntity{
			Type:          tele.EntityType(e.Type),
			Offset:        e.Offset,
			Length:        e.Length,
			URL:           e.URL,
			Language:      e.Language,
			CustomEmojiID: e.CustomEmojiID,
		})
	}
	return out
}

// payload builds the sendable for c. MediaRef is a URL, a local path or a
// Bot API file id.
func payload(c provider.Content) any {
	if !c.HasMedia() {
		return c.Text
	}
	f := mediaFile(c.MediaRef)
	switch c.MediaKind {
	case provider.MediaVideo:
		return &tele.Video{File: f, Caption: c.Text}
	case provider.MediaDocument:
		return &tele.Document{File: f, Caption: c.Text}
	default:
		return &tele.Photo{File: f, Caption: c.Text}
	}
}

func mediaFile(ref string) tele.File {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return tele.FromURL(ref)
	}
	if _, err := os.Stat(ref); err == nil {
		return tele.FromDisk(ref)
	}
	return tele.File{FileID: ref}
}

var _ provider.Client = (*Client)(nil)
var _ provider.Session = (*Session)(nil)
