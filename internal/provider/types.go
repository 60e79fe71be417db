// Package provider defines the messaging-provider capability consumed by the
// campaign engine: sessions that list destinations, fan out to forum topics,
// send, forward, leave and, where the account allows it, rejoin.
// Implementations translate their wire errors into *Error so callers can
// classify outcomes without knowing the transport.
package provider

import (
	"context"
	"strconv"
)

// Credential is the opaque account handle an implementation knows how to use
// (a bot token, a session string, ...).
type Credential struct {
	AccountID int64
	Label     string
	Secret    string
}

// Destination is a chat the account can post into. It is recomputed at the
// start of every worker run and never persisted by the engine.
type Destination struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Handle  string `json:"handle,omitempty"`
	IsForum bool   `json:"is_forum"`
	Unread  int    `json:"unread"`
}

// Label is the human-readable name used in logs.
func (d Destination) Label() string {
	if d.Name != "" {
		return d.Name
	}
	if d.Handle != "" {
		return "@" + d.Handle
	}
	return strconv.FormatInt(d.ID, 10)
}

// Topic is a forum sub-thread.
type Topic struct {
	ID     int    `json:"id"`
	Title  string `json:"title"`
	Closed bool   `json:"closed"`
}

// Target is a resolved destination with the live posting rights of the account.
type Target struct {
	Destination

	// SendForbidden is true when the chat explicitly denies posting to this account.
	SendForbidden bool
	// RightsOverride is true when admin rights lift a default ban or slow mode.
	RightsOverride bool
	// SlowModeSeconds is the chat's slow-mode interval; 0 when off.
	SlowModeSeconds int
}

// EntityType names a rich-formatting entity kind.
type EntityType string

const (
	EntityBold          EntityType = "bold"
	EntityItalic        EntityType = "italic"
	EntityCode          EntityType = "code"
	EntityPre           EntityType = "pre"
	EntityStrikethrough EntityType = "strikethrough"
	EntityUnderline     EntityType = "underline"
	EntityURL           EntityType = "url"
	EntityTextLink      EntityType = "text_link"
	EntityMention       EntityType = "mention"
	EntityHashtag       EntityType = "hashtag"
	EntityCustomEmoji   EntityType = "custom_emoji"
	EntitySpoiler       EntityType = "spoiler"
)

// Known reports whether t is an entity kind the providers understand.
func (t EntityType) Known() bool {
	switch t {
	case EntityBold, EntityItalic, EntityCode, EntityPre, EntityStrikethrough, EntityUnderline,
		EntityURL, EntityTextLink, EntityMention, EntityHashtag, EntityCustomEmoji, EntitySpoiler:
		return true
	}
	return false
}

// Entity is one formatting span (UTF-16 offsets, as the providers count them).
type Entity struct {
	Type          EntityType `json:"type"`
	Offset        int        `json:"offset"`
	Length        int        `json:"length"`
	URL           string     `json:"url,omitempty"`
	CustomEmojiID string     `json:"custom_emoji_id,omitempty"`
	Language      string     `json:"language,omitempty"`
}

// MediaKind selects how a media reference is attached.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// Content is a direct-send message body.
type Content struct {
	Text      string
	Entities  []Entity
	MediaRef  string
	MediaKind MediaKind
}

// HasMedia reports whether the message carries an attachment.
func (c Content) HasMedia() bool { return c.MediaRef != "" }

// ForwardRef points at the message to forward. ChatID may be zero when only
// the public Handle is known; the executor resolves it before forwarding.
type ForwardRef struct {
	ChatID    int64
	Handle    string
	MessageID int
}

// Client authenticates credentials into sessions.
type Client interface {
	// Connect returns a ready session. A rejected credential yields an *Error
	// with CodeUnauthorized.
	Connect(ctx context.Context, cred Credential) (Session, error)
}

// Session is one authenticated account connection. Calls on a session are
// made sequentially by a single worker.
type Session interface {
	Destinations(ctx context.Context) ([]Destination, error)
	Resolve(ctx context.Context, d Destination) (Target, error)
	Topics(ctx context.Context, t Target) ([]Topic, error)
	// Send posts c into t; topicID 0 means the chat itself.
	Send(ctx context.Context, t Target, topicID int, c Content) error
	Forward(ctx context.Context, t Target, topicID int, ref ForwardRef) error
	// ResolveHandle maps a public handle to a chat id.
	ResolveHandle(ctx context.Context, handle string) (int64, error)
	Leave(ctx context.Context, t Target) error
	Close() error
}

// Rejoiner is implemented by sessions whose account can join a chat on its
// own. A session without it cannot undo a Leave, so the engine never leaves
// a chat through it.
type Rejoiner interface {
	Join(ctx context.Context, t Target) error
}
