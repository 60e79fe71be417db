package storage

import (
	"time"

	"bumpcast/internal/campaign"
)

// ErrNotFound is campaign.ErrNotFound so engine callers can match either.
var ErrNotFound = campaign.ErrNotFound

// Config configures storage.
//
// Driver values:
//   - "sqlite": database file at Path (default)
//   - "postgres": server database at DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	MaxOpenConns int
	BusyTimeout  time.Duration // sqlite only; 0 means 5s
}

// LogBot is a client's delivery-notification bot.
type LogBot struct {
	ClientID     int64
	Token        string
	TargetChatID int64
	Active       bool
}

// CampaignStats are the counters bumped by delivery log appends.
type CampaignStats struct {
	Sent   int `db:"total_sent"`
	Failed int `db:"total_failed"`
}

// DailyStats is one analytics_daily row.
type DailyStats struct {
	ClientID int64  `db:"client_id"`
	Day      string `db:"day"`
	Total    int    `db:"total"`
	Success  int    `db:"success"`
	Failed   int    `db:"failed"`
}
