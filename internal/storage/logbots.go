package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LogBot returns the log bot configured for a client.
func (s *DB) LogBot(ctx context.Context, clientID int64) (LogBot, error) {
	var r struct {
		ClientID     int64  `db:"client_id"`
		Token        string `db:"bot_token"`
		TargetChatID int64  `db:"target_chat_id"`
		Active       bool   `db:"is_active"`
	}
	err := s.db.GetContext(ctx, &r, s.q(`SELECT client_id, bot_token, target_chat_id, is_active
		FROM log_bots WHERE client_id = ?`), clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return LogBot{}, fmt.Errorf("log bot for client %d: %w", clientID, ErrNotFound)
	}
	if err != nil {
		return LogBot{}, err
	}
	return LogBot{ClientID: r.ClientID, Token: r.Token, TargetChatID: r.TargetChatID, Active: r.Active}, nil
}

func (s *DB) PutLogBot(ctx context.Context, b LogBot) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO log_bots (client_id, bot_token, target_chat_id, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET
			bot_token = excluded.bot_token,
			target_chat_id = excluded.target_chat_id,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`),
		b.ClientID, b.Token, b.TargetChatID, b.Active, s.now().Unix())
	return err
}
