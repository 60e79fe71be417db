package storage

import (
	"context"

	"bumpcast/internal/provider"
)

// Destinations lists the chats recorded for an account, oldest first.
func (s *DB) Destinations(ctx context.Context, accountID int64) ([]provider.Destination, error) {
	var rows []struct {
		ChatID  int64  `db:"chat_id"`
		Title   string `db:"title"`
		Handle  string `db:"handle"`
		IsForum bool   `db:"is_forum"`
	}
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT chat_id, title, handle, is_forum
		FROM account_destinations WHERE account_id = ? ORDER BY chat_id`), accountID)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Destination, 0, len(rows))
	for _, r := range rows {
		out = append(out, provider.Destination{ID: r.ChatID, Name: r.Title, Handle: r.Handle, IsForum: r.IsForum})
	}
	return out, nil
}

// PutDestination records or refreshes a chat the account can post into.
func (s *DB) PutDestination(ctx context.Context, accountID int64, d provider.Destination) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO account_destinations (account_id, chat_id, title, handle, is_forum)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, chat_id) DO UPDATE SET
			title = excluded.title, handle = excluded.handle, is_forum = excluded.is_forum`),
		accountID, d.ID, d.Name, d.Handle, d.IsForum)
	return err
}

func (s *DB) RemoveDestination(ctx context.Context, accountID, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM account_destinations WHERE account_id = ? AND chat_id = ?`), accountID, chatID)
	return err
}

// Topics lists the known forum topics of a chat.
func (s *DB) Topics(ctx context.Context, chatID int64) ([]provider.Topic, error) {
	var rows []struct {
		ID     int    `db:"topic_id"`
		Title  string `db:"title"`
		Closed bool   `db:"closed"`
	}
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT topic_id, title, closed
		FROM destination_topics WHERE chat_id = ? ORDER BY topic_id`), chatID)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Topic, 0, len(rows))
	for _, r := range rows {
		out = append(out, provider.Topic{ID: r.ID, Title: r.Title, Closed: r.Closed})
	}
	return out, nil
}

func (s *DB) PutTopic(ctx context.Context, chatID int64, t provider.Topic) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO destination_topics (chat_id, topic_id, title, closed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chat_id, topic_id) DO UPDATE SET title = excluded.title, closed = excluded.closed`),
		chatID, t.ID, t.Title, t.Closed)
	return err
}
