package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"bumpcast/internal/campaign"
	"bumpcast/internal/provider"
)

var _ campaign.Store = (*DB)(nil)

type accountRow struct {
	ID         int64  `db:"id"`
	ClientID   int64  `db:"client_id"`
	Label      string `db:"label"`
	Credential string `db:"credential"`
	Active     bool   `db:"is_active"`
	Alive      bool   `db:"is_alive"`
}

func (r accountRow) account() campaign.Account {
	return campaign.Account{
		ID:         r.ID,
		ClientID:   r.ClientID,
		Label:      r.Label,
		Credential: r.Credential,
		Active:     r.Active,
		Alive:      r.Alive,
	}
}

type templateRow struct {
	ID        int64  `db:"id"`
	ClientID  int64  `db:"client_id"`
	Text      string `db:"text"`
	Entities  string `db:"entities"`
	MediaKind string `db:"media_kind"`
	MediaRef  string `db:"media_ref"`
}

type campaignRow struct {
	ID               int64         `db:"id"`
	ClientID         int64         `db:"client_id"`
	Name             string        `db:"name"`
	Status           string        `db:"status"`
	SendMode         string        `db:"send_mode"`
	Text             string        `db:"text"`
	Entities         string        `db:"entities"`
	MediaKind        string        `db:"media_kind"`
	MediaRef         string        `db:"media_ref"`
	ForwardChatID    int64         `db:"forward_chat_id"`
	ForwardHandle    string        `db:"forward_handle"`
	ForwardMessageID int           `db:"forward_message_id"`
	AccountIDs       string        `db:"account_ids"`
	AccountID        int64         `db:"account_id"`
	TemplateID       int64         `db:"template_id"`
	Cycle            int           `db:"cycle"`
	ScheduledAt      sql.NullInt64 `db:"scheduled_at"`
}

const campaignColumns = `id, client_id, name, status, send_mode, text, entities, media_kind, media_ref,
	forward_chat_id, forward_handle, forward_message_id, account_ids, account_id, template_id, cycle, scheduled_at`

func (r campaignRow) campaign() (campaign.Campaign, error) {
	c := campaign.Campaign{
		ID:       r.ID,
		ClientID: r.ClientID,
		Name:     r.Name,
		Content: provider.Content{
			Text:      r.Text,
			MediaRef:  r.MediaRef,
			MediaKind: provider.MediaKind(r.MediaKind),
		},
		Mode:       campaign.SendMode(r.SendMode),
		Forward:    provider.ForwardRef{ChatID: r.ForwardChatID, Handle: r.ForwardHandle, MessageID: r.ForwardMessageID},
		AccountID:  r.AccountID,
		TemplateID: r.TemplateID,
		Status:     campaign.Status(r.Status),
		Cycle:      r.Cycle,
	}
	if r.ScheduledAt.Valid {
		c.ScheduledAt = time.Unix(r.ScheduledAt.Int64, 0)
	}
	var err error
	if c.Content.Entities, err = decodeEntities(r.Entities); err != nil {
		return c, fmt.Errorf("campaign %d entities: %w", r.ID, err)
	}
	if r.AccountIDs != "" {
		if err := json.Unmarshal([]byte(r.AccountIDs), &c.AccountIDs); err != nil {
			return c, fmt.Errorf("campaign %d account_ids: %w", r.ID, err)
		}
	}
	return c, nil
}

func decodeEntities(s string) ([]provider.Entity, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var out []provider.Entity
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func (s *DB) GetCampaign(ctx context.Context, id int64) (campaign.Campaign, error) {
	var r campaignRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, fmt.Errorf("campaign %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return campaign.Campaign{}, err
	}
	return r.campaign()
}

func (s *DB) GetTemplate(ctx context.Context, id int64) (campaign.Template, error) {
	var r templateRow
	err := s.db.GetContext(ctx, &r,
		s.q(`SELECT id, client_id, text, entities, media_kind, media_ref FROM templates WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Template{}, fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return campaign.Template{}, err
	}
	ents, err := decodeEntities(r.Entities)
	if err != nil {
		return campaign.Template{}, fmt.Errorf("template %d entities: %w", id, err)
	}
	return campaign.Template{
		ID:       r.ID,
		ClientID: r.ClientID,
		Content: provider.Content{
			Text:      r.Text,
			Entities:  ents,
			MediaRef:  r.MediaRef,
			MediaKind: provider.MediaKind(r.MediaKind),
		},
	}, nil
}

const accountColumns = `id, client_id, label, credential, is_active, is_alive`

// AccountsByID returns the accounts in ids order; unknown ids are skipped.
func (s *DB) AccountsByID(ctx context.Context, ids []int64) ([]campaign.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+accountColumns+` FROM accounts WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, err
	}
	byID := make(map[int64]accountRow, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	out := make([]campaign.Account, 0, len(rows))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r.account())
		}
	}
	return out, nil
}

func (s *DB) ClientAccounts(ctx context.Context, clientID int64) ([]campaign.Account, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT `+accountColumns+` FROM accounts WHERE client_id = ? ORDER BY id`), clientID)
	if err != nil {
		return nil, err
	}
	out := make([]campaign.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.account())
	}
	return out, nil
}

func (s *DB) SetCampaignStatus(ctx context.Context, id int64, status campaign.Status) error {
	return s.execOne(ctx, id, `UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now().Unix(), id)
}

// SetCampaignCycle only ever raises the stored cycle.
func (s *DB) SetCampaignCycle(ctx context.Context, id int64, cycle int) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE campaigns SET cycle = ?, updated_at = ? WHERE id = ? AND cycle < ?`),
		cycle, s.now().Unix(), id, cycle)
	return err
}

func (s *DB) execOne(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("campaign %d: %w", id, ErrNotFound)
	}
	return nil
}

// AppendDeliveryLog writes the log row and bumps the campaign totals and the
// client's daily analytics in one transaction. Skips and flood waits are
// logged but not counted.
func (s *DB) AppendDeliveryLog(ctx context.Context, l campaign.DeliveryLog) error {
	at := l.At
	if at.IsZero() {
		at = s.now()
	}
	var success, failed int
	switch l.Status {
	case campaign.OutcomeSent:
		success = 1
	case campaign.OutcomeFailed, campaign.OutcomeDeferred:
		failed = 1
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO delivery_logs
		(campaign_id, account_id, client_id, target, status, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		l.CampaignID, l.AccountID, l.ClientID, l.Target, string(l.Status), l.Error, at.Unix()); err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}
	if success+failed > 0 {
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE campaigns
			SET total_sent = total_sent + ?, total_failed = total_failed + ? WHERE id = ?`),
			success, failed, l.CampaignID); err != nil {
			return fmt.Errorf("bump campaign totals: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO analytics_daily (client_id, day, total, success, failed)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT (client_id, day) DO UPDATE SET
				total = analytics_daily.total + 1,
				success = analytics_daily.success + excluded.success,
				failed = analytics_daily.failed + excluded.failed`),
			l.ClientID, at.UTC().Format("2006-01-02"), success, failed); err != nil {
			return fmt.Errorf("upsert daily analytics: %w", err)
		}
	}
	return tx.Commit()
}

// DueCampaigns lists draft campaigns whose scheduled start has passed.
func (s *DB) DueCampaigns(ctx context.Context, now time.Time) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, s.q(`SELECT id FROM campaigns
		WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ? ORDER BY scheduled_at, id`),
		string(campaign.StatusDraft), now.Unix())
	return ids, err
}

// Stats returns the counters of one campaign.
func (s *DB) Stats(ctx context.Context, id int64) (CampaignStats, error) {
	var st CampaignStats
	err := s.db.GetContext(ctx, &st, s.q(`SELECT total_sent, total_failed FROM campaigns WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("campaign %d: %w", id, ErrNotFound)
	}
	return st, err
}

func (s *DB) Daily(ctx context.Context, clientID int64, day string) (DailyStats, error) {
	st := DailyStats{ClientID: clientID, Day: day}
	err := s.db.GetContext(ctx, &st, s.q(`SELECT client_id, day, total, success, failed
		FROM analytics_daily WHERE client_id = ? AND day = ?`), clientID, day)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	return st, err
}

// RecentLogs returns the newest delivery log rows of a campaign.
func (s *DB) RecentLogs(ctx context.Context, campaignID int64, limit int) ([]campaign.DeliveryLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []struct {
		CampaignID int64  `db:"campaign_id"`
		AccountID  int64  `db:"account_id"`
		ClientID   int64  `db:"client_id"`
		Target     string `db:"target"`
		Status     string `db:"status"`
		Error      string `db:"error"`
		CreatedAt  int64  `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT campaign_id, account_id, client_id, target, status, error, created_at
		FROM delivery_logs WHERE campaign_id = ? ORDER BY id DESC LIMIT ?`), campaignID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]campaign.DeliveryLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, campaign.DeliveryLog{
			CampaignID: r.CampaignID,
			AccountID:  r.AccountID,
			ClientID:   r.ClientID,
			Target:     r.Target,
			Status:     campaign.OutcomeStatus(r.Status),
			Error:      r.Error,
			At:         time.Unix(r.CreatedAt, 0),
		})
	}
	return out, nil
}

// CreateAccount inserts an account and returns its id.
func (s *DB) CreateAccount(ctx context.Context, a campaign.Account) (int64, error) {
	return s.insert(ctx, `INSERT INTO accounts (client_id, label, credential, is_active, is_alive, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		a.ClientID, a.Label, a.Credential, a.Active, a.Alive, s.now().Unix())
}

func (s *DB) CreateTemplate(ctx context.Context, t campaign.Template, name string) (int64, error) {
	return s.insert(ctx, `INSERT INTO templates (client_id, name, text, entities, media_kind, media_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		t.ClientID, name, t.Content.Text, encodeJSON(t.Content.Entities),
		string(t.Content.MediaKind), t.Content.MediaRef, s.now().Unix())
}

// CreateCampaign inserts a campaign; Status defaults to draft.
func (s *DB) CreateCampaign(ctx context.Context, c campaign.Campaign) (int64, error) {
	status := c.Status
	if status == "" {
		status = campaign.StatusDraft
	}
	mode := c.Mode
	if mode == "" {
		mode = campaign.ModeDirect
	}
	var scheduled sql.NullInt64
	if !c.ScheduledAt.IsZero() {
		scheduled = sql.NullInt64{Int64: c.ScheduledAt.Unix(), Valid: true}
	}
	now := s.now().Unix()
	return s.insert(ctx, `INSERT INTO campaigns (client_id, name, status, send_mode, text, entities, media_kind, media_ref,
		forward_chat_id, forward_handle, forward_message_id, account_ids, account_id, template_id, cycle,
		scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		c.ClientID, c.Name, string(status), string(mode), c.Content.Text, encodeJSON(c.Content.Entities),
		string(c.Content.MediaKind), c.Content.MediaRef,
		c.Forward.ChatID, c.Forward.Handle, c.Forward.MessageID, encodeJSON(c.AccountIDs), c.AccountID,
		c.TemplateID, c.Cycle, scheduled, now, now)
}

func (s *DB) insert(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := s.db.QueryRowxContext(ctx, s.q(query), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
