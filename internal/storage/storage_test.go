package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bumpcast/internal/campaign"
	"bumpcast/internal/provider"
	logx "bumpcast/pkg/logx"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "data", "bumpcast.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return db
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "mysql"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(context.Background(), Config{Driver: "sqlite"}, logx.Nop())
	require.Error(t, err)
}

func TestCampaignRoundTrip(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()

	a1, err := db.CreateAccount(ctx, campaign.Account{ClientID: 7, Label: "one", Credential: "tok1", Active: true, Alive: true})
	require.NoError(t, err)
	a2, err := db.CreateAccount(ctx, campaign.Account{ClientID: 7, Label: "two", Credential: "tok2"})
	require.NoError(t, err)

	tplID, err := db.CreateTemplate(ctx, campaign.Template{ClientID: 7, Content: provider.Content{
		Text:     "hello",
		Entities: []provider.Entity{{Type: provider.EntityBold, Offset: 0, Length: 5}},
	}}, "greeting")
	require.NoError(t, err)

	sched := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	id, err := db.CreateCampaign(ctx, campaign.Campaign{
		ClientID:    7,
		Name:        "spring",
		Content:     provider.Content{Text: "raw"},
		AccountIDs:  []int64{a2, a1},
		TemplateID:  tplID,
		ScheduledAt: sched,
	})
	require.NoError(t, err)

	c, err := db.GetCampaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "spring", c.Name)
	assert.Equal(t, campaign.StatusDraft, c.Status)
	assert.Equal(t, campaign.ModeDirect, c.Mode)
	assert.Equal(t, []int64{a2, a1}, c.AccountIDs)
	assert.Equal(t, sched.Unix(), c.ScheduledAt.Unix())
	assert.Empty(t, c.Content.Entities)

	tpl, err := db.GetTemplate(ctx, tplID)
	require.NoError(t, err)
	require.Len(t, tpl.Content.Entities, 1)
	assert.Equal(t, provider.EntityBold, tpl.Content.Entities[0].Type)

	accs, err := db.AccountsByID(ctx, []int64{a2, 999, a1})
	require.NoError(t, err)
	require.Len(t, accs, 2)
	assert.Equal(t, a2, accs[0].ID)
	assert.False(t, accs[0].Active)
	assert.True(t, accs[1].Active)

	all, err := db.ClientAccounts(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = db.GetCampaign(ctx, 404)
	assert.ErrorIs(t, err, campaign.ErrNotFound)
	_, err = db.GetTemplate(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.SetCampaignStatus(ctx, 404, campaign.StatusRunning), ErrNotFound)
}

func TestStatusAndCycle(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()
	id, err := db.CreateCampaign(ctx, campaign.Campaign{ClientID: 1, Name: "c"})
	require.NoError(t, err)

	require.NoError(t, db.SetCampaignStatus(ctx, id, campaign.StatusRunning))
	require.NoError(t, db.SetCampaignCycle(ctx, id, 3))
	require.NoError(t, db.SetCampaignCycle(ctx, id, 2))

	c, err := db.GetCampaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusRunning, c.Status)
	assert.Equal(t, 3, c.Cycle)
}

func TestAppendDeliveryLogCounters(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()
	id, err := db.CreateCampaign(ctx, campaign.Campaign{ClientID: 5, Name: "c"})
	require.NoError(t, err)

	at := time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC)
	for _, st := range []campaign.OutcomeStatus{
		campaign.OutcomeSent, campaign.OutcomeSent, campaign.OutcomeFailed,
		campaign.OutcomeDeferred, campaign.OutcomeSkipped, campaign.OutcomeFloodWait,
	} {
		require.NoError(t, db.AppendDeliveryLog(ctx, campaign.DeliveryLog{
			CampaignID: id, AccountID: 1, ClientID: 5, Target: "chat", Status: st, At: at,
		}))
	}

	stats, err := db.Stats(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, CampaignStats{Sent: 2, Failed: 2}, stats)

	day, err := db.Daily(ctx, 5, "2024-03-02")
	require.NoError(t, err)
	assert.Equal(t, DailyStats{ClientID: 5, Day: "2024-03-02", Total: 4, Success: 2, Failed: 2}, day)

	empty, err := db.Daily(ctx, 5, "2024-03-03")
	require.NoError(t, err)
	assert.Zero(t, empty.Total)

	logs, err := db.RecentLogs(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, logs, 6)
	assert.Equal(t, campaign.OutcomeFloodWait, logs[0].Status)
	assert.Equal(t, at.Unix(), logs[0].At.Unix())
}

func TestDueCampaigns(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	due, err := db.CreateCampaign(ctx, campaign.Campaign{ClientID: 1, Name: "due", ScheduledAt: now.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = db.CreateCampaign(ctx, campaign.Campaign{ClientID: 1, Name: "later", ScheduledAt: now.Add(time.Hour)})
	require.NoError(t, err)
	_, err = db.CreateCampaign(ctx, campaign.Campaign{ClientID: 1, Name: "unscheduled"})
	require.NoError(t, err)
	done, err := db.CreateCampaign(ctx, campaign.Campaign{ClientID: 1, Name: "stopped", ScheduledAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	require.NoError(t, db.SetCampaignStatus(ctx, done, campaign.StatusStopped))

	ids, err := db.DueCampaigns(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []int64{due}, ids)
}

func TestDirectory(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()

	require.NoError(t, db.PutDestination(ctx, 1, provider.Destination{ID: -100, Name: "old"}))
	require.NoError(t, db.PutDestination(ctx, 1, provider.Destination{ID: -100, Name: "forum", IsForum: true}))
	require.NoError(t, db.PutDestination(ctx, 1, provider.Destination{ID: -50, Name: "group", Handle: "grp"}))
	require.NoError(t, db.PutDestination(ctx, 2, provider.Destination{ID: -7, Name: "other"}))

	dests, err := db.Destinations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, dests, 2)
	assert.Equal(t, provider.Destination{ID: -100, Name: "forum", IsForum: true}, dests[0])
	assert.Equal(t, "grp", dests[1].Handle)

	require.NoError(t, db.RemoveDestination(ctx, 1, -50))
	dests, err = db.Destinations(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, dests, 1)

	require.NoError(t, db.PutTopic(ctx, -100, provider.Topic{ID: 3, Title: "news"}))
	require.NoError(t, db.PutTopic(ctx, -100, provider.Topic{ID: 1, Title: "general"}))
	require.NoError(t, db.PutTopic(ctx, -100, provider.Topic{ID: 3, Title: "news", Closed: true}))
	topics, err := db.Topics(ctx, -100)
	require.NoError(t, err)
	assert.Equal(t, []provider.Topic{{ID: 1, Title: "general"}, {ID: 3, Title: "news", Closed: true}}, topics)
}

func TestLogBots(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()

	_, err := db.LogBot(ctx, 9)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.PutLogBot(ctx, LogBot{ClientID: 9, Token: "a", TargetChatID: 1, Active: true}))
	require.NoError(t, db.PutLogBot(ctx, LogBot{ClientID: 9, Token: "b", TargetChatID: 2}))
	b, err := db.LogBot(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, LogBot{ClientID: 9, Token: "b", TargetChatID: 2}, b)
}
