package campaign

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bumpcast/internal/provider"
	"bumpcast/internal/provider/providertest"
	logx "bumpcast/pkg/logx"
)

func newTestExecutor() (*Executor, *fakeClock) {
	clock := newFakeClock()
	return NewExecutor(testPacing(), clock, logx.Nop()), clock
}

var direct = Message{Mode: ModeDirect, Content: provider.Content{Text: "hello"}}

func ops(s *providertest.Session) []string {
	var out []string
	for _, c := range s.Calls() {
		out = append(out, c.Op)
	}
	return out
}

func TestDeliverDirectSend(t *testing.T) {
	t.Parallel()
	x, _ := newTestExecutor()
	d := dests(1)[0]
	sess := providertest.NewSession(d)

	out := x.Deliver(context.Background(), sess, d, direct)
	require.Len(t, out, 1)
	assert.Equal(t, OutcomeSent, out[0].Status)
	assert.Equal(t, "chat-a", out[0].Target)
	assert.Equal(t, 1, sess.CountOp("send"))
}

func TestDeliverPreChecks(t *testing.T) {
	t.Parallel()
	d := dests(1)[0]

	tests := []struct {
		name   string
		target provider.Target
		status OutcomeStatus
		reason string
		sends  int
	}{
		{"send forbidden", provider.Target{Destination: d, SendForbidden: true}, OutcomeSkipped, "no posting permission", 0},
		{"slow mode", provider.Target{Destination: d, SlowModeSeconds: 30}, OutcomeSkipped, "slow mode 30s", 0},
		{"override", provider.Target{Destination: d, SendForbidden: true, SlowModeSeconds: 30, RightsOverride: true}, OutcomeSent, "", 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			x, _ := newTestExecutor()
			sess := providertest.NewSession(d).SetTarget(tt.target)
			out := x.Deliver(context.Background(), sess, d, direct)
			require.Len(t, out, 1)
			assert.Equal(t, tt.status, out[0].Status)
			assert.Equal(t, tt.reason, out[0].Reason)
			assert.Equal(t, tt.sends, sess.CountOp("send"))
		})
	}
}

func TestDeliverClassifiesErrors(t *testing.T) {
	t.Parallel()
	d := dests(1)[0]

	tests := []struct {
		name   string
		err    error
		status OutcomeStatus
		class  ErrorClass
		reason string
	}{
		{"flood", provider.Flood(30 * time.Second), OutcomeFloodWait, ClassThrottle, "flood wait 30s"},
		{"slow mode", provider.SlowMode(12 * time.Second), OutcomeSkipped, ClassPermission, "slow mode 12s"},
		{"admin", provider.NewError(provider.CodeAdminRequired, "x"), OutcomeFailed, ClassPermission, "admin required"},
		{"too long", provider.NewError(provider.CodeMessageTooLong, "x"), OutcomeFailed, ClassContent, "message too long"},
		{"invalid", provider.NewError(provider.CodeInvalidPeer, "x"), OutcomeFailed, ClassContent, "invalid destination"},
		{"private", provider.NewError(provider.CodePrivate, "x"), OutcomeFailed, ClassContent, "private destination"},
		{"auth", provider.NewError(provider.CodeUnauthorized, "x"), OutcomeFailed, ClassAuth, "unauthorized"},
		{"other", errors.New(strings.Repeat("z", 200)), OutcomeFailed, ClassNone, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			x, _ := newTestExecutor()
			sess := providertest.NewSession(d).ScriptSend(d.ID, 0, tt.err)
			out := x.Deliver(context.Background(), sess, d, direct)
			require.Len(t, out, 1)
			o := out[0]
			assert.Equal(t, tt.status, o.Status)
			assert.Equal(t, tt.class, o.Class)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, o.Reason)
			} else {
				assert.LessOrEqual(t, len([]rune(o.Reason)), maxReasonLen)
			}
		})
	}
}

func TestDeliverFloodCarriesWait(t *testing.T) {
	t.Parallel()
	x, _ := newTestExecutor()
	d := dests(1)[0]
	sess := providertest.NewSession(d).ScriptSend(d.ID, 0, provider.Flood(45*time.Second))

	out := x.Deliver(context.Background(), sess, d, direct)
	require.Len(t, out, 1)
	assert.Equal(t, 45*time.Second, out[0].Wait)
}

func TestDeliverForumFanOut(t *testing.T) {
	t.Parallel()
	x, clock := newTestExecutor()
	d := provider.Destination{ID: 9, Name: "Market", IsForum: true}
	sess := providertest.NewSession(d).SetTopics(d.ID,
		provider.Topic{ID: 1, Title: "General"},
		provider.Topic{ID: 2, Title: "Archive", Closed: true},
		provider.Topic{ID: 3, Title: "Deals"},
	)

	out := x.Deliver(context.Background(), sess, d, direct)
	require.Len(t, out, 2)
	assert.Equal(t, "Market > General", out[0].Target)
	assert.Equal(t, "Market > Deals", out[1].Target)
	for _, o := range out {
		assert.Equal(t, OutcomeSent, o.Status)
	}
	assert.Equal(t, []time.Duration{60 * time.Second}, clock.Sleeps())

	var topics []int
	for _, c := range sess.Calls() {
		if c.Op == "send" {
			topics = append(topics, c.TopicID)
		}
	}
	assert.Equal(t, []int{1, 3}, topics)
}

func TestDeliverForumAllClosed(t *testing.T) {
	t.Parallel()
	x, _ := newTestExecutor()
	d := provider.Destination{ID: 9, Name: "Market", IsForum: true}
	sess := providertest.NewSession(d).SetTopics(d.ID, provider.Topic{ID: 2, Title: "Archive", Closed: true})

	out := x.Deliver(context.Background(), sess, d, direct)
	require.Len(t, out, 1)
	assert.Equal(t, OutcomeFailed, out[0].Status)
	assert.Equal(t, "all topics closed", out[0].Reason)
	assert.Zero(t, sess.CountOp("send"))
}

func TestDeliverForumSlowModeAbortsRemainingTopics(t *testing.T) {
	t.Parallel()
	x, _ := newTestExecutor()
	d := provider.Destination{ID: 9, Name: "Market", IsForum: true}
	sess := providertest.NewSession(d).
		SetTopics(d.ID, provider.Topic{ID: 1, Title: "General"}, provider.Topic{ID: 3, Title: "Deals"}).
		ScriptSend(d.ID, 1, provider.SlowMode(10*time.Second))

	out := x.Deliver(context.Background(), sess, d, direct)
	require.Len(t, out, 1)
	assert.Equal(t, OutcomeSkipped, out[0].Status)
	assert.Equal(t, "forum slow mode 10s", out[0].Reason)
	assert.Equal(t, 1, sess.CountOp("send"))
}

func TestDeliverForumFloodAbortsRemainingTopics(t *testing.T) {
	t.Parallel()
	x, _ := newTestExecutor()
	d := provider.Destination{ID: 9, Name: "Market", IsForum: true}
	sess := providertest.NewSession(d).
		SetTopics(d.ID, provider.Topic{ID: 1, Title: "General"}, provider.Topic{ID: 3, Title: "Deals"}, provider.Topic{ID: 4, Title: "Misc"}).
		ScriptSend(d.ID, 3, provider.Flood(20*time.Second))

	out := x.Deliver(context.Background(), sess, d, direct)
	require.Len(t, out, 2)
	assert.Equal(t, OutcomeSent, out[0].Status)
	assert.Equal(t, OutcomeFloodWait, out[1].Status)
	assert.Equal(t, 2, sess.CountOp("send"))
}

func TestSelfHealRejoinsAndRetries(t *testing.T) {
	t.Parallel()
	x, clock := newTestExecutor()
	d := dests(1)[0]
	sess := providertest.NewSession(d).ScriptSend(d.ID, 0, provider.NewError(provider.CodeBanned, "kicked"))

	out := x.Deliver(context.Background(), sess, d, direct)
	require.Len(t, out, 1)
	assert.Equal(t, OutcomeSent, out[0].Status)
	assert.Equal(t, HealRejoined, out[0].SelfHeal)
	assert.Equal(t, []string{"send", "leave", "join", "send"}, ops(sess))
	assert.Equal(t, []time.Duration{2 * time.Second, time.Second}, clock.Sleeps())
}

func TestSelfHealFailureIsFinal(t *testing.T) {
	t.Parallel()
	ban := provider.NewError(provider.CodeWriteForbidden, "no rights")
	d := dests(1)[0]

	t.Run("retry fails", func(t *testing.T) {
		t.Parallel()
		x, _ := newTestExecutor()
		sess := providertest.NewSession(d).ScriptSend(d.ID, 0, ban, ban)
		out := x.Deliver(context.Background(), sess, d, direct)
		require.Len(t, out, 1)
		assert.Equal(t, OutcomeFailed, out[0].Status)
		assert.Equal(t, "banned - rejoin failed", out[0].Reason)
		assert.Equal(t, HealRejoinFail, out[0].SelfHeal)
		assert.Equal(t, 2, sess.CountOp("send"))
	})

	t.Run("join fails", func(t *testing.T) {
		t.Parallel()
		x, _ := newTestExecutor()
		sess := providertest.NewSession(d).
			ScriptSend(d.ID, 0, ban).
			FailJoin(d.ID, provider.NewError(provider.CodePrivate, "invite only"))
		out := x.Deliver(context.Background(), sess, d, direct)
		require.Len(t, out, 1)
		assert.Equal(t, "banned - rejoin failed", out[0].Reason)
		assert.Equal(t, []string{"send", "leave", "join"}, ops(sess))
	})
}

func TestBanWithoutRejoinNeverLeaves(t *testing.T) {
	t.Parallel()
	x, clock := newTestExecutor()
	d := dests(1)[0]
	sess := providertest.NewSession(d).ScriptSend(d.ID, 0, provider.NewError(provider.CodeWriteForbidden, "muted"))

	out := x.Deliver(context.Background(), providertest.NoRejoin(sess), d, direct)
	require.Len(t, out, 1)
	assert.Equal(t, OutcomeFailed, out[0].Status)
	assert.Equal(t, ClassAccess, out[0].Class)
	assert.Equal(t, "write forbidden", out[0].Reason)
	assert.Equal(t, HealNone, out[0].SelfHeal)
	assert.Equal(t, []string{"send"}, ops(sess))
	assert.Empty(t, clock.Sleeps())
}

func TestStopDuringBannedSendStillRejoins(t *testing.T) {
	t.Parallel()
	x, _ := newTestExecutor()
	d := dests(1)[0]
	sess := providertest.NewSession(d).ScriptSend(d.ID, 0, provider.NewError(provider.CodeBanned, "kicked"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.OnCall = func(providertest.Call) { cancel() }

	out := x.Deliver(ctx, sess, d, direct)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"send", "leave", "join"}, ops(sess))
	assert.Equal(t, OutcomeFailed, out[0].Status)
	assert.Equal(t, HealRejoined, out[0].SelfHeal)
	assert.Equal(t, "banned - rejoined, not retried", out[0].Reason)
}

func TestForwardToForumPicksGeneralTopic(t *testing.T) {
	t.Parallel()
	x, _ := newTestExecutor()
	d := provider.Destination{ID: 9, Name: "Market", IsForum: true}
	sess := providertest.NewSession(d).SetTopics(d.ID,
		provider.Topic{ID: 5, Title: "Deals"},
		provider.Topic{ID: 7, Title: " general "},
	)
	msg := Message{Mode: ModeForward, Forward: provider.ForwardRef{ChatID: -100, MessageID: 42}}

	out := x.Deliver(context.Background(), sess, d, msg)
	require.Len(t, out, 1)
	assert.Equal(t, OutcomeSent, out[0].Status)
	assert.Equal(t, "Market >  general ", out[0].Target)

	calls := sess.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "forward", calls[0].Op)
	assert.Equal(t, 7, calls[0].TopicID)
}

func TestForwardResolvesHandle(t *testing.T) {
	t.Parallel()
	d := dests(1)[0]

	x, _ := newTestExecutor()
	sess := providertest.NewSession(d).SetHandle("source", -200)
	msg := Message{Mode: ModeForward, Forward: provider.ForwardRef{Handle: "@source", MessageID: 3}}
	out := x.Deliver(context.Background(), sess, d, msg)
	require.Len(t, out, 1)
	assert.Equal(t, OutcomeSent, out[0].Status)

	x2, _ := newTestExecutor()
	sess2 := providertest.NewSession(d)
	out = x2.Deliver(context.Background(), sess2, d, msg)
	require.Len(t, out, 1)
	assert.Equal(t, OutcomeFailed, out[0].Status)
	assert.True(t, strings.HasPrefix(out[0].Reason, "cannot resolve forward source"))
	assert.Zero(t, sess2.CountOp("forward"))
}

func TestForwardWithoutSource(t *testing.T) {
	t.Parallel()
	x, _ := newTestExecutor()
	d := dests(1)[0]
	sess := providertest.NewSession(d)

	out := x.Deliver(context.Background(), sess, d, Message{Mode: ModeForward, Forward: provider.ForwardRef{MessageID: 1}})
	require.Len(t, out, 1)
	assert.Equal(t, "no forward source", out[0].Reason)

	out = x.Deliver(context.Background(), sess, d, Message{Mode: ModeForward})
	require.Len(t, out, 1)
	assert.Equal(t, "no forward message", out[0].Reason)
}

func TestResolveFailureIsFailedOutcome(t *testing.T) {
	t.Parallel()
	x, _ := newTestExecutor()
	d := dests(1)[0]
	sess := providertest.NewSession(d).FailResolve(d.ID, provider.NewError(provider.CodeInvalidPeer, "gone"))

	out := x.Deliver(context.Background(), sess, d, direct)
	require.Len(t, out, 1)
	assert.Equal(t, OutcomeFailed, out[0].Status)
	assert.Equal(t, "invalid destination", out[0].Reason)
	assert.Zero(t, sess.CountOp("send"))
}
