package campaign

import (
	"context"
	"fmt"
	"strings"

	"bumpcast/internal/provider"
	logx "bumpcast/pkg/logx"
)

// Executor delivers one message to one destination and reports one outcome
// per chat or forum topic it touched. It never returns an error: every
// provider failure is folded into an Outcome.
type Executor struct {
	pacing Pacing
	clock  Clock
	log    logx.Logger
}

func NewExecutor(p Pacing, clock Clock, log logx.Logger) *Executor {
	if clock == nil {
		clock = SystemClock{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{pacing: p.Normalize(), clock: clock, log: log}
}

// call derives the context of one provider call. Cancelling ctx (a stop) does
// not cut a call short; only CallTimeout does.
func (x *Executor) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), x.pacing.CallTimeout)
}

// Deliver sends or forwards msg to dest over sess. ctx cancellation only cuts
// the pauses between calls (forum topic pauses, self-heal pauses).
func (x *Executor) Deliver(ctx context.Context, sess provider.Session, dest provider.Destination, msg Message) []Outcome {
	label := dest.Label()

	var src provider.ForwardRef
	if msg.Mode == ModeForward {
		ref, o, ok := x.forwardSource(ctx, sess, label, msg.Forward)
		if !ok {
			return []Outcome{o}
		}
		src = ref
	}

	cctx, cancel := x.call(ctx)
	t, err := sess.Resolve(cctx, dest)
	cancel()
	if err != nil {
		return []Outcome{classify(label, err, x.clock.Now())}
	}

	if t.SendForbidden && !t.RightsOverride {
		return []Outcome{x.outcome(label, OutcomeSkipped, "no posting permission", ClassPermission)}
	}
	if t.SlowModeSeconds > 0 && !t.RightsOverride {
		return []Outcome{x.outcome(label, OutcomeSkipped, fmt.Sprintf("slow mode %ds", t.SlowModeSeconds), ClassPermission)}
	}

	if msg.Mode == ModeForward {
		return []Outcome{x.forward(ctx, sess, t, label, src)}
	}
	if t.IsForum {
		return x.sendForum(ctx, sess, t, label, msg.Content)
	}
	send := func(c context.Context) error { return sess.Send(c, t, 0, msg.Content) }
	return []Outcome{x.attempt(ctx, sess, t, label, send)}
}

func (x *Executor) outcome(target string, st OutcomeStatus, reason string, class ErrorClass) Outcome {
	return Outcome{Target: target, Status: st, Reason: reason, Class: class, At: x.clock.Now()}
}

// attempt runs send once and falls back to the leave/rejoin self-heal on bans.
func (x *Executor) attempt(ctx context.Context, sess provider.Session, t provider.Target, label string, send func(context.Context) error) Outcome {
	cctx, cancel := x.call(ctx)
	err := send(cctx)
	cancel()
	if err == nil {
		return x.outcome(label, OutcomeSent, "", ClassNone)
	}
	if healable(err) {
		return x.heal(ctx, sess, t, label, err, send)
	}
	return classify(label, err, x.clock.Now())
}

// heal runs the self-heal when the session can rejoin on its own. Otherwise
// the ban is final for this visit and the chat is left alone.
func (x *Executor) heal(ctx context.Context, sess provider.Session, t provider.Target, label string, cause error, send func(context.Context) error) Outcome {
	rj, ok := sess.(provider.Rejoiner)
	if !ok {
		x.log.Warn("banned from destination; session cannot rejoin, not leaving",
			logx.String("dest", label), logx.String("cause", string(provider.CodeOf(cause))))
		return classify(label, cause, x.clock.Now())
	}
	return x.selfHeal(ctx, sess, rj, t, label, cause, send)
}

// selfHeal leaves the chat, pauses, rejoins and retries the send exactly once.
// Once the leave went through, the rejoin runs to completion even if ctx is
// cancelled; only the retry is dropped on stop.
func (x *Executor) selfHeal(ctx context.Context, sess provider.Session, rj provider.Rejoiner, t provider.Target, label string, cause error, send func(context.Context) error) Outcome {
	log := x.log.With(logx.String("dest", label), logx.String("cause", string(provider.CodeOf(cause))))
	log.Warn("banned from destination; leaving and rejoining")

	fail := func(step string, err error) Outcome {
		log.Warn("self-heal failed", logx.String("step", step), logx.Err(err))
		o := x.outcome(label, OutcomeFailed, "banned - rejoin failed", ClassAccess)
		o.SelfHeal = HealRejoinFail
		return o
	}

	cctx, cancel := x.call(ctx)
	err := sess.Leave(cctx, t)
	cancel()
	if err != nil {
		return fail("leave", err)
	}

	hold := context.WithoutCancel(ctx)
	if err := x.clock.Sleep(hold, x.pacing.RejoinPause); err != nil {
		return fail("pause", err)
	}
	cctx, cancel = x.call(hold)
	err = rj.Join(cctx, t)
	cancel()
	if err != nil {
		return fail("join", err)
	}

	if err := x.clock.Sleep(ctx, x.pacing.RetryPause); err != nil {
		log.Info("rejoined; retry dropped on stop")
		o := x.outcome(label, OutcomeFailed, "banned - rejoined, not retried", ClassAccess)
		o.SelfHeal = HealRejoined
		return o
	}
	cctx, cancel = x.call(ctx)
	err = send(cctx)
	cancel()
	if err != nil {
		return fail("retry", err)
	}
	log.Info("self-heal succeeded")
	o := x.outcome(label, OutcomeSent, "rejoined", ClassNone)
	o.SelfHeal = HealRejoined
	return o
}

// sendForum posts into every open topic, pausing between topics. A throttle,
// slow mode or ban on any topic ends the visit.
func (x *Executor) sendForum(ctx context.Context, sess provider.Session, t provider.Target, label string, c provider.Content) []Outcome {
	open, o, ok := x.openTopics(ctx, sess, t, label)
	if !ok {
		return []Outcome{o}
	}

	out := make([]Outcome, 0, len(open))
	for i, tp := range open {
		if i > 0 {
			if err := x.clock.Sleep(ctx, x.pacing.TopicPause); err != nil {
				break
			}
		}
		topicLabel := label + " > " + tp.Title
		topicID := tp.ID
		send := func(c2 context.Context) error { return sess.Send(c2, t, topicID, c) }

		cctx, cancel := x.call(ctx)
		err := send(cctx)
		cancel()
		switch {
		case err == nil:
			out = append(out, x.outcome(topicLabel, OutcomeSent, "", ClassNone))
			continue
		case provider.CodeOf(err) == provider.CodeSlowMode:
			o := classify(label, err, x.clock.Now())
			o.Reason = "forum " + o.Reason
			out = append(out, o)
		case healable(err):
			out = append(out, x.heal(ctx, sess, t, label, err, send))
		default:
			out = append(out, classify(topicLabel, err, x.clock.Now()))
		}
		if aborts(err) {
			break
		}
	}
	return out
}

func (x *Executor) openTopics(ctx context.Context, sess provider.Session, t provider.Target, label string) ([]provider.Topic, Outcome, bool) {
	cctx, cancel := x.call(ctx)
	topics, err := sess.Topics(cctx, t)
	cancel()
	if err != nil {
		o := classify(label, err, x.clock.Now())
		if o.Status == OutcomeFailed {
			o.Reason = logx.Truncate("forum error: "+o.Reason, maxReasonLen)
		}
		return nil, o, false
	}
	open := topics[:0:0]
	for _, tp := range topics {
		if !tp.Closed {
			open = append(open, tp)
		}
	}
	if len(open) == 0 {
		return nil, x.outcome(label, OutcomeFailed, "all topics closed", ClassContent), false
	}
	return open, Outcome{}, true
}

// writableTopic prefers an open "general" topic (or id 1), else the first open one.
func writableTopic(open []provider.Topic) provider.Topic {
	for _, tp := range open {
		if strings.EqualFold(strings.TrimSpace(tp.Title), "general") || tp.ID == 1 {
			return tp
		}
	}
	return open[0]
}

func (x *Executor) forward(ctx context.Context, sess provider.Session, t provider.Target, label string, src provider.ForwardRef) Outcome {
	topicID := 0
	if t.IsForum {
		open, o, ok := x.openTopics(ctx, sess, t, label)
		if !ok {
			return o
		}
		tp := writableTopic(open)
		topicID = tp.ID
		label = label + " > " + tp.Title
	}
	fwd := func(c context.Context) error { return sess.Forward(c, t, topicID, src) }
	return x.attempt(ctx, sess, t, label, fwd)
}

// forwardSource makes sure the forward reference carries a chat id.
func (x *Executor) forwardSource(ctx context.Context, sess provider.Session, label string, ref provider.ForwardRef) (provider.ForwardRef, Outcome, bool) {
	if ref.MessageID == 0 {
		return ref, x.outcome(label, OutcomeFailed, "no forward message", ClassContent), false
	}
	if ref.ChatID != 0 {
		return ref, Outcome{}, true
	}
	if strings.TrimSpace(ref.Handle) == "" {
		return ref, x.outcome(label, OutcomeFailed, "no forward source", ClassContent), false
	}
	cctx, cancel := x.call(ctx)
	id, err := sess.ResolveHandle(cctx, strings.TrimPrefix(strings.TrimSpace(ref.Handle), "@"))
	cancel()
	if err != nil {
		if provider.IsUnauthorized(err) {
			return ref, classify(label, err, x.clock.Now()), false
		}
		reason := logx.Truncate("cannot resolve forward source: "+err.Error(), maxReasonLen)
		return ref, x.outcome(label, OutcomeFailed, reason, ClassContent), false
	}
	ref.ChatID = id
	return ref, Outcome{}, true
}
