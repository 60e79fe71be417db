package campaign

import (
	"math/rand"
	"time"
)

// Pacing bounds every wait a worker makes.
//
// Defaults (when fields are zero):
//   - delays: min 15s, base 25s, max 120s, jitter ±30% (NoJitter turns it off)
//   - speed-up x0.95 once 5 sends succeed in a row; failure x1.25, transient x1.5
//   - flood waits above 5m are deferred instead of slept out
//   - batch rest 60-180s after 8-12 sends; cycle rest 10-15m
//   - 60s between forum topics, 1s after a skip, 3 errors in a row -> limited for 10m
type Pacing struct {
	MinDelay  time.Duration
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
	NoJitter  bool

	SpeedupAfter    int
	SpeedupFactor   float64
	FailureFactor   float64
	TransientFactor float64

	FloodSkipThreshold time.Duration

	BatchMin     int
	BatchMax     int
	BatchRestMin time.Duration
	BatchRestMax time.Duration
	CycleRestMin time.Duration
	CycleRestMax time.Duration

	TopicPause   time.Duration
	SkippedPause time.Duration
	RejoinPause  time.Duration
	RetryPause   time.Duration

	MaxConsecutiveErrors int
	LimitedPause         time.Duration

	// StopCheck is the chunk size of long rests; stop and removal are polled between chunks.
	StopCheck time.Duration
	// CallTimeout bounds one provider call; stop never preempts a call in flight.
	CallTimeout time.Duration
}

// DefaultPacing returns the production pacing.
func DefaultPacing() Pacing {
	return Pacing{
		MinDelay:             15 * time.Second,
		BaseDelay:            25 * time.Second,
		MaxDelay:             120 * time.Second,
		Jitter:               0.30,
		SpeedupAfter:         5,
		SpeedupFactor:        0.95,
		FailureFactor:        1.25,
		TransientFactor:      1.5,
		FloodSkipThreshold:   5 * time.Minute,
		BatchMin:             8,
		BatchMax:             12,
		BatchRestMin:         60 * time.Second,
		BatchRestMax:         180 * time.Second,
		CycleRestMin:         10 * time.Minute,
		CycleRestMax:         15 * time.Minute,
		TopicPause:           60 * time.Second,
		SkippedPause:         time.Second,
		RejoinPause:          2 * time.Second,
		RetryPause:           time.Second,
		MaxConsecutiveErrors: 3,
		LimitedPause:         10 * time.Minute,
		StopCheck:            10 * time.Second,
		CallTimeout:          60 * time.Second,
	}
}

// Normalize fills zero and out-of-range fields from DefaultPacing and orders
// min/max pairs. A zero Jitter means the default; NoJitter forces it to zero.
func (p Pacing) Normalize() Pacing {
	d := DefaultPacing()
	durs := []struct{ v, def *time.Duration }{
		{&p.MinDelay, &d.MinDelay}, {&p.BaseDelay, &d.BaseDelay}, {&p.MaxDelay, &d.MaxDelay},
		{&p.FloodSkipThreshold, &d.FloodSkipThreshold},
		{&p.BatchRestMin, &d.BatchRestMin}, {&p.BatchRestMax, &d.BatchRestMax},
		{&p.CycleRestMin, &d.CycleRestMin}, {&p.CycleRestMax, &d.CycleRestMax},
		{&p.TopicPause, &d.TopicPause}, {&p.SkippedPause, &d.SkippedPause},
		{&p.RejoinPause, &d.RejoinPause}, {&p.RetryPause, &d.RetryPause},
		{&p.LimitedPause, &d.LimitedPause}, {&p.StopCheck, &d.StopCheck}, {&p.CallTimeout, &d.CallTimeout},
	}
	for _, x := range durs {
		if *x.v <= 0 {
			*x.v = *x.def
		}
	}
	switch {
	case p.NoJitter:
		p.Jitter = 0
	case p.Jitter <= 0 || p.Jitter >= 1:
		p.Jitter = d.Jitter
	}
	if p.SpeedupAfter <= 0 {
		p.SpeedupAfter = d.SpeedupAfter
	}
	if p.SpeedupFactor <= 0 || p.SpeedupFactor > 1 {
		p.SpeedupFactor = d.SpeedupFactor
	}
	if p.FailureFactor < 1 {
		p.FailureFactor = d.FailureFactor
	}
	if p.TransientFactor < 1 {
		p.TransientFactor = d.TransientFactor
	}
	if p.BatchMin <= 0 {
		p.BatchMin = d.BatchMin
	}
	if p.BatchMax < p.BatchMin {
		p.BatchMax = p.BatchMin
	}
	if p.MaxConsecutiveErrors <= 0 {
		p.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	p.BaseDelay = p.clamp(p.BaseDelay)
	if p.BatchRestMax < p.BatchRestMin {
		p.BatchRestMax = p.BatchRestMin
	}
	if p.CycleRestMax < p.CycleRestMin {
		p.CycleRestMax = p.CycleRestMin
	}
	return p
}

func (p Pacing) clamp(d time.Duration) time.Duration {
	if d < p.MinDelay {
		return p.MinDelay
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// ShouldDefer reports whether a flood wait is too long to sit out.
func (p Pacing) ShouldDefer(o Outcome) bool {
	return o.Status == OutcomeFloodWait && o.Wait > p.FloodSkipThreshold
}

// NextDelay maps the current adaptive delay and an outcome to the next delay.
// streak is the success streak including o. A flood wait returns its wait
// unchanged; skipped and deferred outcomes leave the delay as is.
func NextDelay(p Pacing, current time.Duration, streak int, o Outcome) time.Duration {
	switch o.Status {
	case OutcomeSent:
		if streak >= p.SpeedupAfter {
			return p.clamp(scale(current, p.SpeedupFactor))
		}
		return p.clamp(current)
	case OutcomeFloodWait:
		return o.Wait
	case OutcomeFailed:
		f := p.FailureFactor
		if o.Class == ClassTransient {
			f = p.TransientFactor
		}
		return p.clamp(scale(current, f))
	default:
		return current
	}
}

// Jitter spreads d by ±p.Jitter and clamps it back into [MinDelay, MaxDelay].
func Jitter(p Pacing, d time.Duration, rng *rand.Rand) time.Duration {
	if p.Jitter > 0 && rng != nil {
		d = scale(d, 1+(rng.Float64()*2-1)*p.Jitter)
	}
	return p.clamp(d)
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}

func between(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int63n(int64(hi-lo)+1))
}

// Step is what a worker does after folding an outcome.
type Step struct {
	// Wait is the pause before the next destination.
	Wait time.Duration
	// Rest is an extra batch rest taken after Wait.
	Rest time.Duration
	// Flood marks Wait as a provider-mandated wait.
	Flood bool
	// Limited asks the worker to enter the limited state before its next destination.
	Limited bool
}

// merge combines the steps of several outcomes from one destination visit.
// A flood wait wins over adaptive waits; otherwise the longest wait, the
// longest rest and any limit stick.
func (s Step) merge(o Step) Step {
	switch {
	case o.Flood && (!s.Flood || o.Wait > s.Wait):
		s.Wait, s.Flood = o.Wait, true
	case !s.Flood:
		s.Wait = max(s.Wait, o.Wait)
	}
	s.Rest = max(s.Rest, o.Rest)
	s.Limited = s.Limited || o.Limited
	return s
}

// Pacer is the per-worker adaptive state. It is not safe for concurrent use.
type Pacer struct {
	p   Pacing
	rng *rand.Rand

	delay     time.Duration
	streak    int
	errors    int
	batchSize int
	batchSent int
}

func NewPacer(p Pacing, rng *rand.Rand) *Pacer {
	p = p.Normalize()
	pc := &Pacer{p: p, rng: rng, delay: p.BaseDelay}
	pc.batchSize = pc.nextBatch()
	return pc
}

func (pc *Pacer) nextBatch() int {
	return pc.p.BatchMin + pc.rng.Intn(pc.p.BatchMax-pc.p.BatchMin+1)
}

func (pc *Pacer) Delay() time.Duration   { return pc.delay }
func (pc *Pacer) Streak() int            { return pc.streak }
func (pc *Pacer) ConsecutiveErrors() int { return pc.errors }

// Observe folds one outcome and returns the pause that should follow it.
func (pc *Pacer) Observe(o Outcome) Step {
	switch o.Status {
	case OutcomeSent:
		pc.streak++
		pc.errors = 0
		pc.delay = NextDelay(pc.p, pc.delay, pc.streak, o)
		st := Step{Wait: Jitter(pc.p, pc.delay, pc.rng)}
		pc.batchSent++
		if pc.batchSent >= pc.batchSize {
			st.Rest = between(pc.rng, pc.p.BatchRestMin, pc.p.BatchRestMax)
			pc.batchSent = 0
			pc.batchSize = pc.nextBatch()
		}
		return st
	case OutcomeFloodWait:
		pc.streak = 0
		return Step{Wait: NextDelay(pc.p, pc.delay, pc.streak, o), Flood: true}
	case OutcomeFailed:
		pc.streak = 0
		pc.errors++
		pc.delay = NextDelay(pc.p, pc.delay, pc.streak, o)
		st := Step{Wait: Jitter(pc.p, pc.delay, pc.rng)}
		if pc.errors >= pc.p.MaxConsecutiveErrors {
			st.Limited = true
			pc.errors = 0
		}
		return st
	default:
		return Step{Wait: pc.p.SkippedPause}
	}
}

// CycleRest picks the rest before the next cycle and resets the adaptive state.
func (pc *Pacer) CycleRest() time.Duration {
	pc.delay = pc.p.BaseDelay
	pc.streak = 0
	pc.errors = 0
	pc.batchSent = 0
	pc.batchSize = pc.nextBatch()
	return between(pc.rng, pc.p.CycleRestMin, pc.p.CycleRestMax)
}
