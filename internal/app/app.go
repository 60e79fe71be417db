package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bumpcast/internal/campaign"
	"bumpcast/internal/config"
	"bumpcast/internal/eventbus"
	"bumpcast/internal/httpapi"
	"bumpcast/internal/logbot"
	"bumpcast/internal/metrics"
	"bumpcast/internal/provider/telegram"
	"bumpcast/internal/runtime/supervisor"
	"bumpcast/internal/scheduler"
	"bumpcast/internal/sinks/amqp"
	"bumpcast/internal/sinks/redismirror"
	"bumpcast/internal/storage"
	logx "bumpcast/pkg/logx"
)

// App wires the campaign engine to its store, provider, triggers and sinks.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.DB
	engine  *campaign.Engine
	sched   *scheduler.Service
	metrics *metrics.Metrics

	logbot *logbot.Service
	amqp   *amqp.Sink
	mirror *redismirror.Mirror
	redis  *redis.Client
	api    *httpapi.Server
}

// New loads and validates the config, opens storage and builds every component.
// Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs, log := logx.New(mapLogging(cfg))

	sc, _ := mapStorage(cfg)
	store, err := storage.Open(ctx, sc, log.Component("storage"))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()
	tc, _ := mapTelegram(cfg)
	pacing, _ := mapPacing(cfg)
	interval, logCap, _ := mapProgress(cfg)
	engine := campaign.NewEngine(store, telegram.New(tc, store, log),
		campaign.WithPacing(pacing),
		campaign.WithBus(bus),
		campaign.WithLogger(log),
		campaign.WithProgress(interval, logCap),
	)

	schedCfg, _ := mapScheduler(cfg)
	a := &App{
		cfgm:    cfgm,
		log:     log.Component("app"),
		logs:    logs,
		bus:     bus,
		store:   store,
		engine:  engine,
		sched:   scheduler.New(schedCfg, store, engine, log),
		metrics: metrics.New(bus),
	}

	if lc, enabled, _ := mapLogBot(cfg); enabled {
		a.logbot = logbot.New(lc, store, logbot.NewBotPoster(tc.APIURL), log)
	}
	if ac, enabled := mapAMQP(cfg); enabled {
		a.amqp = amqp.New(ac, nil, log)
	}
	if rc, enabled, _ := mapRedis(cfg); enabled {
		a.redis = redismirror.NewClient(rc)
		a.mirror = redismirror.New(rc, a.redis, log)
	}
	if hc, enabled, _ := mapHTTP(cfg); enabled {
		a.api = httpapi.New(hc, engine, store, a.metrics.Handler(), log)
	}
	return a, nil
}

// Engine exposes the campaign engine for one-shot runs.
func (a *App) Engine() *campaign.Engine { return a.engine }

// Store exposes the database for one-shot commands.
func (a *App) Store() *storage.DB { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional reload: a config that would fail to map is never committed.
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })
	if a.logbot != nil {
		a.sup.Go0("logbot", func(c context.Context) { a.logbot.Run(c, a.bus) })
	}
	if a.mirror != nil {
		a.sup.Go0("redismirror", func(c context.Context) { a.mirror.Run(c, a.bus) })
	}
	// The broker is optional; a lost connection is retried, never fatal.
	if a.amqp != nil {
		a.sup.GoRestart("amqp", func(c context.Context) error { return a.amqp.Run(c, a.bus) }, time.Second, 30*time.Second)
	}
	if a.api != nil {
		a.sup.GoRestart("httpapi", a.api.Run, 500*time.Millisecond, 10*time.Second)
	}
	if a.sched.Enabled() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Progress ticks are frequent; keep them out of debug output.
				if e.Type != campaign.EventProgressUpdated {
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.reload(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.log.Info("app started",
		logx.String("storage", a.store.Driver()),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("http", a.api != nil),
		logx.Bool("log_bot", a.logbot != nil),
		logx.Bool("amqp", a.amqp != nil),
		logx.Bool("redis_mirror", a.mirror != nil),
	)
	return nil
}

// reload applies the live-tunable sections of a committed config.
func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed in sections that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	if p, err := mapPacing(next); err != nil {
		a.log.Warn("invalid pacing config; keeping previous", logx.Err(err))
	} else {
		a.engine.SetPacing(p)
	}
	if interval, logCap, err := mapProgress(next); err != nil {
		a.log.Warn("invalid progress config; keeping previous", logx.Err(err))
	} else {
		a.engine.SetProgress(interval, logCap)
	}

	if a.logbot != nil {
		if lc, _, err := mapLogBot(next); err != nil {
			a.log.Warn("invalid log_bot config; keeping previous", logx.Err(err))
		} else {
			a.logbot.Apply(lc)
		}
	}

	if sc, err := mapScheduler(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.sched.Enabled()
		if err := a.sched.Apply(sc); err != nil {
			a.log.Warn("scheduler apply failed", logx.Err(err))
		}
		switch {
		case wasEnabled && !sc.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
			a.log.Info("scheduler disabled via config")
		case !wasEnabled && sc.Enabled:
			if err := a.sched.Start(ctx); err != nil {
				a.log.Warn("scheduler start failed", logx.Err(err))
			} else {
				a.log.Info("scheduler enabled via config")
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order, each step bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Triggers first so nothing new starts while runs drain.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("campaigns", 20*time.Second, a.engine.Shutdown)

	// Sinks and the API stop with the supervisor context.
	a.sup.Cancel()
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("redis", time.Second, func(context.Context) error {
		if a.redis != nil {
			return a.redis.Close()
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// close releases resources of an app that was never started.
func (a *App) close() error {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}
