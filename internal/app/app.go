// Package app wires configuration, transport, the dispatch scheduler and
// its supporting services into one process and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bulkdm/internal/commands"
	"bulkdm/internal/config"
	"bulkdm/internal/delivery"
	"bulkdm/internal/dispatch"
	"bulkdm/internal/eventbus"
	"bulkdm/internal/health"
	"bulkdm/internal/metrics"
	"bulkdm/internal/roster"
	"bulkdm/internal/runtime/supervisor"
	"bulkdm/internal/storage"
	kit "bulkdm/internal/transport"
	telegram "bulkdm/internal/transport/telegram/adapter"
	"bulkdm/internal/transport/telegram/router"
	logx "bulkdm/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	adapter *telegram.Adapter
	sender  *delivery.Sender
	sched   *dispatch.Scheduler
	roster  *roster.Resolver
	pruner  *roster.Pruner
	audit   *commands.Auditor

	metrics  *metrics.Metrics
	health   *health.Server // nil when disabled
	notifier *health.Notifier

	cmdm *router.CommandManager
	serv *router.Services

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", driverName(sc.Driver)))

	bounds, err := cfg.Dispatch.Bounds()
	if err != nil {
		return nil, err
	}
	sendTimeout, err := cfg.Dispatch.Timeout()
	if err != nil {
		return nil, err
	}
	retention, err := cfg.Roster.RetentionOrDefault()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	sender := delivery.NewSender(ad, delivery.SenderOptions{
		RatePerSec: cfg.Dispatch.SendRate(),
		Timeout:    sendTimeout,
		Log:        log.With(logx.String("comp", "delivery")),
	})
	sched, err := dispatch.New(dispatch.Options{
		Sender:  sender,
		Display: delivery.NewBoard(ad),
		Bounds:  bounds,
		Logger:  log.With(logx.String("comp", "dispatch")),
		Bus:     bus,
	})
	if err != nil {
		return nil, err
	}

	rs := roster.New(store, ad, log.With(logx.String("comp", "roster")))
	pruner, err := roster.NewPruner(store, cfg.Roster.Schedule(), retention, log)
	if err != nil {
		return nil, err
	}
	audit := commands.NewAuditor(store, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg, bus.Dropped)

	serv := &router.Services{RuntimeSupervisors: router.NewSupervisorRegistry()}
	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")),
		ad, cfgm, serv, cfg.Telegram.OwnerUserIDs)
	cmdm.AddObserver(rs)
	cmdm.SetRegistry(commands.New(commands.Deps{
		Queue:  sched,
		Roster: rs,
		Audit:  audit,
		Log:    log,
	}).Commands())

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		sender:   sender,
		sched:    sched,
		roster:   rs,
		pruner:   pruner,
		audit:    audit,
		metrics:  m,
		notifier: health.NewNotifier(log),
		cmdm:     cmdm,
		serv:     serv,
		updates:  make(chan kit.Update, 256),
	}
	if cfg.Health.Enabled {
		a.health = health.NewServer(health.Config{Addr: cfg.Health.ListenAddr()}, reg, log)
		a.health.SetStatus(a.status)
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.serv.AppSupervisor = a.sup

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		retention, err := cfg.Roster.RetentionOrDefault()
		if err != nil {
			return err
		}
		_, err = roster.NewPruner(a.store, cfg.Roster.Schedule(), retention, logx.Nop())
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if sup := a.adapter.Supervisor(); sup != nil {
		a.serv.RuntimeSupervisors.Set("telegram.adapter", sup)
	}
	me := a.adapter.Me()
	a.roster.SetSelf(me.ID)
	a.log.Info("logged in", logx.String("bot", "@"+me.Username), logx.Int64("bot_id", me.ID))

	if err := a.pruner.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.Go("audit", func(c context.Context) error { return a.audit.Run(c, a.bus) })

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.health != nil {
		// hosts poll the keep-alive port; give up and exit once it keeps failing
		a.sup.GoRestart("health.http", a.health.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			supervisor.WithMaxRestarts(12),
			supervisor.WithFatalOnFinalError(true),
		)
	}
	if a.cfgm.Get().Health.Watchdog {
		a.sup.Go("systemd.watchdog", a.notifier.RunWatchdog)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// keep only the latest config
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifier.Ready()
	a.log.Info("app started")
	return nil
}

// applyConfig pushes the hot-reloadable parts of newCfg into the running services.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if b, err := newCfg.Dispatch.Bounds(); err != nil {
		a.log.Warn("invalid dispatch bounds; keeping previous", logx.Err(err))
	} else if err := a.sched.SetBounds(b); err != nil {
		a.log.Warn("dispatch bounds rejected", logx.Err(err))
	}
	a.sender.SetRate(newCfg.Dispatch.SendRate())

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// status is served under /status on the health server.
func (a *App) status() any {
	sum := a.sched.Summary()
	return map[string]any{
		"dispatch": map[string]any{
			"state":      sum.State.String(),
			"session_id": sum.SessionID,
			"total":      sum.Total,
			"sent":       sum.Sent,
			"failed":     sum.Failed,
			"remaining":  sum.Remaining,
			"batch":      fmt.Sprintf("%d/%d", sum.Batch.Count, sum.Batch.Limit),
		},
		"supervisors":       a.serv.RuntimeSupervisors.Counters(),
		"dropped_updates":   a.adapter.Dropped(),
		"dropped_log_lines": a.logs.Dropped(),
		"dropped_events":    a.bus.Dropped(),
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifier.Stopping()

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component can't stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("dispatch", time.Second, func(context.Context) error {
		if n := a.sched.Snapshot().Remaining; n > 0 {
			a.log.Warn("shutting down with queued items", logx.Int("dropped", n))
		}
		a.sched.Close()
		return nil
	})
	step("roster.pruner", time.Second, func(c context.Context) error { a.pruner.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func driverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}
