// Package app assembles the daemon: configuration, storage, the platform
// adapter and the services, plus the cron loops that drive periodic work.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"stagebot/internal/bot"
	"stagebot/internal/config"
	"stagebot/internal/eventbus"
	"stagebot/internal/schedule"
	"stagebot/internal/sendqueue"
	"stagebot/internal/session"
	"stagebot/internal/sticky"
	"stagebot/internal/storage"
	"stagebot/internal/transport"
	"stagebot/internal/transport/telegram"
	"stagebot/pkg/logx"
)

const updateBuffer = 256

type App struct {
	manager *config.Manager
	logSvc  *logx.Service
	log     logx.Logger

	store   storage.Storage
	adapter transport.Adapter
	bus     eventbus.Bus
	queue   *sendqueue.Queue
	tracker *session.Tracker
	sticky  *sticky.Service
	sched   *schedule.Runner
	router  *bot.Router

	cron *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads the config and wires every component. Nothing is running yet;
// call Start.
func New(cfgPath string) (*App, error) {
	manager := config.NewManager(cfgPath)
	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	manager.SetLogger(log.With(logx.String("component", "config")))

	a := &App{manager: manager, logSvc: logSvc, log: log}
	if err := a.wire(cfg); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config) error {
	dbPath := cfg.Storage.PathOrDefault()
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	store, err := storage.NewSQLite(dbPath, busyTimeout)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	token := cfg.Telegram.ResolveToken()
	adapter, err := telegram.New(telegram.Config{
		Token:         token,
		APIRatePerSec: cfg.Telegram.APIRatePerSec,
	}, a.log.With(logx.String("component", "telegram")))
	if err != nil {
		store.Close()
		return fmt.Errorf("telegram adapter: %w", err)
	}
	a.adapter = adapter

	refill, err := config.ParseDurationOrDefault("ratelimit.refill_interval", cfg.RateLimit.RefillInterval, time.Second)
	if err != nil {
		return err
	}
	a.bus = eventbus.New()
	a.queue = sendqueue.New(cfg.RateLimit.CapacityOrDefault(), refill,
		a.log.With(logx.String("component", "sendqueue")))
	a.tracker = session.New(store, a.log.With(logx.String("component", "session")))

	cooldown, err := config.ParseDurationOrDefault("sticky.cooldown", cfg.Sticky.Cooldown, 2500*time.Millisecond)
	if err != nil {
		return err
	}
	a.sticky = sticky.New(store, adapter, cooldown,
		a.log.With(logx.String("component", "sticky")))

	loc := cfg.Schedule.Location()
	a.sched = schedule.New(store, adapter, loc,
		a.log.With(logx.String("component", "schedule")))
	a.router = bot.NewRouter(a.tracker, a.sticky, a.sched, a.queue, store, adapter, loc,
		a.log.With(logx.String("component", "router")))
	return nil
}

// Start brings the daemon up: config watcher, send queue, the update pump and
// the cron loops. It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	cfg := a.manager.Get()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.manager.Watch(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.queue.Run(runCtx)
	}()

	reloads := a.manager.Subscribe(1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.manager.Unsubscribe(reloads)
		a.applyReloads(runCtx, reloads)
	}()

	updates := make(chan transport.Update, updateBuffer)
	if err := a.adapter.Start(runCtx, updates); err != nil {
		cancel()
		return fmt.Errorf("start adapter: %w", err)
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.pump(runCtx, updates)
	}()

	events, unsub := a.bus.Subscribe(updateBuffer)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		a.dispatch(runCtx, events)
	}()

	sweepInterval, err := config.ParseDurationOrDefault("sticky.sweep_interval", cfg.Sticky.SweepInterval, time.Second)
	if err != nil {
		cancel()
		return err
	}
	a.cron = cron.New()
	// The schedule sweep must observe every wall-clock minute exactly once.
	if _, err := a.cron.AddFunc("* * * * *", func() { a.sched.Sweep(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("register schedule sweep: %w", err)
	}
	if _, err := a.cron.AddFunc(fmt.Sprintf("@every %s", sweepInterval), func() { a.sticky.Sweep(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("register sticky sweep: %w", err)
	}
	a.cron.Start()

	a.log.Info("stagebot started")
	return nil
}

// Stop shuts everything down in reverse order and waits for the goroutines.
func (a *App) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	if a.cron != nil {
		stopCtx := a.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	if a.adapter != nil {
		_ = a.adapter.Stop(ctx)
	}
	a.wg.Wait()
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("stagebot stopped")
	a.logSvc.Close()
}

// pump moves adapter updates onto the bus.
func (a *App) pump(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			a.bus.Publish(u)
		}
	}
}

// dispatch routes bus events to the services. Presence and command handling
// for one channel serialize inside the tracker; cross-channel work is free to
// interleave, so each event is handled inline here in arrival order.
func (a *App) dispatch(ctx context.Context, events <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-events:
			if !ok {
				return
			}
			switch u.Kind {
			case transport.UpdatePresence:
				if err := a.tracker.HandlePresence(ctx, *u.Presence); err != nil {
					a.log.Error("presence handling failed",
						logx.String("target", u.Presence.Target.String()), logx.Err(err))
				}
			case transport.UpdateMessage:
				if err := a.sticky.Trigger(ctx, u.Message.Target); err != nil {
					a.log.Warn("sticky trigger failed",
						logx.String("target", u.Message.Target.String()), logx.Err(err))
				}
			case transport.UpdateCommand:
				a.router.Handle(ctx, *u.Command)
				// Commands are channel activity too.
				if err := a.sticky.Trigger(ctx, u.Command.Message.Target); err != nil {
					a.log.Warn("sticky trigger failed",
						logx.String("target", u.Command.Message.Target.String()), logx.Err(err))
				}
			}
		}
	}
}

// applyReloads pushes config changes into the running components. Settings
// that require a restart (token, storage path, timezone) are left alone.
func (a *App) applyReloads(ctx context.Context, reloads <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-reloads:
			if !ok {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.ConsoleEnabled(),
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if refill, err := config.ParseDurationOrDefault("ratelimit.refill_interval", cfg.RateLimit.RefillInterval, time.Second); err == nil {
				a.queue.Apply(cfg.RateLimit.CapacityOrDefault(), refill)
			}
			if cooldown, err := config.ParseDurationOrDefault("sticky.cooldown", cfg.Sticky.Cooldown, 2500*time.Millisecond); err == nil {
				a.sticky.Apply(cooldown)
			}
			a.log.Info("runtime settings applied")
		}
	}
}
