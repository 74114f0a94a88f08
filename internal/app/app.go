// Package app wires configuration, transport, storage, the notification
// engine and the upgrade orchestrator into one runnable unit.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"matchbot/internal/config"
	"matchbot/internal/eventbus"
	"matchbot/internal/notify"
	"matchbot/internal/storage"
	kit "matchbot/internal/transport"
	"matchbot/internal/transport/telegram"
	"matchbot/internal/upgrade"
	logx "matchbot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	adapter  *telegram.Adapter
	bus      eventbus.Bus
	store    storage.Store
	engine   *notify.Engine
	registry *upgrade.Registry
	orch     *upgrade.Orchestrator

	activity *activityTracker
	queue    *queueTracker

	owners  map[string]struct{}
	updates chan kit.Update

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New builds the full component graph from the config file at path.
// Nothing is started; callers run Start (bot mode) or use Orchestrator
// directly (upgrade CLI).
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	mgr.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	adapter, err := telegram.New(telegramConfig(cfg), logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(loggingConfig(cfg), adapter)
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	store := storage.NewDisabled()
	if cfg.Storage != nil {
		store, err = storage.Open(storageConfig(cfg), log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	bus := eventbus.New()
	engine := notify.New(notifyConfig(cfg), adapter, log.With(logx.String("comp", "notify")), bus, store)

	activity := newActivityTracker()
	queue := newQueueTracker()

	registry := upgrade.NewRegistry()
	cache := upgrade.NewResourceCache()
	upgrade.RegisterBuiltins(registry, upgrade.Deps{
		Log:      log.With(logx.String("comp", "upgrade")),
		Store:    store,
		Adapter:  adapter,
		Bus:      bus,
		Engine:   engine,
		Cache:    cache,
		Queue:    queue,
		Activity: activity,
		Prefs:    prefsSource{store: store},
	})
	orch := upgrade.New(registry, cache, log.With(logx.String("comp", "upgrade")), bus)

	owners := make(map[string]struct{}, len(cfg.Telegram.OwnerUserIDs))
	for _, id := range cfg.Telegram.OwnerUserIDs {
		owners[strconv.FormatInt(id, 10)] = struct{}{}
	}

	return &App{
		cfgMgr:   mgr,
		logSvc:   logSvc,
		log:      log.With(logx.String("comp", "app")),
		adapter:  adapter,
		bus:      bus,
		store:    store,
		engine:   engine,
		registry: registry,
		orch:     orch,
		activity: activity,
		queue:    queue,
		owners:   owners,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Accessors for embedding: the matchmaking side of the bot drives prompts
// and queue membership through these.
func (a *App) Engine() *notify.Engine             { return a.engine }
func (a *App) Orchestrator() *upgrade.Orchestrator { return a.orch }
func (a *App) Bus() eventbus.Bus                   { return a.bus }
func (a *App) Config() *config.Config              { return a.cfgMgr.Get() }
func (a *App) MarkQueued(recipientID string)       { a.queue.Join(recipientID) }
func (a *App) MarkLeft(recipientID string)         { a.queue.Leave(recipientID) }

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	if err := a.adapter.Start(rctx, a.updates); err != nil {
		return err
	}
	if err := a.engine.Start(rctx); err != nil {
		return err
	}

	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		a.updateLoop(rctx)
	}()
	go func() {
		defer a.wg.Done()
		a.reloadLoop(rctx)
	}()
	go func() {
		defer a.wg.Done()
		if err := a.cfgMgr.Watch(rctx); err != nil && rctx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	wasRunning := a.running
	a.running = false
	a.mu.Unlock()

	if !wasRunning {
		return
	}
	if cancel != nil {
		cancel()
	}

	a.engine.Stop(ctx)
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop", logx.Err(err))
	}
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("stopped")
	a.logSvc.Close()
}

// Close releases resources for an App that was never started (upgrade CLI).
func (a *App) Close() {
	_ = a.store.Close()
	a.logSvc.Close()
}

// updateLoop routes inbound messages: owner slash commands get handled
// here, everything else is treated as a possible prompt response.
func (a *App) updateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-a.updates:
			if up.Kind != kit.UpdateMessage || up.Message == nil {
				continue
			}
			m := up.Message
			a.activity.touch(m.FromID)

			text := strings.TrimSpace(m.Text)
			if text == "" {
				continue
			}
			if strings.HasPrefix(text, "/") {
				a.handleCommand(ctx, m, text)
				continue
			}
			if a.engine.HandleResponse(ctx, m.FromID, text) {
				a.log.Debug("response consumed",
					logx.String("from", m.FromID), logx.String("text", text))
			}
		}
	}
}

func (a *App) handleCommand(ctx context.Context, m *kit.Message, text string) {
	if _, ok := a.owners[m.FromID]; !ok {
		return
	}
	cmd := text
	if i := strings.IndexAny(cmd, " @"); i > 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/pending":
		out := a.engine.Outstanding()
		reply := fmt.Sprintf("%d outstanding prompt(s)", len(out))
		for _, n := range out {
			reply += fmt.Sprintf("\n- %s %s tier%d", n.RecipientID, n.Kind, n.Tier)
		}
		a.replyDM(ctx, m.FromID, reply)
	case "/audit":
		rows, err := a.store.RecentAudit(ctx, 10)
		if err != nil {
			a.replyDM(ctx, m.FromID, "audit unavailable: "+err.Error())
			return
		}
		if len(rows) == 0 {
			a.replyDM(ctx, m.FromID, "audit log is empty")
			return
		}
		var b strings.Builder
		for _, r := range rows {
			fmt.Fprintf(&b, "%s %s/%s %s\n",
				r.At.Format(time.RFC3339), r.Category, r.Kind, r.Recipient)
		}
		a.replyDM(ctx, m.FromID, strings.TrimRight(b.String(), "\n"))
	}
}

func (a *App) replyDM(ctx context.Context, userID, text string) {
	if _, err := a.adapter.SendDM(ctx, userID, text); err != nil {
		a.log.Warn("reply failed", logx.String("to", userID), logx.Err(err))
	}
}

// reloadLoop applies committed config changes to the live components.
// Transport identity (token, home group) cannot change without a restart.
func (a *App) reloadLoop(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(ch)

	prev := a.cfgMgr.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logSvc.Apply(loggingConfig(cfg))
			a.engine.Apply(notifyConfig(cfg))
			if prev != nil && (cfg.Telegram.Token != prev.Telegram.Token ||
				cfg.Telegram.GroupID != prev.Telegram.GroupID) {
				a.log.Warn("telegram identity changed, restart required to take effect")
			}
			prev = cfg
			a.log.Info("config reloaded")
		}
	}
}
