package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"matchbot/internal/eventbus"
	"matchbot/internal/storage"
	kit "matchbot/internal/transport"
	logx "matchbot/pkg/logx"
)

// Engine owns the per-recipient prompt state and the delivery, reply and
// expiration flows. It is safe for concurrent use.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	audit   storage.Store

	state   *stateStore
	limiter *rate.Limiter

	cron    *cron.Cron
	cronID  cron.EntryID
	started bool

	// hooks, guarded by mu
	pre  PreprocessHook
	exp  ExpirationHook
	keep KeepAliveHook

	rmu        sync.Mutex
	responders map[Key]Responder

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, audit storage.Store) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		log:        log,
		adapter:    adapter,
		bus:        bus,
		audit:      audit,
		state:      newStateStore(),
		responders: map[Key]Responder{},
	}
	e.applyLocked(cfg)
	return e
}

func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Enabled
}

func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	prevSpec := e.cfg.SweepSpec
	e.applyLocked(cfg)
	newSpec := e.cfg.SweepSpec
	started := e.started
	e.mu.Unlock()

	if started && prevSpec != newSpec {
		e.rescheduleSweep(newSpec)
	}
}

func (e *Engine) applyLocked(cfg Config) {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 3
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if strings.TrimSpace(cfg.SweepSpec) == "" {
		cfg.SweepSpec = "@every 5s"
	}
	if cfg.MaxGrace <= 0 {
		cfg.MaxGrace = 60 * time.Second
	}
	e.cfg = cfg
	// Burst = rate per sec so short spikes don't block too hard.
	e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the recurring expiration sweep. The sweep timer is
// long-lived for process lifetime and stopped only at shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	c := cron.New()
	id, err := c.AddFunc(e.cfg.SweepSpec, func() {
		e.CheckExpirations(context.Background())
	})
	if err != nil {
		return fmt.Errorf("notify: bad sweep spec %q: %w", e.cfg.SweepSpec, err)
	}
	c.Start()
	e.cron = c
	e.cronID = id
	e.started = true
	e.log.Debug("expiration sweep started", logx.String("spec", e.cfg.SweepSpec))
	return nil
}

func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.started = false
	e.mu.Unlock()

	if c == nil {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (e *Engine) rescheduleSweep(spec string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron == nil {
		return
	}
	id, err := e.cron.AddFunc(spec, func() {
		e.CheckExpirations(context.Background())
	})
	if err != nil {
		e.log.Warn("sweep spec rejected, keeping previous schedule",
			logx.String("spec", spec), logx.Err(err))
		return
	}
	e.cron.Remove(e.cronID)
	e.cronID = id
}

// ---- hook registration ----

// SetPreprocessHook installs h and returns the previous hook (nil if none).
// Passing nil uninstalls.
func (e *Engine) SetPreprocessHook(h PreprocessHook) PreprocessHook {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.pre
	e.pre = h
	return prev
}

func (e *Engine) SetExpirationHook(h ExpirationHook) ExpirationHook {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.exp
	e.exp = h
	return prev
}

func (e *Engine) SetKeepAliveHook(h KeepAliveHook) KeepAliveHook {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.keep
	e.keep = h
	return prev
}

// SetResponder installs a custom handler for unrecognized replies on one
// (recipient, kind) pair. A nil responder removes the entry.
func (e *Engine) SetResponder(key Key, r Responder) {
	e.rmu.Lock()
	defer e.rmu.Unlock()
	if r == nil {
		delete(e.responders, key)
		return
	}
	e.responders[key] = r
}

// ---- send path ----

// Send delivers a prompt of the given kind and records it as outstanding.
// It reports whether the prompt was delivered (or handled by a hook that
// claimed success). Failures never propagate as errors; delivery is
// best-effort by contract.
func (e *Engine) Send(ctx context.Context, recipientID string, kind Kind, data map[string]string) (delivered bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in send", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			delivered = false
		}
	}()

	e.mu.Lock()
	cfg := e.cfg
	pre := e.pre
	keep := e.keep
	lim := e.limiter
	e.mu.Unlock()

	if !cfg.Enabled || !cfg.kindEnabled(kind) {
		e.log.Debug("send skipped: kind disabled", logx.String("kind", string(kind)))
		return false
	}

	// Keep-alive hook runs before the default queue keep-alive path and may
	// fully take over the send.
	if kind == KindMatchQueue && keep != nil {
		res, err := keep.ProcessKeepAlive(ctx, KeepAliveInput{RecipientID: recipientID, Context: data})
		if err != nil {
			e.log.Warn("keep-alive hook failed, using default path", logx.Err(err))
		} else if res.Processed {
			return res.Success
		}
	}

	if pre != nil {
		res, err := pre.PreprocessNotification(ctx, PreprocessInput{
			RecipientID: recipientID, Kind: kind, Context: data,
		})
		if err != nil {
			e.log.Warn("preprocess hook failed, proceeding", logx.Err(err))
		} else {
			if res.Skip {
				return res.Result
			}
			if res.Context != nil {
				data = res.Context
			}
		}
	}

	// Cap outstanding prompts per recipient. Overwriting an existing prompt
	// of the same kind is always allowed.
	if _, exists := e.state.get(recipientID, kind); !exists {
		if e.state.count(recipientID) >= cfg.MaxPending {
			e.log.Debug("send rejected: too many pending",
				logx.String("recipient", recipientID), logx.Int("max", cfg.MaxPending))
			return false
		}
	}

	tier := cfg.tierFor(kind)
	if !e.tierAllows(ctx, tier, recipientID) {
		return false
	}

	text := e.render(cfg, kind, data)

	via, handle, err := e.deliver(ctx, lim, cfg, recipientID, tier, text)
	if err != nil {
		e.log.Warn("delivery failed",
			logx.String("recipient", recipientID), logx.String("kind", string(kind)), logx.Err(err))
		return false
	}

	now := time.Now()
	n := Notification{
		RecipientID:    recipientID,
		Kind:           kind,
		Tier:           tier,
		Context:        data,
		CreatedAt:      now,
		DeliveredVia:   via,
		DeliveryHandle: handle,
	}
	if d := cfg.timeoutFor(kind); d > 0 {
		n.ExpiresAt = now.Add(d)
	}
	e.state.put(n)

	e.appendHistory(HistoryItem{At: now, RecipientID: recipientID, Kind: kind, Via: via})
	e.publish(eventbus.EventSent, eventbus.NotificationEvent{
		RecipientID: recipientID, Kind: string(kind), Tier: int(tier),
		Via: string(via), Context: data, At: now,
	})
	e.auditLog(ctx, cfg, "sent", n)
	return true
}

// tierAllows applies the default tier gating: important prompts are held
// back from dnd recipients, informational ones go only to online ones.
// Presence lookup failures fail open.
func (e *Engine) tierAllows(ctx context.Context, tier Tier, recipientID string) bool {
	if tier == TierCritical || e.adapter == nil {
		return true
	}
	p, err := e.adapter.Presence(ctx, recipientID)
	if err != nil {
		e.log.Debug("presence lookup failed, delivering anyway",
			logx.String("recipient", recipientID), logx.Err(err))
		return true
	}
	switch tier {
	case TierImportant:
		if p == kit.PresenceDND {
			e.log.Debug("suppressed: recipient is dnd", logx.String("recipient", recipientID))
			return false
		}
	case TierInfo:
		if p != kit.PresenceOnline {
			e.log.Debug("suppressed: recipient not online", logx.String("recipient", recipientID))
			return false
		}
	}
	return true
}

// render never fails: template misses pass through and panics are caught by
// the Send recover.
func (e *Engine) render(cfg Config, kind Kind, data map[string]string) string {
	merged := data
	if _, ok := data["timeout"]; !ok {
		if d := cfg.timeoutFor(kind); d > 0 {
			merged = make(map[string]string, len(data)+1)
			for k, v := range data {
				merged[k] = v
			}
			merged["timeout"] = fmt.Sprintf("%d", int(d.Seconds()))
		}
	}
	return Render(cfg.templateFor(kind), merged)
}

// deliver attempts direct delivery, then exactly one fallback-channel
// attempt with the recipient mentioned. No store lock is held here.
func (e *Engine) deliver(ctx context.Context, lim *rate.Limiter, cfg Config, recipientID string, tier Tier, text string) (Delivery, string, error) {
	if e.adapter == nil {
		return "", "", fmt.Errorf("no transport adapter")
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return "", "", err
		}
	}

	ref, err := e.adapter.SendDM(ctx, recipientID, text)
	if err == nil {
		return ViaDirect, handleFromRef(ref), nil
	}
	dmErr := err

	ch := cfg.fallbackFor(tier)
	if ch == "" {
		return "", "", fmt.Errorf("direct delivery failed and no fallback channel: %w", dmErr)
	}
	ref, err = e.adapter.SendChannel(ctx, ch, e.adapter.Mention(recipientID)+" "+text)
	if err != nil {
		return "", "", fmt.Errorf("direct (%v) and fallback (%v) delivery failed", dmErr, err)
	}
	e.log.Debug("delivered via fallback",
		logx.String("recipient", recipientID), logx.String("channel", ch))
	return ViaFallback, handleFromRef(ref), nil
}

func handleFromRef(ref kit.MessageRef) string {
	if ref.MessageID == 0 {
		return uuid.NewString()
	}
	return fmt.Sprintf("%d/%d/%d", ref.ChatID, ref.ThreadID, ref.MessageID)
}

// ---- clear / inspect ----

// Clear removes one prompt and emits a cleared event. It reports whether a
// prompt existed.
func (e *Engine) Clear(recipientID string, kind Kind) bool {
	n, ok := e.state.remove(recipientID, kind)
	if !ok {
		return false
	}
	e.publish(eventbus.EventCleared, eventbus.NotificationEvent{
		RecipientID: recipientID, Kind: string(kind), Tier: int(n.Tier),
		Via: string(n.DeliveredVia), Context: n.Context, At: time.Now(),
	})
	return true
}

// ClearAll removes every prompt for a recipient.
func (e *Engine) ClearAll(recipientID string) int {
	ns := e.state.removeAll(recipientID)
	now := time.Now()
	for _, n := range ns {
		e.publish(eventbus.EventCleared, eventbus.NotificationEvent{
			RecipientID: recipientID, Kind: string(n.Kind), Tier: int(n.Tier),
			Via: string(n.DeliveredVia), Context: n.Context, At: now,
		})
	}
	return len(ns)
}

// Extend pushes a prompt's expiry to now+d (never past the configured grace
// bound). Used by keep-alive policies instead of re-sending.
func (e *Engine) Extend(recipientID string, kind Kind, d time.Duration) bool {
	e.mu.Lock()
	maxGrace := e.cfg.MaxGrace
	e.mu.Unlock()
	if d <= 0 {
		return false
	}
	if d > maxGrace {
		d = maxGrace
	}
	until := time.Now().Add(d)
	return e.state.update(Key{RecipientID: recipientID, Kind: kind}, func(n *Notification) bool {
		if n.ExpiresAt.IsZero() {
			return false
		}
		n.ExpiresAt = until
		return true
	})
}

// TierFor reports the effective tier for a kind under the current config.
func (e *Engine) TierFor(k Kind) Tier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.tierFor(k)
}

// Pending returns the recipient's outstanding prompts in deterministic order.
func (e *Engine) Pending(recipientID string) []Notification {
	return e.state.pending(recipientID)
}

// Outstanding snapshots every prompt across all recipients.
func (e *Engine) Outstanding() []Notification {
	return e.state.all()
}

// Snapshot returns the recent-send history.
func (e *Engine) Snapshot() []HistoryItem {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	return append([]HistoryItem(nil), e.history...)
}

func (e *Engine) appendHistory(it HistoryItem) {
	e.hmu.Lock()
	e.history = append(e.history, it)
	if len(e.history) > 300 {
		e.history = e.history[len(e.history)-300:]
	}
	e.hmu.Unlock()
}

func (e *Engine) publish(eventType string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: eventType, Time: time.Now(), Data: data})
}

func (e *Engine) auditLog(ctx context.Context, cfg Config, action string, n Notification) {
	if !cfg.AuditLog || e.audit == nil {
		return
	}
	details, _ := json.Marshal(map[string]any{
		"action": action,
		"via":    string(n.DeliveredVia),
		"tier":   int(n.Tier),
		"ctx":    n.Context,
		"handle": n.DeliveryHandle,
	})
	if err := e.audit.LogEvent(ctx, "notify", string(n.Kind), n.RecipientID, string(details)); err != nil {
		e.log.Debug("audit write failed", logx.Err(err))
	}
}
