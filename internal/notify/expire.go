package notify

import (
	"context"
	"runtime/debug"
	"time"

	"matchbot/internal/eventbus"
	logx "matchbot/pkg/logx"
)

// CheckExpirations runs one sweep pass: the expiration hook (if any) sees
// the full snapshot first and may pre-empt individual prompts; the default
// sweep then removes everything past expiry that the hook did not handle.
// The hook never replaces the sweep.
func (e *Engine) CheckExpirations(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in expiration sweep",
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	e.mu.Lock()
	cfg := e.cfg
	hook := e.exp
	e.mu.Unlock()

	now := time.Now()
	snapshot := e.state.all()
	if len(snapshot) == 0 {
		return
	}

	handled := map[Key]bool{}
	if hook != nil {
		decisions, err := hook.CheckExpirations(ctx, snapshot)
		if err != nil {
			e.log.Warn("expiration hook failed, default sweep only", logx.Err(err))
		} else {
			for key, dec := range decisions {
				if e.applyDecision(ctx, cfg, key, dec, now) {
					handled[key] = true
				}
			}
		}
	}

	for _, n := range snapshot {
		key := n.Key()
		if handled[key] {
			continue
		}
		// Re-check under the shard lock; a concurrent reply or extension
		// between snapshot and here wins.
		removed, ok := e.state.removeExpired(key, now)
		if !ok {
			continue
		}
		e.publish(eventbus.EventExpired, eventbus.NotificationEvent{
			RecipientID: removed.RecipientID, Kind: string(removed.Kind),
			Tier: int(removed.Tier), Via: string(removed.DeliveredVia),
			Context: removed.Context, At: now,
		})
		e.auditLog(ctx, cfg, "expired", removed)
		e.log.Debug("prompt expired",
			logx.String("recipient", removed.RecipientID), logx.String("kind", string(removed.Kind)))
	}
}

// applyDecision executes one hook decision. It reports whether the prompt
// was actually handled (pre-empting the default sweep for it).
func (e *Engine) applyDecision(ctx context.Context, cfg Config, key Key, dec SweepDecision, now time.Time) bool {
	switch dec.Action {
	case SweepExtend:
		grace := dec.ExtendBy
		if grace <= 0 || grace > cfg.MaxGrace {
			grace = cfg.MaxGrace
		}
		var reminder Notification
		extended := e.state.update(key, func(n *Notification) bool {
			if n.Reminded {
				// one grace period per prompt
				return false
			}
			n.ExpiresAt = now.Add(grace)
			n.Reminded = true
			reminder = *n
			return true
		})
		if extended {
			e.remind(ctx, cfg, reminder)
		}
		return extended

	case SweepDrop:
		n, ok := e.state.remove(key.RecipientID, key.Kind)
		if ok {
			// precondition gone; intentionally no expired event
			e.auditLog(ctx, cfg, "dropped", n)
			e.log.Debug("prompt dropped by hook",
				logx.String("recipient", key.RecipientID), logx.String("kind", string(key.Kind)))
		}
		return ok

	case SweepConfirm:
		n, ok := e.state.remove(key.RecipientID, key.Kind)
		if !ok {
			return false
		}
		ev := eventbus.ResponseEvent{
			RecipientID: n.RecipientID, Kind: string(n.Kind), Response: "auto",
			Context: n.Context, At: now,
		}
		e.publish(eventbus.EventResponded, ev)
		if t := confirmEventFor(n.Kind, true); t != "" {
			e.publish(t, ev)
		}
		e.auditLog(ctx, cfg, "responded:auto", n)
		return true
	}
	return false
}

// remind re-delivers the prompt once after a grace extension. Best effort:
// a failed reminder doesn't undo the extension.
func (e *Engine) remind(ctx context.Context, cfg Config, n Notification) {
	e.mu.Lock()
	lim := e.limiter
	e.mu.Unlock()

	text := "Reminder: " + e.render(cfg, n.Kind, n.Context)
	if _, _, err := e.deliver(ctx, lim, cfg, n.RecipientID, n.Tier, text); err != nil {
		e.log.Debug("reminder delivery failed",
			logx.String("recipient", n.RecipientID), logx.Err(err))
	}
}
