package upgrade

import (
	"context"
	"fmt"
	"time"

	"matchbot/internal/eventbus"
	"matchbot/internal/notify"
	kit "matchbot/internal/transport"
)

// The three hook handler types build parameterized policies from document
// params and install them on the notification engine. Their reversals
// restore whatever hook was installed before, so a rolled-back upgrade
// leaves the engine's behavior untouched.

// ---- preprocess_notification ----

type preprocessHookHandler struct {
	engine *notify.Engine
	prefs  notify.PreferenceSource
}

type preprocessReversal struct {
	engine *notify.Engine
	prev   notify.PreprocessHook
}

func (r preprocessReversal) Describe() string { return "restore previous preprocess hook" }

func (r preprocessReversal) Revert(ctx context.Context) error {
	r.engine.SetPreprocessHook(r.prev)
	return nil
}

func (h *preprocessHookHandler) Apply(ctx context.Context, req Request) (Result, error) {
	if h.engine == nil {
		return Result{}, fmt.Errorf("preprocess_notification: engine unavailable")
	}
	switch req.Action {
	case "register":
		policy := &preprocessPolicy{
			engine:             h.engine,
			prefs:              h.prefs,
			maxTier:            notify.Tier(intParam(req.Params, "max_tier", int(notify.TierInfo))),
			muted:              toSet(strSliceParam(req.Params, "muted_recipients")),
			suppressDuplicates: boolParam(req.Params, "suppress_duplicates"),
			respectPreferences: boolParam(req.Params, "respect_preferences"),
		}
		prev := h.engine.SetPreprocessHook(policy)
		return Result{
			Details:  "preprocess policy registered",
			Rollback: preprocessReversal{engine: h.engine, prev: prev},
		}, nil
	case "unregister":
		prev := h.engine.SetPreprocessHook(nil)
		return Result{
			Details:  "preprocess policy removed",
			Rollback: preprocessReversal{engine: h.engine, prev: prev},
		}, nil
	default:
		return Result{}, fmt.Errorf("preprocess_notification: unknown action %q", req.Action)
	}
}

// preprocessPolicy suppresses sends by tier ceiling, mute list or stored
// recipient preference, and can short-circuit duplicate prompts.
type preprocessPolicy struct {
	engine             *notify.Engine
	prefs              notify.PreferenceSource
	maxTier            notify.Tier
	muted              map[string]struct{}
	suppressDuplicates bool
	respectPreferences bool
}

func (p *preprocessPolicy) PreprocessNotification(ctx context.Context, in notify.PreprocessInput) (notify.PreprocessResult, error) {
	if _, ok := p.muted[in.RecipientID]; ok {
		return notify.PreprocessResult{Skip: true, Result: false}, nil
	}
	if p.respectPreferences && p.prefs != nil {
		muted, err := p.prefs.Muted(ctx, in.RecipientID, in.Kind)
		if err != nil {
			return notify.PreprocessResult{}, err
		}
		if muted {
			return notify.PreprocessResult{Skip: true, Result: false}, nil
		}
	}
	if p.engine.TierFor(in.Kind) > p.maxTier {
		return notify.PreprocessResult{Skip: true, Result: false}, nil
	}
	if p.suppressDuplicates {
		for _, n := range p.engine.Pending(in.RecipientID) {
			if n.Kind == in.Kind {
				// a live prompt already covers this; count it as delivered
				return notify.PreprocessResult{Skip: true, Result: true}, nil
			}
		}
	}
	return notify.PreprocessResult{}, nil
}

// ---- check_expirations ----

type expirationHookHandler struct {
	engine   *notify.Engine
	adapter  kit.Adapter
	queue    notify.QueueMembership
	activity notify.ActivitySource
}

type expirationReversal struct {
	engine *notify.Engine
	prev   notify.ExpirationHook
}

func (r expirationReversal) Describe() string { return "restore previous expiration hook" }

func (r expirationReversal) Revert(ctx context.Context) error {
	r.engine.SetExpirationHook(r.prev)
	return nil
}

func (h *expirationHookHandler) Apply(ctx context.Context, req Request) (Result, error) {
	if h.engine == nil {
		return Result{}, fmt.Errorf("check_expirations: engine unavailable")
	}
	switch req.Action {
	case "register":
		policy := &expirationPolicy{
			adapter:  h.adapter,
			queue:    h.queue,
			activity: h.activity,
			grace:    time.Duration(intParam(req.Params, "extend_grace_seconds", 30)) * time.Second,
			dropLeftQueue: boolParam(req.Params, "drop_when_left_queue"),
			autoConfirmWithin: time.Duration(
				intParam(req.Params, "auto_confirm_active_within_seconds", 0)) * time.Second,
		}
		prev := h.engine.SetExpirationHook(policy)
		return Result{
			Details:  "expiration policy registered",
			Rollback: expirationReversal{engine: h.engine, prev: prev},
		}, nil
	case "unregister":
		prev := h.engine.SetExpirationHook(nil)
		return Result{
			Details:  "expiration policy removed",
			Rollback: expirationReversal{engine: h.engine, prev: prev},
		}, nil
	default:
		return Result{}, fmt.Errorf("check_expirations: unknown action %q", req.Action)
	}
}

// expirationPolicy pre-empts the default sweep for individual prompts:
// drops keep-alives whose recipient already left the queue, auto-confirms
// retention prompts backed by recent activity, and grants one grace
// extension to expired critical prompts whose recipient is still reachable.
type expirationPolicy struct {
	adapter           kit.Adapter
	queue             notify.QueueMembership
	activity          notify.ActivitySource
	grace             time.Duration
	dropLeftQueue     bool
	autoConfirmWithin time.Duration
}

func (p *expirationPolicy) CheckExpirations(ctx context.Context, pending []notify.Notification) (map[notify.Key]notify.SweepDecision, error) {
	now := time.Now()
	decisions := map[notify.Key]notify.SweepDecision{}

	for _, n := range pending {
		key := n.Key()

		if p.dropLeftQueue && n.Kind == notify.KindMatchQueue && p.queue != nil {
			in, err := p.queue.InQueue(ctx, n.RecipientID)
			if err == nil && !in {
				decisions[key] = notify.SweepDecision{Action: notify.SweepDrop}
				continue
			}
		}

		if p.autoConfirmWithin > 0 && n.Kind == notify.KindRoleRetention && p.activity != nil {
			last, err := p.activity.LastActive(ctx, n.RecipientID)
			if err == nil && now.Sub(last) <= p.autoConfirmWithin {
				decisions[key] = notify.SweepDecision{Action: notify.SweepConfirm}
				continue
			}
		}

		expired := !n.ExpiresAt.IsZero() && !n.ExpiresAt.After(now)
		if expired && n.Tier == notify.TierCritical && !n.Reminded && p.adapter != nil {
			presence, err := p.adapter.Presence(ctx, n.RecipientID)
			if err == nil && presence == kit.PresenceOnline {
				decisions[key] = notify.SweepDecision{Action: notify.SweepExtend, ExtendBy: p.grace}
			}
		}
	}
	return decisions, nil
}

// ---- queue_keep_alive_processing ----

type keepAliveHookHandler struct {
	engine   *notify.Engine
	bus      eventbus.Bus
	activity notify.ActivitySource
}

type keepAliveReversal struct {
	engine *notify.Engine
	prev   notify.KeepAliveHook
}

func (r keepAliveReversal) Describe() string { return "restore previous keep-alive hook" }

func (r keepAliveReversal) Revert(ctx context.Context) error {
	r.engine.SetKeepAliveHook(r.prev)
	return nil
}

func (h *keepAliveHookHandler) Apply(ctx context.Context, req Request) (Result, error) {
	if h.engine == nil {
		return Result{}, fmt.Errorf("queue_keep_alive_processing: engine unavailable")
	}
	switch req.Action {
	case "register":
		policy := &keepAlivePolicy{
			engine:   h.engine,
			bus:      h.bus,
			activity: h.activity,
			autoConfirmWithin: time.Duration(
				intParam(req.Params, "auto_confirm_active_within_seconds", 0)) * time.Second,
			extendBy: time.Duration(intParam(req.Params, "extend_seconds", 0)) * time.Second,
		}
		prev := h.engine.SetKeepAliveHook(policy)
		return Result{
			Details:  "keep-alive policy registered",
			Rollback: keepAliveReversal{engine: h.engine, prev: prev},
		}, nil
	case "unregister":
		prev := h.engine.SetKeepAliveHook(nil)
		return Result{
			Details:  "keep-alive policy removed",
			Rollback: keepAliveReversal{engine: h.engine, prev: prev},
		}, nil
	default:
		return Result{}, fmt.Errorf("queue_keep_alive_processing: unknown action %q", req.Action)
	}
}

// keepAlivePolicy short-circuits the default keep-alive send: recipients
// with recent activity are auto-confirmed without a prompt, and an already
// outstanding keep-alive is extended instead of re-sent.
type keepAlivePolicy struct {
	engine            *notify.Engine
	bus               eventbus.Bus
	activity          notify.ActivitySource
	autoConfirmWithin time.Duration
	extendBy          time.Duration
}

func (p *keepAlivePolicy) ProcessKeepAlive(ctx context.Context, in notify.KeepAliveInput) (notify.KeepAliveResult, error) {
	if p.autoConfirmWithin > 0 && p.activity != nil {
		last, err := p.activity.LastActive(ctx, in.RecipientID)
		if err == nil && time.Since(last) <= p.autoConfirmWithin {
			if p.bus != nil {
				p.bus.Publish(eventbus.Event{
					Type: eventbus.EventKeepAliveConfirmed,
					Data: eventbus.ResponseEvent{
						RecipientID: in.RecipientID,
						Kind:        string(notify.KindMatchQueue),
						Response:    "auto",
						Context:     in.Context,
						At:          time.Now(),
					},
				})
			}
			return notify.KeepAliveResult{Processed: true, Success: true}, nil
		}
	}

	if p.extendBy > 0 {
		if p.engine.Extend(in.RecipientID, notify.KindMatchQueue, p.extendBy) {
			return notify.KeepAliveResult{Processed: true, Success: true}, nil
		}
	}

	return notify.KeepAliveResult{}, nil
}

func toSet(ss []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		out[s] = struct{}{}
	}
	return out
}
