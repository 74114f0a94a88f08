package upgrade

import (
	"context"
	"testing"
	"time"

	"matchbot/internal/eventbus"
	"matchbot/internal/notify"
	logx "matchbot/pkg/logx"
)

type fakeQueue struct{ in bool }

func (f fakeQueue) InQueue(ctx context.Context, recipientID string) (bool, error) {
	return f.in, nil
}

type fakeActivity struct{ last time.Time }

func (f fakeActivity) LastActive(ctx context.Context, recipientID string) (time.Time, error) {
	return f.last, nil
}

type fakePrefs struct{ muted map[string]bool }

func (f fakePrefs) Muted(ctx context.Context, recipientID string, kind notify.Kind) (bool, error) {
	return f.muted[recipientID], nil
}

func hookTestEngine(adapter *provisioningAdapter, bus eventbus.Bus) *notify.Engine {
	return notify.New(notify.Config{
		Enabled:    true,
		Fallback:   "99",
		RatePerSec: 1000,
	}, adapter, logx.Nop(), bus, nil)
}

func TestPreprocessHookHandlerMuteList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fa := newProvisioningAdapter()
	engine := hookTestEngine(fa, nil)
	h := &preprocessHookHandler{engine: engine}

	res, err := h.Apply(ctx, Request{Action: "register", Params: map[string]any{
		"muted_recipients": []any{"u1"},
	}})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if engine.Send(ctx, "u1", notify.KindPreGame, nil) {
		t.Fatal("muted recipient must be skipped")
	}
	if !engine.Send(ctx, "u2", notify.KindPreGame, nil) {
		t.Fatal("unmuted recipient should deliver")
	}
	if fa.dmCount() != 1 {
		t.Fatalf("dm count = %d, want 1", fa.dmCount())
	}

	// rollback restores the previous (absent) hook
	if err := res.Rollback.Revert(ctx); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if !engine.Send(ctx, "u1", notify.KindPreGame, nil) {
		t.Fatal("after rollback the mute list must be gone")
	}
}

func TestPreprocessHookHandlerDuplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fa := newProvisioningAdapter()
	engine := hookTestEngine(fa, nil)
	h := &preprocessHookHandler{engine: engine}

	if _, err := h.Apply(ctx, Request{Action: "register", Params: map[string]any{
		"suppress_duplicates": true,
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if !engine.Send(ctx, "u1", notify.KindPreGame, nil) {
		t.Fatal("first send should deliver")
	}
	// the duplicate is claimed as success without another delivery
	if !engine.Send(ctx, "u1", notify.KindPreGame, nil) {
		t.Fatal("duplicate should be claimed as handled")
	}
	if fa.dmCount() != 1 {
		t.Fatalf("dm count = %d, want 1 (duplicate suppressed)", fa.dmCount())
	}
}

func TestPreprocessHookHandlerMaxTier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fa := newProvisioningAdapter()
	engine := hookTestEngine(fa, nil)
	h := &preprocessHookHandler{engine: engine}

	if _, err := h.Apply(ctx, Request{Action: "register", Params: map[string]any{
		"max_tier": 0,
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// pre_game is tier 0, role_retention tier 1
	if !engine.Send(ctx, "u1", notify.KindPreGame, nil) {
		t.Fatal("tier 0 must pass a tier-0 ceiling")
	}
	if engine.Send(ctx, "u1", notify.KindRoleRetention, nil) {
		t.Fatal("tier 1 must be blocked by a tier-0 ceiling")
	}
}

func TestPreprocessHookHandlerPreferences(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fa := newProvisioningAdapter()
	engine := hookTestEngine(fa, nil)
	h := &preprocessHookHandler{engine: engine, prefs: fakePrefs{muted: map[string]bool{"u1": true}}}

	if _, err := h.Apply(ctx, Request{Action: "register", Params: map[string]any{
		"respect_preferences": true,
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if engine.Send(ctx, "u1", notify.KindPreGame, nil) {
		t.Fatal("preference-muted recipient must be skipped")
	}
	if !engine.Send(ctx, "u2", notify.KindPreGame, nil) {
		t.Fatal("recipient without a mute preference should deliver")
	}
}

func TestExpirationHookHandlerDropLeftQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fa := newProvisioningAdapter()
	engine := hookTestEngine(fa, nil)
	h := &expirationHookHandler{engine: engine, adapter: fa, queue: fakeQueue{in: false}}

	if _, err := h.Apply(ctx, Request{Action: "register", Params: map[string]any{
		"drop_when_left_queue": true,
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	engine.Send(ctx, "u1", notify.KindMatchQueue, nil)
	engine.CheckExpirations(ctx)

	if len(engine.Pending("u1")) != 0 {
		t.Fatal("keep-alive for a recipient who left the queue must be dropped")
	}
}

func TestExpirationHookHandlerAutoConfirmRetention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fa := newProvisioningAdapter()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.EventRetentionAuto)
	defer unsub()
	engine := hookTestEngine(fa, bus)
	h := &expirationHookHandler{
		engine: engine, adapter: fa,
		activity: fakeActivity{last: time.Now().Add(-time.Minute)},
	}

	if _, err := h.Apply(ctx, Request{Action: "register", Params: map[string]any{
		"auto_confirm_active_within_seconds": 3600,
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	engine.Send(ctx, "u1", notify.KindRoleRetention, nil)
	engine.CheckExpirations(ctx)

	if len(engine.Pending("u1")) != 0 {
		t.Fatal("active member's retention prompt should auto-confirm")
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a retention auto-confirm event")
	}
}

func TestKeepAliveHookHandlerAutoConfirm(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fa := newProvisioningAdapter()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.EventKeepAliveConfirmed)
	defer unsub()
	engine := hookTestEngine(fa, bus)
	h := &keepAliveHookHandler{
		engine: engine, bus: bus,
		activity: fakeActivity{last: time.Now().Add(-time.Minute)},
	}

	if _, err := h.Apply(ctx, Request{Action: "register", Params: map[string]any{
		"auto_confirm_active_within_seconds": 3600,
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if !engine.Send(ctx, "u1", notify.KindMatchQueue, nil) {
		t.Fatal("auto-confirmed keep-alive should report success")
	}
	if fa.dmCount() != 0 {
		t.Fatal("auto-confirmed keep-alive must not deliver a prompt")
	}

	select {
	case ev := <-ch:
		re := ev.Data.(eventbus.ResponseEvent)
		if re.Response != "auto" {
			t.Fatalf("response = %q, want auto", re.Response)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an auto keep-alive confirmation event")
	}
}

func TestKeepAliveHookHandlerExtends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fa := newProvisioningAdapter()
	engine := notify.New(notify.Config{
		Enabled:    true,
		RatePerSec: 1000,
		Timeouts:   map[notify.Kind]time.Duration{notify.KindMatchQueue: time.Minute},
	}, fa, logx.Nop(), nil, nil)

	// an outstanding keep-alive from before the hook registration
	if !engine.Send(ctx, "u1", notify.KindMatchQueue, nil) {
		t.Fatal("initial send failed")
	}
	before := engine.Pending("u1")[0].ExpiresAt

	h := &keepAliveHookHandler{engine: engine, activity: fakeActivity{}}
	if _, err := h.Apply(ctx, Request{Action: "register", Params: map[string]any{
		"extend_seconds": 30,
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// the next keep-alive extends the existing prompt instead of re-sending
	if !engine.Send(ctx, "u1", notify.KindMatchQueue, nil) {
		t.Fatal("extension should report success")
	}
	if fa.dmCount() != 1 {
		t.Fatalf("dm count = %d, want 1 (no re-send)", fa.dmCount())
	}
	// extend_seconds 30 is shorter than the remaining minute, so the new
	// expiry lands earlier than the original one
	after := engine.Pending("u1")[0].ExpiresAt
	if after.Equal(before) {
		t.Fatal("expiry should have been rewritten by the extension")
	}
}
