package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"matchbot/internal/eventbus"
)

type fakeExpiration struct {
	decisions map[Key]SweepDecision
	err       error
	calls     int
}

func (f *fakeExpiration) CheckExpirations(ctx context.Context, pending []Notification) (map[Key]SweepDecision, error) {
	f.calls++
	return f.decisions, f.err
}

func expiringConfig(d time.Duration) Config {
	cfg := testConfig()
	cfg.Timeouts = map[Kind]time.Duration{KindPreGame: d}
	return cfg
}

func TestSweepExpiresPrompts(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.EventExpired)
	defer unsub()
	e := newTestEngine(t, expiringConfig(10*time.Millisecond), fa, bus)

	ctx := context.Background()
	e.Send(ctx, "u1", KindPreGame, map[string]string{"match_id": "m1"})
	e.Send(ctx, "u2", KindRoleRetention, nil) // never expires

	time.Sleep(30 * time.Millisecond)
	e.CheckExpirations(ctx)

	ev := waitEvent(t, ch, eventbus.EventExpired)
	ne := ev.Data.(eventbus.NotificationEvent)
	if ne.RecipientID != "u1" || ne.Kind != string(KindPreGame) {
		t.Fatalf("unexpected payload: %+v", ne)
	}
	if len(e.Pending("u1")) != 0 {
		t.Fatal("expired prompt must be removed")
	}
	if len(e.Pending("u2")) != 1 {
		t.Fatal("never-expiring prompt must survive the sweep")
	}
}

func TestSweepHookExtendOnce(t *testing.T) {
	t.Parallel()
	cfg := expiringConfig(10 * time.Millisecond)
	cfg.MaxGrace = 40 * time.Millisecond
	fa := &fakeAdapter{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.EventExpired)
	defer unsub()
	e := newTestEngine(t, cfg, fa, bus)

	ctx := context.Background()
	e.Send(ctx, "u1", KindPreGame, nil)
	key := Key{RecipientID: "u1", Kind: KindPreGame}
	hook := &fakeExpiration{decisions: map[Key]SweepDecision{
		key: {Action: SweepExtend, ExtendBy: 30 * time.Millisecond},
	}}
	e.SetExpirationHook(hook)

	time.Sleep(20 * time.Millisecond)
	e.CheckExpirations(ctx)

	pending := e.Pending("u1")
	if len(pending) != 1 {
		t.Fatal("extended prompt must remain outstanding")
	}
	if !pending[0].Reminded {
		t.Fatal("extension must mark the prompt as reminded")
	}
	if fa.dmCount() != 2 {
		t.Fatalf("dm count = %d, want initial send plus one reminder", fa.dmCount())
	}
	if got := fa.lastDM().Text; !strings.HasPrefix(got, "Reminder:") {
		t.Fatalf("reminder text = %q", got)
	}

	// the hook keeps asking for an extension, but a prompt gets one grace
	// period only; once it lapses the default sweep takes it
	time.Sleep(50 * time.Millisecond)
	e.CheckExpirations(ctx)

	waitEvent(t, ch, eventbus.EventExpired)
	if len(e.Pending("u1")) != 0 {
		t.Fatal("prompt must expire after its single grace period")
	}
	if fa.dmCount() != 2 {
		t.Fatal("no second reminder may be sent")
	}
}

func TestSweepHookDropIsSilent(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.EventExpired)
	defer unsub()
	e := newTestEngine(t, testConfig(), fa, bus)

	ctx := context.Background()
	e.Send(ctx, "u1", KindMatchQueue, nil)
	key := Key{RecipientID: "u1", Kind: KindMatchQueue}
	e.SetExpirationHook(&fakeExpiration{decisions: map[Key]SweepDecision{
		key: {Action: SweepDrop},
	}})

	e.CheckExpirations(ctx)

	if len(e.Pending("u1")) != 0 {
		t.Fatal("dropped prompt must be removed")
	}
	select {
	case ev := <-ch:
		t.Fatalf("drop must not emit an expired event, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSweepHookAutoConfirm(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.EventResponded, eventbus.EventRetentionAuto)
	defer unsub()
	e := newTestEngine(t, testConfig(), fa, bus)

	ctx := context.Background()
	e.Send(ctx, "u1", KindRoleRetention, map[string]string{"role": "regular"})
	key := Key{RecipientID: "u1", Kind: KindRoleRetention}
	e.SetExpirationHook(&fakeExpiration{decisions: map[Key]SweepDecision{
		key: {Action: SweepConfirm},
	}})

	e.CheckExpirations(ctx)

	ev := waitEvent(t, ch, eventbus.EventResponded)
	re := ev.Data.(eventbus.ResponseEvent)
	if re.Response != "auto" {
		t.Fatalf("response = %q, want auto", re.Response)
	}
	waitEvent(t, ch, eventbus.EventRetentionAuto)
	if len(e.Pending("u1")) != 0 {
		t.Fatal("auto-confirmed prompt must be removed")
	}
}

func TestSweepHookErrorFallsBackToDefault(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.EventExpired)
	defer unsub()
	e := newTestEngine(t, expiringConfig(10*time.Millisecond), fa, bus)

	ctx := context.Background()
	e.Send(ctx, "u1", KindPreGame, nil)
	e.SetExpirationHook(&fakeExpiration{err: errors.New("hook down")})

	time.Sleep(30 * time.Millisecond)
	e.CheckExpirations(ctx)

	waitEvent(t, ch, eventbus.EventExpired)
	if len(e.Pending("u1")) != 0 {
		t.Fatal("hook failure must not stop the default sweep")
	}
}

func TestSweepEmptyStateIsNoOp(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, testConfig(), &fakeAdapter{}, nil)
	hook := &fakeExpiration{}
	e.SetExpirationHook(hook)

	e.CheckExpirations(context.Background())
	if hook.calls != 0 {
		t.Fatal("hook must not run with nothing outstanding")
	}
}
