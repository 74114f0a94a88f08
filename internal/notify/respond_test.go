package notify

import (
	"context"
	"testing"

	"matchbot/internal/eventbus"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want intent
	}{
		{"ready", intentAffirm},
		{"!ready", intentAffirm},
		{"  Y ", intentAffirm},
		{"READY", intentAffirm},
		{"active", intentRetain},
		{"!active", intentRetain},
		{"keep", intentRetain},
		{"k", intentRetain},
		{"cancel", intentCancel},
		{"!cancel", intentCancel},
		{"leave", intentCancel},
		{"n", intentCancel},
		{"hello there", intentUnrecognized},
		{"", intentUnrecognized},
	}
	for _, tt := range tests {
		if got := classify(tt.raw); got != tt.want {
			t.Errorf("classify(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestHandleResponseAffirmOrder(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.EventKeepAliveConfirmed, eventbus.EventReadyConfirmed)
	defer unsub()
	e := newTestEngine(t, testConfig(), fa, bus)

	ctx := context.Background()
	e.Send(ctx, "u1", KindMatchQueue, nil)
	e.Send(ctx, "u1", KindPreGame, nil)

	// affirm resolves the queue keep-alive before the pre-game prompt
	if !e.HandleResponse(ctx, "u1", "ready") {
		t.Fatal("first affirm not consumed")
	}
	ev := waitEvent(t, ch, eventbus.EventKeepAliveConfirmed)
	re := ev.Data.(eventbus.ResponseEvent)
	if re.Kind != string(KindMatchQueue) || re.Response != "affirm" {
		t.Fatalf("unexpected payload: %+v", re)
	}

	if !e.HandleResponse(ctx, "u1", "y") {
		t.Fatal("second affirm not consumed")
	}
	waitEvent(t, ch, eventbus.EventReadyConfirmed)

	if e.HandleResponse(ctx, "u1", "ready") {
		t.Fatal("no prompts left, affirm should be a no-op")
	}
}

func TestHandleResponseRetain(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.EventRetentionConfirmed)
	defer unsub()
	e := newTestEngine(t, testConfig(), fa, bus)

	ctx := context.Background()
	e.Send(ctx, "u1", KindPreGame, nil)
	e.Send(ctx, "u1", KindRoleRetention, map[string]string{"role": "regular"})

	if !e.HandleResponse(ctx, "u1", "!active") {
		t.Fatal("retain not consumed")
	}
	ev := waitEvent(t, ch, eventbus.EventRetentionConfirmed)
	re := ev.Data.(eventbus.ResponseEvent)
	if re.Kind != string(KindRoleRetention) {
		t.Fatalf("kind = %s, want role_retention", re.Kind)
	}
	// retain must not touch the pre-game prompt
	if len(e.Pending("u1")) != 1 {
		t.Fatal("pre_game prompt should survive a retain reply")
	}
}

func TestHandleResponseCancelFirstPending(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.EventKeepAliveCanceled)
	defer unsub()
	e := newTestEngine(t, testConfig(), fa, bus)

	ctx := context.Background()
	e.Send(ctx, "u1", KindPreGame, nil)
	e.Send(ctx, "u1", KindMatchQueue, nil)

	// cancel clears the first prompt in kind order (match_queue sorts first)
	if !e.HandleResponse(ctx, "u1", "leave") {
		t.Fatal("cancel not consumed")
	}
	ev := waitEvent(t, ch, eventbus.EventKeepAliveCanceled)
	re := ev.Data.(eventbus.ResponseEvent)
	if re.Kind != string(KindMatchQueue) || re.Response != "cancel" {
		t.Fatalf("unexpected payload: %+v", re)
	}

	pending := e.Pending("u1")
	if len(pending) != 1 || pending[0].Kind != KindPreGame {
		t.Fatalf("pending = %+v, want only pre_game left", pending)
	}
}

func TestHandleResponseCancelNothingPending(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, testConfig(), &fakeAdapter{}, nil)
	if e.HandleResponse(context.Background(), "u1", "cancel") {
		t.Fatal("cancel with no pending prompts should be a no-op")
	}
}

func TestHandleResponseCustomResponder(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	e := newTestEngine(t, testConfig(), fa, nil)

	ctx := context.Background()
	e.Send(ctx, "u1", KindPreGame, nil)

	var gotText string
	e.SetResponder(Key{RecipientID: "u1", Kind: KindPreGame}, func(ctx context.Context, n Notification, text string) bool {
		gotText = text
		return true
	})

	if !e.HandleResponse(ctx, "u1", "swap role please") {
		t.Fatal("responder should have consumed the reply")
	}
	if gotText != "swap role please" {
		t.Fatalf("responder saw %q", gotText)
	}

	// removing the responder makes the same text a no-op again
	e.SetResponder(Key{RecipientID: "u1", Kind: KindPreGame}, nil)
	if e.HandleResponse(ctx, "u1", "swap role please") {
		t.Fatal("reply should be unhandled after responder removal")
	}
}

func TestHandleResponsePanickingResponder(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, testConfig(), &fakeAdapter{}, nil)

	ctx := context.Background()
	e.Send(ctx, "u1", KindPreGame, nil)
	e.SetResponder(Key{RecipientID: "u1", Kind: KindPreGame}, func(ctx context.Context, n Notification, text string) bool {
		panic("bad responder")
	})

	if e.HandleResponse(ctx, "u1", "anything") {
		t.Fatal("panicking responder must count as unhandled")
	}
	if len(e.Pending("u1")) != 1 {
		t.Fatal("prompt must survive a responder panic")
	}
}
