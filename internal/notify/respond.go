package notify

import (
	"context"
	"strings"
	"time"

	"matchbot/internal/eventbus"
	logx "matchbot/pkg/logx"
)

// intent is the canonical meaning of a recipient's free-text reply.
type intent string

const (
	intentAffirm       intent = "affirm"
	intentRetain       intent = "retain"
	intentCancel       intent = "cancel"
	intentUnrecognized intent = ""
)

var intentWords = map[string]intent{
	"ready": intentAffirm, "!ready": intentAffirm, "y": intentAffirm,
	"active": intentRetain, "!active": intentRetain, "keep": intentRetain, "k": intentRetain,
	"cancel": intentCancel, "!cancel": intentCancel, "leave": intentCancel, "n": intentCancel,
}

// affirmKinds lists, in match order, the kinds an affirm reply resolves.
var affirmKinds = []Kind{KindMatchQueue, KindPreGame}

// retainKinds lists the kinds a retain reply resolves.
var retainKinds = []Kind{KindRoleRetention}

func classify(raw string) intent {
	return intentWords[strings.ToLower(strings.TrimSpace(raw))]
}

// HandleResponse resolves a recipient's reply against their outstanding
// prompts. Unmatched replies are silent no-ops: the recipient never sees an
// error for text the engine cannot use.
func (e *Engine) HandleResponse(ctx context.Context, recipientID, raw string) bool {
	switch classify(raw) {
	case intentAffirm:
		return e.resolve(recipientID, affirmKinds, string(intentAffirm))
	case intentRetain:
		return e.resolve(recipientID, retainKinds, string(intentRetain))
	case intentCancel:
		return e.cancelFirst(recipientID)
	default:
		return e.customResponse(ctx, recipientID, raw)
	}
}

// resolve clears the first outstanding prompt among kinds and emits the
// responded event plus the kind-specific confirmation event.
func (e *Engine) resolve(recipientID string, kinds []Kind, response string) bool {
	for _, k := range kinds {
		n, ok := e.state.remove(recipientID, k)
		if !ok {
			continue
		}
		now := time.Now()
		ev := eventbus.ResponseEvent{
			RecipientID: recipientID, Kind: string(k), Response: response,
			Context: n.Context, At: now,
		}
		e.publish(eventbus.EventResponded, ev)
		if t := confirmEventFor(k, false); t != "" {
			e.publish(t, ev)
		}
		e.mu.Lock()
		cfg := e.cfg
		e.mu.Unlock()
		e.auditLog(context.Background(), cfg, "responded:"+response, n)
		e.log.Debug("prompt confirmed",
			logx.String("recipient", recipientID), logx.String("kind", string(k)))
		return true
	}
	return false
}

// cancelFirst clears the first outstanding prompt in deterministic (kind)
// order and emits the kind-specific cancellation event.
func (e *Engine) cancelFirst(recipientID string) bool {
	pending := e.state.pending(recipientID)
	if len(pending) == 0 {
		return false
	}
	first := pending[0]
	n, ok := e.state.remove(recipientID, first.Kind)
	if !ok {
		return false
	}
	now := time.Now()
	ev := eventbus.ResponseEvent{
		RecipientID: recipientID, Kind: string(n.Kind), Response: string(intentCancel),
		Context: n.Context, At: now,
	}
	e.publish(eventbus.EventResponded, ev)
	if t := cancelEventFor(n.Kind); t != "" {
		e.publish(t, ev)
	}
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()
	e.auditLog(context.Background(), cfg, "responded:cancel", n)
	return true
}

// customResponse tries per-(recipient, kind) responders for text the engine
// doesn't recognize. No responder claiming the text means no side effects.
func (e *Engine) customResponse(ctx context.Context, recipientID, raw string) bool {
	pending := e.state.pending(recipientID)
	for _, n := range pending {
		e.rmu.Lock()
		r := e.responders[n.Key()]
		e.rmu.Unlock()
		if r == nil {
			continue
		}
		handled := func() (h bool) {
			defer func() {
				if rec := recover(); rec != nil {
					e.log.Warn("responder panicked", logx.Any("panic", rec))
					h = false
				}
			}()
			return r(ctx, n, raw)
		}()
		if handled {
			return true
		}
	}
	return false
}

func confirmEventFor(k Kind, auto bool) string {
	switch k {
	case KindMatchQueue:
		return eventbus.EventKeepAliveConfirmed
	case KindPreGame:
		return eventbus.EventReadyConfirmed
	case KindRoleRetention:
		if auto {
			return eventbus.EventRetentionAuto
		}
		return eventbus.EventRetentionConfirmed
	}
	return ""
}

func cancelEventFor(k Kind) string {
	switch k {
	case KindMatchQueue:
		return eventbus.EventKeepAliveCanceled
	case KindPreGame:
		return eventbus.EventReadyCanceled
	case KindRoleRetention:
		return eventbus.EventRetentionCanceled
	}
	return ""
}
