package notify

import (
	"context"
	"time"
)

// The engine exposes three hook points for behavior injected at runtime by
// upgrade documents. Each hook is a typed interface; a nil hook means
// default behavior only. Hook errors are logged and treated as "declined",
// never propagated.

// PreprocessInput is handed to the preprocess hook before any delivery work.
type PreprocessInput struct {
	RecipientID string
	Kind        Kind
	Context     map[string]string
}

// PreprocessResult lets the hook short-circuit or rewrite a send. Skip true
// returns Result from Send with no delivery and no state write; a non-nil
// Context replaces the send's context payload.
type PreprocessResult struct {
	Skip    bool
	Result  bool
	Context map[string]string
}

type PreprocessHook interface {
	PreprocessNotification(ctx context.Context, in PreprocessInput) (PreprocessResult, error)
}

// SweepAction is what an expiration hook decided for one prompt.
type SweepAction int

const (
	SweepNone SweepAction = iota
	// SweepExtend grants a bounded grace period and triggers a single
	// reminder re-delivery. A prompt can be extended at most once.
	SweepExtend
	// SweepDrop removes the prompt silently (its precondition no longer
	// holds, e.g. the recipient already left the queue).
	SweepDrop
	// SweepConfirm auto-confirms the prompt based on activity evidence.
	SweepConfirm
)

type SweepDecision struct {
	Action   SweepAction
	ExtendBy time.Duration
}

// ExpirationHook sees a snapshot of every outstanding prompt on each sweep
// and may pre-empt individual ones. The engine's default sweep still runs
// for everything the hook did not handle.
type ExpirationHook interface {
	CheckExpirations(ctx context.Context, pending []Notification) (map[Key]SweepDecision, error)
}

// KeepAliveInput is handed to the keep-alive hook before the default
// queue keep-alive send path.
type KeepAliveInput struct {
	RecipientID string
	Context     map[string]string
}

// KeepAliveResult with Processed true tells the engine the hook fully
// handled the keep-alive; the engine skips its own send and reports Success.
type KeepAliveResult struct {
	Processed bool
	Success   bool
}

type KeepAliveHook interface {
	ProcessKeepAlive(ctx context.Context, in KeepAliveInput) (KeepAliveResult, error)
}

// Responder handles unrecognized reply text for one (recipient, kind) pair.
// It reports whether it consumed the reply.
type Responder func(ctx context.Context, n Notification, text string) bool

// Optional collaborators consulted by hook policies when present.

// QueueMembership reports whether a recipient is still in the matchmaking
// queue.
type QueueMembership interface {
	InQueue(ctx context.Context, recipientID string) (bool, error)
}

// ActivitySource reports a recipient's most recent observed activity.
type ActivitySource interface {
	LastActive(ctx context.Context, recipientID string) (time.Time, error)
}

// PreferenceSource reports per-recipient notification opt-outs.
type PreferenceSource interface {
	Muted(ctx context.Context, recipientID string, kind Kind) (bool, error)
}
