package app

import (
	"context"
	"sync"
	"time"

	"matchbot/internal/notify"
	"matchbot/internal/storage"
)

// activityTracker records the last inbound message time per recipient. The
// adapter keeps its own last-seen map for presence; this one feeds the
// hook policies (auto-confirm, keep-alive short-circuit) and survives
// adapter restarts within the process.
type activityTracker struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

func newActivityTracker() *activityTracker {
	return &activityTracker{seen: map[string]time.Time{}}
}

func (t *activityTracker) touch(recipientID string) {
	t.mu.Lock()
	t.seen[recipientID] = time.Now()
	t.mu.Unlock()
}

func (t *activityTracker) LastActive(ctx context.Context, recipientID string) (time.Time, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seen[recipientID], nil
}

// queueTracker is the process-local matchmaking queue membership view.
// The embedding bot marks recipients in and out; expiration policies ask
// it whether a keep-alive prompt still matters.
type queueTracker struct {
	mu sync.RWMutex
	in map[string]struct{}
}

func newQueueTracker() *queueTracker {
	return &queueTracker{in: map[string]struct{}{}}
}

func (t *queueTracker) Join(recipientID string) {
	t.mu.Lock()
	t.in[recipientID] = struct{}{}
	t.mu.Unlock()
}

func (t *queueTracker) Leave(recipientID string) {
	t.mu.Lock()
	delete(t.in, recipientID)
	t.mu.Unlock()
}

func (t *queueTracker) InQueue(ctx context.Context, recipientID string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.in[recipientID]
	return ok, nil
}

// prefsSource reads per-recipient mute preferences from the "notify_prefs"
// storage document. The document maps recipient id to either true (mute
// everything) or a list of muted kinds.
type prefsSource struct {
	store storage.Store
}

const prefsDoc = "notify_prefs"

func (p prefsSource) Muted(ctx context.Context, recipientID string, kind notify.Kind) (bool, error) {
	if p.store == nil {
		return false, nil
	}
	doc, err := p.store.GetDoc(ctx, prefsDoc)
	if err != nil {
		if err == storage.ErrNotFound || err == storage.ErrDisabled {
			return false, nil
		}
		return false, err
	}
	switch v := doc[recipientID].(type) {
	case bool:
		return v, nil
	case []any:
		for _, k := range v {
			if s, ok := k.(string); ok && s == string(kind) {
				return true, nil
			}
		}
	}
	return false, nil
}
