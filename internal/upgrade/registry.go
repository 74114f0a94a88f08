package upgrade

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerType names a step handler in upgrade documents.
type HandlerType string

const (
	HandlerSchemaVersion   HandlerType = "schema_version"
	HandlerDataMigration   HandlerType = "data_migration"
	HandlerEnsureResource  HandlerType = "ensure_resource"
	HandlerConfig          HandlerType = "config"
	HandlerRegisterCommand HandlerType = "register_command"
	HandlerBindEvent       HandlerType = "bind_event"
	HandlerStorageTable    HandlerType = "storage_table"

	// Notification engine hook points (§ package notify).
	HandlerPreprocessHook HandlerType = "preprocess_notification"
	HandlerExpirationHook HandlerType = "check_expirations"
	HandlerKeepAliveHook  HandlerType = "queue_keep_alive_processing"
)

// Request is the uniform handler input.
type Request struct {
	Target string
	Action string
	Params map[string]any
}

// Result is the uniform handler output. A nil Rollback means the action
// cannot be reversed.
type Result struct {
	Details  string
	Rollback Reversal
}

// Handler applies one sub-step. Handlers never see dry runs: the
// orchestrator bypasses them entirely, so they need no dry-run branch.
type Handler interface {
	Apply(ctx context.Context, req Request) (Result, error)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[HandlerType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[HandlerType]Handler{}}
}

func (r *Registry) Register(t HandlerType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

func (r *Registry) Get(t HandlerType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

func (r *Registry) Types() []HandlerType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HandlerType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ---- param helpers ----

func strParam(p map[string]any, key string) string {
	v, _ := p[key].(string)
	return v
}

func requireStrParam(p map[string]any, key string) (string, error) {
	v := strParam(p, key)
	if v == "" {
		return "", fmt.Errorf("param %q is required", key)
	}
	return v, nil
}

func intParam(p map[string]any, key string, def int) int {
	switch v := p[key].(type) {
	case float64: // JSON numbers decode as float64
		return int(v)
	case int:
		return v
	}
	return def
}

func boolParam(p map[string]any, key string) bool {
	v, _ := p[key].(bool)
	return v
}

func strSliceParam(p map[string]any, key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func strMapParam(p map[string]any, key string) map[string]string {
	raw, ok := p[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func mapParam(p map[string]any, key string) map[string]any {
	v, _ := p[key].(map[string]any)
	return v
}
