package upgrade

import (
	"regexp"
	"sync"
)

// ResourceCache maps {scope:key} template placeholders to values produced
// by earlier steps (e.g. a provisioned channel's id). It lives for the
// orchestrator instance's lifetime, so a later run can still resolve
// resources a prior run created.
type ResourceCache struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewResourceCache() *ResourceCache {
	return &ResourceCache{entries: map[string]string{}}
}

func (c *ResourceCache) Put(scope, key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[scope+":"+key] = value
}

func (c *ResourceCache) Get(scope, key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[scope+":"+key]
	return v, ok
}

var resourceRe = regexp.MustCompile(`\{(channel|role|config):([^{}]+)\}`)

// ResolveString substitutes {channel:x}, {role:x} and {config:x}
// placeholders from the cache. Unresolved placeholders stay verbatim.
func (c *ResourceCache) ResolveString(s string) string {
	return resourceRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := resourceRe.FindStringSubmatch(m)
		if v, ok := c.Get(sub[1], sub[2]); ok {
			return v
		}
		return m
	})
}

// ResolveParams returns a copy of params with every string value resolved,
// recursing into nested maps and slices.
func (c *ResourceCache) ResolveParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = c.resolveValue(v)
	}
	return out
}

func (c *ResourceCache) resolveValue(v any) any {
	switch x := v.(type) {
	case string:
		return c.ResolveString(x)
	case map[string]any:
		return c.ResolveParams(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = c.resolveValue(e)
		}
		return out
	default:
		return v
	}
}
