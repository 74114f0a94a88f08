package notify

import "time"

// Trigger enables a kind and optionally overrides its tier.
type Trigger struct {
	Enabled bool
	Tier    *Tier
}

// Config controls the engine. The three core kinds are enabled unless a
// trigger explicitly disables them; additional kinds exist only when a
// trigger declares them.
type Config struct {
	Enabled bool

	Triggers  map[Kind]Trigger
	Timeouts  map[Kind]time.Duration // 0 = never expires
	Templates map[Kind]string

	// Fallback is the global shared channel for failed direct deliveries;
	// FallbackTier entries override it per tier.
	Fallback     string
	FallbackTier map[Tier]string

	AuditLog   bool
	MaxPending int
	SweepSpec  string // cron spec for the expiration sweep
	RatePerSec int

	// MaxGrace bounds how far an expiration hook may extend a prompt.
	MaxGrace time.Duration
}

var defaultTimeouts = map[Kind]time.Duration{
	KindMatchQueue:    120 * time.Second,
	KindPreGame:       60 * time.Second,
	KindRoleRetention: 0,
}

var defaultTemplates = map[Kind]string{
	KindMatchQueue:    "You're still queued for {queue}. Reply !ready in the next {timeout}s to keep your spot.",
	KindPreGame:       "Match {match_id} is ready! Reply !ready within {timeout}s to confirm.",
	KindRoleRetention: "Your {role} role is up for review. Reply !active to keep it.",
}

func (c Config) kindEnabled(k Kind) bool {
	if t, ok := c.Triggers[k]; ok {
		return t.Enabled
	}
	return isCoreKind(k)
}

func (c Config) tierFor(k Kind) Tier {
	if t, ok := c.Triggers[k]; ok && t.Tier != nil {
		return *t.Tier
	}
	switch k {
	case KindMatchQueue, KindPreGame:
		return TierCritical
	case KindRoleRetention:
		return TierImportant
	}
	return TierInfo
}

func (c Config) timeoutFor(k Kind) time.Duration {
	if d, ok := c.Timeouts[k]; ok {
		return d
	}
	return defaultTimeouts[k]
}

func (c Config) templateFor(k Kind) string {
	if t, ok := c.Templates[k]; ok && t != "" {
		return t
	}
	if t, ok := defaultTemplates[k]; ok {
		return t
	}
	return "{recipient}: please confirm " + string(k) + "."
}

func (c Config) fallbackFor(t Tier) string {
	if ch, ok := c.FallbackTier[t]; ok && ch != "" {
		return ch
	}
	return c.Fallback
}
