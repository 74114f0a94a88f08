package notify

import (
	"time"
)

// Kind identifies a notification kind. It selects the template, timeout,
// tier and reply matching for a prompt.
type Kind string

const (
	// KindMatchQueue asks a queued player to confirm they still want a match.
	KindMatchQueue Kind = "match_queue"
	// KindPreGame asks a matched player to confirm readiness before start.
	KindPreGame Kind = "pre_game"
	// KindRoleRetention asks a member to confirm activity to keep a role.
	KindRoleRetention Kind = "role_retention"
)

func isCoreKind(k Kind) bool {
	switch k {
	case KindMatchQueue, KindPreGame, KindRoleRetention:
		return true
	}
	return false
}

// Tier is the priority class of a notification.
type Tier int

const (
	// TierCritical notifications are always delivered.
	TierCritical Tier = 0
	// TierImportant notifications are suppressed while the recipient is dnd.
	TierImportant Tier = 1
	// TierInfo notifications go only to recipients who are currently online.
	TierInfo Tier = 2
)

// Delivery records which path a prompt took to the recipient.
type Delivery string

const (
	ViaDirect   Delivery = "direct"
	ViaFallback Delivery = "fallback"
)

// Key addresses one outstanding prompt.
type Key struct {
	RecipientID string
	Kind        Kind
}

// Notification is one outstanding prompt awaiting a reply or expiry.
type Notification struct {
	RecipientID string
	Kind        Kind
	Tier        Tier
	Context     map[string]string

	CreatedAt time.Time
	// ExpiresAt zero means the prompt never expires on its own.
	ExpiresAt time.Time

	DeliveredVia   Delivery
	DeliveryHandle string

	// Reminded is set once an expiration hook has extended this prompt;
	// a prompt gets at most one grace extension and reminder.
	Reminded bool
}

func (n Notification) Key() Key { return Key{RecipientID: n.RecipientID, Kind: n.Kind} }

func (n Notification) expired(now time.Time) bool {
	return !n.ExpiresAt.IsZero() && !n.ExpiresAt.After(now)
}

// HistoryItem is one entry of the engine's recent-send history.
type HistoryItem struct {
	At          time.Time
	RecipientID string
	Kind        Kind
	Via         Delivery
}
