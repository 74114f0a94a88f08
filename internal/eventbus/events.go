package eventbus

import "time"

// Event types published by the notification engine.
const (
	EventSent      = "notify.sent"
	EventExpired   = "notify.expired"
	EventResponded = "notify.responded"
	EventCleared   = "notify.cleared"

	EventKeepAliveConfirmed = "queue.keepalive.confirmed"
	EventKeepAliveCanceled  = "queue.keepalive.canceled"
	EventReadyConfirmed     = "match.ready.confirmed"
	EventReadyCanceled      = "match.ready.canceled"
	EventRetentionConfirmed = "role.retention.confirmed"
	EventRetentionCanceled  = "role.retention.canceled"
	EventRetentionAuto      = "role.retention.auto"
)

// Event types published by the upgrade orchestrator.
const (
	EventUpgradeStarted    = "upgrade.started"
	EventUpgradeCompleted  = "upgrade.completed"
	EventUpgradeRolledBack = "upgrade.rolled_back"
)

// NotificationEvent accompanies sent/expired/cleared events.
type NotificationEvent struct {
	RecipientID string
	Kind        string
	Tier        int
	Via         string
	Context     map[string]string
	At          time.Time
}

// ResponseEvent accompanies responded events and the kind-specific
// confirmation/cancellation events.
type ResponseEvent struct {
	RecipientID string
	Kind        string
	Response    string // "affirm", "retain", "cancel", "auto"
	Context     map[string]string
	At          time.Time
}

// UpgradeEvent accompanies upgrade lifecycle events.
type UpgradeEvent struct {
	RunID           string
	Target          string
	Description     string
	Success         bool
	RolledBack      bool
	RequiresRestart bool
	FailedStep      string
	At              time.Time
}
