package config

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Notify controls the confirmation-prompt engine (triggers, timeouts,
	// templates, fallback channels).
	Notify NotifyConfig `json:"notify"`

	// Storage is the audit/config-document persistence layer. If omitted,
	// audit logging and storage-backed upgrade steps are unavailable.
	Storage *StorageConfig `json:"storage,omitempty"`

	Upgrade UpgradeConfig `json:"upgrade,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// GroupID is the home group whose forum topics act as shared channels
	// (fallback delivery, log mirroring, provisioned resources).
	GroupID int64 `json:"group_id"`

	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`

	// PollTimeout is a Go duration string (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LogFileConfig     `json:"file,omitempty"`
	Channel LogChannelConfig  `json:"channel,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LogChannelConfig mirrors warn+ lines into notify.log_channel_id.
type LogChannelConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// NotifyConfig is the notification engine configuration.
//
// Trigger values accept either a bare boolean or {enabled, tier}. Timeout 0
// means the notification never expires on its own.
type NotifyConfig struct {
	Enabled bool `json:"enabled"`

	Triggers       map[string]TriggerSetting `json:"triggers,omitempty"`
	TimeoutSeconds map[string]int            `json:"timeout_seconds,omitempty"`
	DMTemplates    map[string]string         `json:"dm_templates,omitempty"`

	FallbackChannelID      string `json:"fallback_channel_id,omitempty"`
	FallbackChannelTier0ID string `json:"fallback_channel_tier0_id,omitempty"`
	FallbackChannelTier1ID string `json:"fallback_channel_tier1_id,omitempty"`
	FallbackChannelTier2ID string `json:"fallback_channel_tier2_id,omitempty"`

	LogChannelID string `json:"log_channel_id,omitempty"`

	AuditLog               bool   `json:"audit_log,omitempty"`
	MaxPendingPerRecipient int    `json:"max_pending_per_recipient,omitempty"`
	SweepSpec              string `json:"sweep_spec,omitempty"` // cron spec, default "@every 5s"
	RatePerSec             int    `json:"rate_per_sec,omitempty"`
}

// TriggerSetting decodes from either `true`/`false` or `{enabled, tier}`.
type TriggerSetting struct {
	Enabled bool `json:"enabled"`
	Tier    *int `json:"tier,omitempty"`
}

func (t *TriggerSetting) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] != '{' {
		var v bool
		if err := json.Unmarshal(b, &v); err != nil {
			return fmt.Errorf("trigger: want bool or object: %w", err)
		}
		*t = TriggerSetting{Enabled: v}
		return nil
	}
	type raw TriggerSetting
	var v raw
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	*t = TriggerSetting(v)
	return nil
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./matchbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// UpgradeConfig controls where upgrade documents are looked up when a bare
// name (not a path) is passed to the upgrade CLI.
type UpgradeConfig struct {
	Dir string `json:"dir,omitempty"`
}
