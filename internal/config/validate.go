package config

import (
	"fmt"
	"strings"
)

// Validate rejects configurations that parse but cannot run.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if cfg.Telegram.GroupID == 0 {
		return fmt.Errorf("telegram.group_id is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	for name, t := range cfg.Notify.Triggers {
		if t.Tier != nil && (*t.Tier < 0 || *t.Tier > 2) {
			return fmt.Errorf("notify.triggers.%s: tier must be 0, 1 or 2", name)
		}
	}
	for name, secs := range cfg.Notify.TimeoutSeconds {
		if secs < 0 {
			return fmt.Errorf("notify.timeout_seconds.%s: must be >= 0", name)
		}
	}
	if cfg.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
