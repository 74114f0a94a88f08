package app

import (
	"time"

	"matchbot/internal/config"
	"matchbot/internal/notify"
	"matchbot/internal/storage"
	"matchbot/internal/transport/telegram"
	logx "matchbot/pkg/logx"
)

func telegramConfig(cfg *config.Config) telegram.Config {
	timeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		GroupID:     cfg.Telegram.GroupID,
		PollTimeout: timeout,
	}
}

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Channel: logx.ChannelConfig{
			Enabled:    cfg.Logging.Channel.Enabled,
			ChannelID:  cfg.Notify.LogChannelID,
			MinLevel:   cfg.Logging.Channel.MinLevel,
			RatePerSec: cfg.Logging.Channel.RatePerSec,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{}
	}
	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}

func notifyConfig(cfg *config.Config) notify.Config {
	nc := cfg.Notify

	out := notify.Config{
		Enabled:    nc.Enabled,
		Fallback:   nc.FallbackChannelID,
		AuditLog:   nc.AuditLog,
		MaxPending: nc.MaxPendingPerRecipient,
		SweepSpec:  nc.SweepSpec,
		RatePerSec: nc.RatePerSec,
	}

	if len(nc.Triggers) > 0 {
		out.Triggers = make(map[notify.Kind]notify.Trigger, len(nc.Triggers))
		for name, t := range nc.Triggers {
			trig := notify.Trigger{Enabled: t.Enabled}
			if t.Tier != nil {
				tier := notify.Tier(*t.Tier)
				trig.Tier = &tier
			}
			out.Triggers[notify.Kind(name)] = trig
		}
	}

	if len(nc.TimeoutSeconds) > 0 {
		out.Timeouts = make(map[notify.Kind]time.Duration, len(nc.TimeoutSeconds))
		for name, secs := range nc.TimeoutSeconds {
			out.Timeouts[notify.Kind(name)] = time.Duration(secs) * time.Second
		}
	}

	if len(nc.DMTemplates) > 0 {
		out.Templates = make(map[notify.Kind]string, len(nc.DMTemplates))
		for name, tpl := range nc.DMTemplates {
			out.Templates[notify.Kind(name)] = tpl
		}
	}

	tierFallbacks := map[notify.Tier]string{}
	if nc.FallbackChannelTier0ID != "" {
		tierFallbacks[notify.TierCritical] = nc.FallbackChannelTier0ID
	}
	if nc.FallbackChannelTier1ID != "" {
		tierFallbacks[notify.TierImportant] = nc.FallbackChannelTier1ID
	}
	if nc.FallbackChannelTier2ID != "" {
		tierFallbacks[notify.TierInfo] = nc.FallbackChannelTier2ID
	}
	if len(tierFallbacks) > 0 {
		out.FallbackTier = tierFallbacks
	}

	return out
}
