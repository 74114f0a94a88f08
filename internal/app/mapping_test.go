package app

import (
	"testing"
	"time"

	"matchbot/internal/config"
	"matchbot/internal/notify"
)

func TestTelegramConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Telegram: config.TelegramConfig{Token: "t", GroupID: -1}}

	tc := telegramConfig(cfg)
	if tc.PollTimeout != 10*time.Second {
		t.Fatalf("default poll timeout = %v", tc.PollTimeout)
	}

	cfg.Telegram.PollTimeout = "30s"
	if tc := telegramConfig(cfg); tc.PollTimeout != 30*time.Second {
		t.Fatalf("poll timeout = %v", tc.PollTimeout)
	}
}

func TestLoggingConfigChannelID(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Logging.Channel.Enabled = true
	cfg.Logging.Channel.MinLevel = "warn"
	cfg.Notify.LogChannelID = "77"

	lc := loggingConfig(cfg)
	if !lc.Channel.Enabled || lc.Channel.ChannelID != "77" || lc.Channel.MinLevel != "warn" {
		t.Fatalf("channel = %+v", lc.Channel)
	}
}

func TestStorageConfigBusyTimeout(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "x.db"}}

	sc := storageConfig(cfg)
	if sc.BusyTimeout != 5*time.Second {
		t.Fatalf("default busy timeout = %v", sc.BusyTimeout)
	}

	cfg.Storage.BusyTimeout = "250ms"
	if sc := storageConfig(cfg); sc.BusyTimeout != 250*time.Millisecond {
		t.Fatalf("busy timeout = %v", sc.BusyTimeout)
	}
}

func TestNotifyConfigMapping(t *testing.T) {
	t.Parallel()
	tier := 2
	cfg := &config.Config{}
	cfg.Notify = config.NotifyConfig{
		Enabled: true,
		Triggers: map[string]config.TriggerSetting{
			"match_queue": {Enabled: true},
			"fyi":         {Enabled: true, Tier: &tier},
		},
		TimeoutSeconds:         map[string]int{"pre_game": 90},
		DMTemplates:            map[string]string{"fyi": "psst {msg}"},
		FallbackChannelID:      "10",
		FallbackChannelTier0ID: "20",
		FallbackChannelTier2ID: "22",
		MaxPendingPerRecipient: 3,
		RatePerSec:             5,
	}

	nc := notifyConfig(cfg)
	if !nc.Enabled || nc.Fallback != "10" || nc.MaxPending != 3 || nc.RatePerSec != 5 {
		t.Fatalf("config = %+v", nc)
	}
	if trig := nc.Triggers[notify.Kind("fyi")]; trig.Tier == nil || *trig.Tier != notify.TierInfo {
		t.Fatalf("fyi trigger = %+v", trig)
	}
	if trig := nc.Triggers[notify.KindMatchQueue]; trig.Tier != nil {
		t.Fatalf("match_queue tier should stay unset, got %+v", trig)
	}
	if nc.Timeouts[notify.KindPreGame] != 90*time.Second {
		t.Fatalf("timeout = %v", nc.Timeouts[notify.KindPreGame])
	}
	if nc.Templates[notify.Kind("fyi")] != "psst {msg}" {
		t.Fatalf("template = %q", nc.Templates[notify.Kind("fyi")])
	}
	if nc.FallbackTier[notify.TierCritical] != "20" || nc.FallbackTier[notify.TierInfo] != "22" {
		t.Fatalf("tier fallbacks = %v", nc.FallbackTier)
	}
	if _, ok := nc.FallbackTier[notify.TierImportant]; ok {
		t.Fatal("unset tier fallback must stay absent")
	}
}

func TestNotifyConfigEmptyMapsStayNil(t *testing.T) {
	t.Parallel()
	nc := notifyConfig(&config.Config{})
	if nc.Triggers != nil || nc.Timeouts != nil || nc.Templates != nil || nc.FallbackTier != nil {
		t.Fatalf("config = %+v, expected nil maps", nc)
	}
}
