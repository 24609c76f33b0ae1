package config

import (
	"reflect"
	"strings"

	logx "bulkdm/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe log
// attrs for them. Secrets (token, storage password/dsn) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		d := newCfg.Dispatch
		attrs = append(attrs,
			logx.String("dispatch.delay", d.MinMsgDelay+"-"+d.MaxMsgDelay),
			logx.Int("dispatch.min_batch", d.MinBatchSize),
			logx.Int("dispatch.max_batch", d.MaxBatchSize),
			logx.String("dispatch.cooldown", d.MinCooldown+"-"+d.MaxCooldown),
			logx.Int("dispatch.send_rate_per_sec", d.SendRatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Promo, newCfg.Promo) {
		changed = append(changed, "promo")
		attrs = append(attrs, logx.Bool("promo.image_set", strings.TrimSpace(newCfg.Promo.ImageURL) != ""))
	}

	if oldCfg.Roster != newCfg.Roster {
		changed = append(changed, "roster")
		attrs = append(attrs,
			logx.String("roster.retention", newCfg.Roster.Retention),
			logx.String("roster.prune_schedule", newCfg.Roster.PruneSchedule),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.String("storage.path", nS.Path),
			logx.String("storage.addr", nS.Addr),
			logx.Bool("storage.dsn_set", nS.DSN != ""),
		)
	}

	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Bool("health.enabled", newCfg.Health.Enabled),
			logx.String("health.addr", newCfg.Health.Addr),
			logx.Bool("health.watchdog", newCfg.Health.Watchdog),
		)
	}

	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "health", "roster":
			out = append(out, s)
		}
	}
	return out
}
