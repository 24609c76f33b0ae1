package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Dispatch DispatchConfig `json:"dispatch"`
	Promo    PromoConfig    `json:"promo"`
	Roster   RosterConfig   `json:"roster"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Health   HealthConfig   `json:"health"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DispatchConfig holds the pacing ranges. Durations are Go duration strings;
// omitted fields fall back to the dispatch defaults (4s-9s delay, 20-35 batch,
// 2m-5m cooldown).
type DispatchConfig struct {
	MinMsgDelay       string `json:"min_msg_delay,omitempty"`
	MaxMsgDelay       string `json:"max_msg_delay,omitempty"`
	MinBatchSize      int    `json:"min_batch_size,omitempty"`
	MaxBatchSize      int    `json:"max_batch_size,omitempty"`
	MinCooldown       string `json:"min_cooldown,omitempty"`
	MaxCooldown       string `json:"max_cooldown,omitempty"`
	PartSpacing       string `json:"part_spacing,omitempty"`
	AvgSecondsPerItem int    `json:"avg_seconds_per_item,omitempty"`

	// SendRatePerSec caps raw API sends regardless of pacing. 0 means 25.
	SendRatePerSec int    `json:"send_rate_per_sec,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
}

type PromoConfig struct {
	Title       string   `json:"title,omitempty"`
	BodyLines   []string `json:"body_lines,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
	ButtonLabel string   `json:"button_label,omitempty"`
	Footer      string   `json:"footer,omitempty"`
}

type RosterConfig struct {
	// Retention drops members not seen for this long. Default "2160h" (90 days).
	Retention string `json:"retention,omitempty"`
	// PruneSchedule is a cron spec. Default "@daily".
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// StorageConfig selects the roster/audit backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./bulkdm.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`      // postgres
	Addr        string `json:"addr,omitempty"`     // redis
	Password    string `json:"password,omitempty"` // redis (do not log)
	DB          int    `json:"db,omitempty"`       // redis
	KeyPrefix   string `json:"key_prefix,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":3000"
	// Watchdog pings systemd when WATCHDOG_USEC is set.
	Watchdog bool `json:"watchdog,omitempty"`
}
