package config

import (
	"fmt"
	"strings"
	"time"

	"bulkdm/internal/dispatch"
)

const (
	DefaultSendRatePerSec = 25
	DefaultSendTimeout    = 15 * time.Second
	DefaultRetention      = 90 * 24 * time.Hour
	DefaultPruneSchedule  = "@daily"
	DefaultHealthAddr     = ":3000"
)

// Bounds converts the dispatch section into validated pacing bounds.
func (c DispatchConfig) Bounds() (dispatch.Bounds, error) {
	b := dispatch.DefaultBounds()
	var err error
	if b.MinDelay, err = ParseDurationOrDefault("dispatch.min_msg_delay", c.MinMsgDelay, b.MinDelay); err != nil {
		return dispatch.Bounds{}, err
	}
	if b.MaxDelay, err = ParseDurationOrDefault("dispatch.max_msg_delay", c.MaxMsgDelay, b.MaxDelay); err != nil {
		return dispatch.Bounds{}, err
	}
	if b.MinCooldown, err = ParseDurationOrDefault("dispatch.min_cooldown", c.MinCooldown, b.MinCooldown); err != nil {
		return dispatch.Bounds{}, err
	}
	if b.MaxCooldown, err = ParseDurationOrDefault("dispatch.max_cooldown", c.MaxCooldown, b.MaxCooldown); err != nil {
		return dispatch.Bounds{}, err
	}
	if b.PartSpacing, err = ParseDurationOrDefault("dispatch.part_spacing", c.PartSpacing, b.PartSpacing); err != nil {
		return dispatch.Bounds{}, err
	}
	if c.MinBatchSize > 0 {
		b.MinBatch = c.MinBatchSize
	}
	if c.MaxBatchSize > 0 {
		b.MaxBatch = c.MaxBatchSize
	}
	if c.AvgSecondsPerItem < 0 {
		return dispatch.Bounds{}, fmt.Errorf("dispatch.avg_seconds_per_item must be >= 0")
	}
	if c.AvgSecondsPerItem > 0 {
		b.AvgPerItem = time.Duration(c.AvgSecondsPerItem) * time.Second
	}
	if err := b.Validate(); err != nil {
		return dispatch.Bounds{}, err
	}
	return b, nil
}

func (c DispatchConfig) SendRate() int {
	if c.SendRatePerSec <= 0 {
		return DefaultSendRatePerSec
	}
	return c.SendRatePerSec
}

func (c DispatchConfig) Timeout() (time.Duration, error) {
	return ParseDurationOrDefault("dispatch.send_timeout", c.SendTimeout, DefaultSendTimeout)
}

func (c RosterConfig) RetentionOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("roster.retention", c.Retention, DefaultRetention)
}

func (c RosterConfig) Schedule() string {
	if s := strings.TrimSpace(c.PruneSchedule); s != "" {
		return s
	}
	return DefaultPruneSchedule
}

func (c HealthConfig) ListenAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultHealthAddr
}

// Validate checks everything a reload must not break.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		return fmt.Errorf("telegram.owner_user_ids must not be empty")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := c.Dispatch.Bounds(); err != nil {
		return err
	}
	if _, err := c.Dispatch.Timeout(); err != nil {
		return err
	}
	if _, err := c.Roster.RetentionOrDefault(); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
