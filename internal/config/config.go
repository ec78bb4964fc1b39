// Package config loads stagebot's YAML configuration and republishes it on
// file changes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Sticky    StickyConfig    `json:"sticky"`
	Schedule  ScheduleConfig  `json:"schedule"`
}

type TelegramConfig struct {
	// Token may be left empty in the file; the TELEGRAM_TOKEN environment
	// variable (typically via .env) is used as fallback.
	Token string `json:"token,omitempty"`

	// APIRatePerSec caps raw platform API calls (messages/sec) in the
	// adapter. 0 means the default of 20.
	APIRatePerSec int `json:"api_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"` // nil means enabled
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// RateLimitConfig tunes the outbound token bucket: at most Capacity sends per
// RefillInterval.
type RateLimitConfig struct {
	Capacity       int    `json:"capacity,omitempty"`
	RefillInterval string `json:"refill_interval,omitempty"` // Go duration string
}

// StickyConfig tunes the sticky re-post debounce.
type StickyConfig struct {
	Cooldown      string `json:"cooldown,omitempty"`       // Go duration string
	SweepInterval string `json:"sweep_interval,omitempty"` // Go duration string
}

type ScheduleConfig struct {
	// Timezone is an IANA name (e.g. "Asia/Jakarta") used for recurrence
	// math. Empty means the process-local zone.
	Timezone string `json:"timezone,omitempty"`
}

// ResolveToken returns the bot token, falling back to the environment.
func (c TelegramConfig) ResolveToken() string {
	if t := strings.TrimSpace(c.Token); t != "" {
		return t
	}
	return strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN"))
}

func (c LoggingConfig) ConsoleEnabled() bool {
	return c.Console == nil || *c.Console
}

func (c StorageConfig) PathOrDefault() string {
	if p := strings.TrimSpace(c.Path); p != "" {
		return p
	}
	return "./data/stagebot.db"
}

func (c RateLimitConfig) CapacityOrDefault() int {
	if c.Capacity > 0 {
		return c.Capacity
	}
	return 20
}

func (c ScheduleConfig) Location() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate rejects configs that cannot possibly run.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("ratelimit.refill_interval", cfg.RateLimit.RefillInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("sticky.cooldown", cfg.Sticky.Cooldown); err != nil {
		return err
	}
	if _, err := ParseDurationField("sticky.sweep_interval", cfg.Sticky.SweepInterval); err != nil {
		return err
	}
	if cfg.RateLimit.Capacity < 0 {
		return fmt.Errorf("ratelimit.capacity must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
	}
	return nil
}
