package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type Config struct {
	Tenants []TenantConfig `json:"tenants"`

	Planner     PlannerConfig     `json:"planner"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Poster      PosterConfig      `json:"poster"`

	// Notifier may be omitted entirely; nil disables the pipeline.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Storage StorageConfig `json:"storage"`
	Daemon  DaemonConfig  `json:"daemon,omitempty"`
	Logging LoggingConfig `json:"logging"`
}

// TenantConfig describes one account the engine schedules and dispatches for.
//
// Enabled is a pointer so an omitted field defaults to true while an explicit
// false still disables the tenant.
type TenantConfig struct {
	ID          string `json:"id"`
	PostsPerDay int    `json:"posts_per_day"`
	SourceRef   string `json:"source_ref"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

func (t TenantConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// PlannerConfig controls daily schedule generation.
//
// MinGap is a Go duration string (e.g. "45m"). Hours are local to Timezone.
type PlannerConfig struct {
	StartHour  int    `json:"start_hour"`
	EndHour    int    `json:"end_hour"`
	MinGap     string `json:"min_gap"`
	MaxPerHour int    `json:"max_per_hour"`
	Timezone   string `json:"timezone,omitempty"`
}

// CoordinatorConfig controls tick evaluation.
//
// All durations are Go duration strings.
type CoordinatorConfig struct {
	// Interval is the minimum time between two dispatches for one tenant.
	Interval string `json:"interval"`
	// MinIdle is the minimum idle time a work item needs before it is
	// eligible again. "0s" disables the filter.
	MinIdle string `json:"min_idle,omitempty"`
	// DispatchTimeout bounds one dispatch attempt. "0s" disables it.
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
	LockPath        string `json:"lock_path"`
}

// PosterConfig controls the outbound action client.
type PosterConfig struct {
	Endpoint string `json:"endpoint"`
	Token    string `json:"token,omitempty"`

	Attempts int `json:"attempts,omitempty"`
	// RetryBase and RetryMaxDelay are Go duration strings.
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifierConfig struct {
	Enabled         bool           `json:"enabled"`
	Workers         int            `json:"workers"`
	QueueSize       int            `json:"queue_size"`
	RatePerSec      int            `json:"rate_per_sec"`
	RetryMax        int            `json:"retry_max"`
	RetryBase       string         `json:"retry_base"`
	RetryMaxDelay   string         `json:"retry_max_delay"`
	DedupWindow     string         `json:"dedup_window"`
	DedupMaxEntries int            `json:"dedup_max_entries"`
	Telegram        TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// StorageConfig selects the state-store driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./postbot_state" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DaemonConfig controls run mode. Schedule strings accept cron specs,
// "@every ...", plain Go durations and "HH:MM" daily times.
type DaemonConfig struct {
	TickSchedule string `json:"tick_schedule,omitempty"` // default: "@every 1m"
	PlanSchedule string `json:"plan_schedule,omitempty"` // default: "00:05"
	Timezone     string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Validate rejects configurations the engine cannot start with. It is called
// once at startup (fatal) and again before each hot-reload commit (reject).
func (c *Config) Validate() error {
	if len(c.Tenants) == 0 {
		return fmt.Errorf("tenants: at least one tenant required")
	}
	seen := map[string]struct{}{}
	for i, t := range c.Tenants {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return fmt.Errorf("tenants[%d]: id required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("tenants[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		if t.PostsPerDay < 0 {
			return fmt.Errorf("tenants[%d] (%s): posts_per_day must be >= 0", i, id)
		}
		if t.IsEnabled() && t.PostsPerDay > 0 && strings.TrimSpace(t.SourceRef) == "" {
			return fmt.Errorf("tenants[%d] (%s): source_ref required", i, id)
		}
	}

	p := c.Planner
	if p.StartHour < 0 || p.EndHour > 24 || p.StartHour >= p.EndHour {
		return fmt.Errorf("planner: window [%d, %d) is not a valid hour range", p.StartHour, p.EndHour)
	}
	if _, err := ParseDurationField("planner.min_gap", p.MinGap); err != nil {
		return err
	}
	if p.MaxPerHour < 0 {
		return fmt.Errorf("planner.max_per_hour must be >= 0")
	}
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("planner.timezone: %w", err)
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"coordinator.interval", c.Coordinator.Interval},
		{"coordinator.min_idle", c.Coordinator.MinIdle},
		{"coordinator.dispatch_timeout", c.Coordinator.DispatchTimeout},
		{"poster.retry_base", c.Poster.RetryBase},
		{"poster.retry_max_delay", c.Poster.RetryMaxDelay},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.Coordinator.LockPath) == "" {
		return fmt.Errorf("coordinator.lock_path required")
	}
	if strings.TrimSpace(c.Poster.Endpoint) == "" {
		return fmt.Errorf("poster.endpoint required")
	}
	if c.Poster.RetryJitter < 0 || c.Poster.RetryJitter > 1 {
		return fmt.Errorf("poster.retry_jitter must be within [0, 1]")
	}

	switch strings.TrimSpace(strings.ToLower(c.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path required")
	}

	if n := c.Notifier; n != nil && n.Enabled {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		if strings.TrimSpace(n.Telegram.Token) == "" || n.Telegram.ChatID == 0 {
			return fmt.Errorf("notifier.telegram: token and chat_id required when enabled")
		}
	}

	if tz := strings.TrimSpace(c.Daemon.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("daemon.timezone: %w", err)
		}
	}
	return nil
}

// ParseDurationField parses a duration-valued config string. Empty or
// whitespace-only means "unset" and yields zero. path names the field in
// error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// unset value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// TenantIDs returns the configured tenant ids, sorted.
func (c *Config) TenantIDs() []string {
	out := make([]string, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		out = append(out, t.ID)
	}
	sort.Strings(out)
	return out
}
