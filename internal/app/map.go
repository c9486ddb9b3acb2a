package app

import (
	"math/rand"
	"strings"
	"time"

	"postbot/internal/config"
	"postbot/internal/coordinator"
	"postbot/internal/notify"
	"postbot/internal/planner"
	"postbot/internal/poster"
	"postbot/internal/source"
	"postbot/internal/storage"
)

// Mapping from the wire config (strings, optional sections) into the typed
// runtime configs each package takes. Durations were already validated by
// config.Validate; parse errors here are fail-fast anyway.

func mapTenants(in []config.TenantConfig) []source.Tenant {
	out := make([]source.Tenant, 0, len(in))
	for _, t := range in {
		out = append(out, source.Tenant{
			ID:          t.ID,
			PostsPerDay: t.PostsPerDay,
			SourceRef:   t.SourceRef,
			Enabled:     t.IsEnabled(),
		})
	}
	return out
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.TrimSpace(strings.ToLower(cfg.Storage.Driver))
	if driver == "" {
		driver = "file"
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapCoordinatorConfig(c *config.CoordinatorConfig) (coordinator.Config, error) {
	interval, err := config.ParseDurationOrDefault("coordinator.interval", c.Interval, time.Hour)
	if err != nil {
		return coordinator.Config{}, err
	}
	minIdle, err := config.ParseDurationField("coordinator.min_idle", c.MinIdle)
	if err != nil {
		return coordinator.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("coordinator.dispatch_timeout", c.DispatchTimeout, 2*time.Minute)
	if err != nil {
		return coordinator.Config{}, err
	}
	return coordinator.Config{
		Interval:        interval,
		MinIdle:         minIdle,
		DispatchTimeout: timeout,
	}, nil
}

func mapPosterConfig(c *config.PosterConfig) (poster.Config, error) {
	base, err := config.ParseDurationField("poster.retry_base", c.RetryBase)
	if err != nil {
		return poster.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("poster.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return poster.Config{}, err
	}
	return poster.Config{
		Attempts:      c.Attempts,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RetryJitter:   c.RetryJitter,
	}, nil
}

func mapNotifierConfig(n *config.NotifierConfig) (notify.Config, error) {
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}

func mapPlannerConfig(p *config.PlannerConfig, notBefore time.Time, rng *rand.Rand) (planner.Config, error) {
	gap, err := config.ParseDurationField("planner.min_gap", p.MinGap)
	if err != nil {
		return planner.Config{}, err
	}
	loc := time.UTC
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return planner.Config{}, err
		}
	}
	return planner.Config{
		StartHour:  p.StartHour,
		EndHour:    p.EndHour,
		MinGap:     gap,
		MaxPerHour: p.MaxPerHour,
		NotBefore:  notBefore,
		Location:   loc,
		Rand:       rng,
	}, nil
}
