package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"postbot/internal/config"
	"postbot/internal/trigger"
	logx "postbot/pkg/logx"
)

const (
	defaultTickSchedule = "@every 1m"
	defaultPlanSchedule = "00:05"
)

// Run starts daemon mode: cron triggers for the tick cadence and daily plan
// generation, config hot reload, and systemd readiness/watchdog when running
// under systemd. Blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfgm.Get()

	if a.notif != nil {
		a.notif.Start()
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Daemon.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("daemon.timezone: %w", err)
		}
		loc = l
	}

	tickSpec, err := trigger.ParseSchedule(orDefault(cfg.Daemon.TickSchedule, defaultTickSchedule))
	if err != nil {
		return fmt.Errorf("daemon.tick_schedule: %w", err)
	}
	planSpec, err := trigger.ParseSchedule(orDefault(cfg.Daemon.PlanSchedule, defaultPlanSchedule))
	if err != nil {
		return fmt.Errorf("daemon.plan_schedule: %w", err)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))

	if _, err := c.AddFunc(tickSpec.CronSpec(), func() { a.runTick(ctx) }); err != nil {
		return fmt.Errorf("register tick trigger: %w", err)
	}
	if _, err := c.AddFunc(planSpec.CronSpec(), func() { a.runPlan(ctx) }); err != nil {
		return fmt.Errorf("register plan trigger: %w", err)
	}

	// Make sure today has a plan before the first trigger fires.
	a.runPlan(ctx)

	// Config hot reload. Logging and the auth gate are re-applied live;
	// topology sections need a restart.
	go func() {
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	sub := a.cfgm.Subscribe(8)
	go a.reloadLoop(ctx, sub)

	// Debug visibility into the lifecycle events the components publish.
	events, unsub := a.bus.Subscribe(128)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}()

	c.Start()
	a.log.Info("daemon started",
		logx.String("tick", tickSpec.CronSpec()),
		logx.String("plan", planSpec.CronSpec()),
		logx.String("tz", loc.String()))

	if ok, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	go a.watchdogLoop(ctx)

	<-ctx.Done()

	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
	<-c.Stop().Done()
	if a.notif != nil {
		a.notif.Stop()
		a.log.Info("notifier drained", logx.Int("delivered", len(a.notif.Snapshot())))
	}
	a.log.Info("daemon stopped")
	return nil
}

func (a *App) runTick(ctx context.Context) {
	res, err := a.coord.Tick(ctx)
	if err != nil {
		a.log.Error("tick failed", logx.Err(err))
		return
	}
	a.log.Debug("tick done",
		logx.String("status", res.Status.String()),
		logx.String("tenant", res.TenantID),
		logx.String("outcome", res.Outcome.String()))
}

func (a *App) runPlan(ctx context.Context) {
	if _, _, err := a.PlanDate(ctx, a.now(), false); err != nil {
		a.log.Error("plan generation failed", logx.Err(err))
	}
}

// reloadLoop applies committed config updates. Logging changes take effect
// immediately; an accepted reload also clears the coordinator's auth gate so a
// fixed credential gets retried. Tenant/planner/poster/storage changes only
// apply after a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
			a.coord.ClearAuthFailures()
			a.log.Info("config reloaded",
				logx.String("level", newCfg.Logging.Level),
				logx.Any("tenants", newCfg.TenantIDs()))
			a.log.Warn("tenant, planner, poster and storage changes take effect on restart")
		}
	}
}

func (a *App) watchdogLoop(ctx context.Context) {
	interval, err := sd.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("sd_watchdog probe failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = sd.SdNotify(false, sd.SdNotifyWatchdog)
		}
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
