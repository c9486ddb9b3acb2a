// Package app wires configuration into the running engine and owns the two
// execution modes: one-shot subcommands and the daemon loop.
package app

import (
	"context"
	"fmt"
	"time"

	"postbot/internal/config"
	"postbot/internal/coordinator"
	"postbot/internal/eventbus"
	"postbot/internal/lockfile"
	"postbot/internal/notify"
	"postbot/internal/poster"
	"postbot/internal/source"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	notif *notify.Service
	coord *coordinator.Coordinator

	now func() time.Time
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	var notifSvc *notify.Service
	if cfg.Notifier != nil && cfg.Notifier.Enabled {
		ncfg, err := mapNotifierConfig(cfg.Notifier)
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, err
		}
		sink, err := notify.NewTelegramSink(notify.TelegramConfig{
			Token:  cfg.Notifier.Telegram.Token,
			ChatID: cfg.Notifier.Telegram.ChatID,
		})
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, fmt.Errorf("notifier telegram sink: %w", err)
		}
		notifSvc = notify.New(ncfg, sink, log.With(logx.String("comp", "notify")))
	}

	ccfg, err := mapCoordinatorConfig(&cfg.Coordinator)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	pcfg, err := mapPosterConfig(&cfg.Poster)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	src := source.NewFileSource(log.With(logx.String("comp", "source")))
	transport := &poster.WebhookTransport{
		Endpoint: cfg.Poster.Endpoint,
		Token:    cfg.Poster.Token,
	}
	client := poster.New(transport, pcfg, log.With(logx.String("comp", "poster")))

	deps := coordinator.Deps{
		Tenants: mapTenants(cfg.Tenants),
		Store:   store,
		Lock:    lockfile.New(cfg.Coordinator.LockPath),
		Source:  src,
		Client:  client,
		Bus:     bus,
		Log:     log.With(logx.String("comp", "coordinator")),
	}
	if notifSvc != nil {
		deps.Notifier = notifSvc
	}
	coord := coordinator.New(ccfg, deps)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		notif:   notifSvc,
		coord:   coord,
		now:     time.Now,
	}, nil
}

// Tick runs one coordinator evaluation. Per-tenant outcomes land in the result;
// the error is reserved for coordinator-level failures.
func (a *App) Tick(ctx context.Context) (coordinator.TickResult, error) {
	return a.coord.Tick(ctx)
}

// DispatchOne dispatches for one tenant immediately, bypassing the due-check.
func (a *App) DispatchOne(ctx context.Context, tenantID string) (coordinator.TickResult, error) {
	return a.coord.DispatchOne(ctx, tenantID)
}

// Close releases everything New opened. Safe after a failed Run.
func (a *App) Close() error {
	if a.notif != nil {
		a.notif.Stop()
	}
	err := a.store.Close()
	if cerr := a.logs.Close(); err == nil {
		err = cerr
	}
	return err
}
