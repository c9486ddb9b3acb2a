package app

import (
	"context"
	"fmt"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/notify"
	"postbot/internal/planner"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// PlanDate generates and persists the posting plan for one day.
//
// An existing plan for the date is kept unless force is set; the returned bool
// reports whether generation actually ran. Regenerating for the current day
// restricts placement to instants after now, so already-elapsed slots are not
// re-planned into the past.
func (a *App) PlanDate(ctx context.Context, day time.Time, force bool) (planner.Plan, bool, error) {
	cfg := a.cfgm.Get()

	pcfg, err := mapPlannerConfig(&cfg.Planner, time.Time{}, nil)
	if err != nil {
		return planner.Plan{}, false, err
	}
	localDay := day.In(pcfg.Location)
	date := localDay.Format("2006-01-02")

	existing, err := a.store.LoadPlan(ctx, date)
	if err != nil {
		return planner.Plan{}, false, fmt.Errorf("load plan %s: %w", date, err)
	}
	if len(existing) > 0 && !force {
		a.log.Info("plan exists, generation skipped",
			logx.String("date", date), logx.Int("slots", len(existing)))
		return planFromStored(date, existing), false, nil
	}

	now := a.now()
	if now.In(pcfg.Location).Format("2006-01-02") == date {
		pcfg.NotBefore = now
	}

	plan := planner.Generate(mapTenants(cfg.Tenants), localDay, pcfg)

	if err := a.store.SavePlan(ctx, date, storedSlots(plan)); err != nil {
		return planner.Plan{}, false, fmt.Errorf("save plan %s: %w", date, err)
	}

	a.log.Info("plan generated",
		logx.String("date", date),
		logx.Int("slots", len(plan.Slots)),
		logx.Int("unplaced", len(plan.Unplaced)))
	a.bus.Publish(eventbus.Event{Type: eventbus.TypePlanGenerated, Time: now, Data: plan})

	if a.notif != nil && len(plan.Unplaced) > 0 {
		_ = a.notif.Notify(ctx, notify.Notification{
			Title:    "plan " + date,
			Body:     fmt.Sprintf("%d slots placed, %d posts did not fit the window", len(plan.Slots), len(plan.Unplaced)),
			Severity: notify.SeverityWarn,
		})
	}
	return plan, true, nil
}

func storedSlots(p planner.Plan) []storage.PlanSlot {
	out := make([]storage.PlanSlot, 0, len(p.Slots))
	for _, s := range p.Slots {
		out = append(out, storage.PlanSlot{TenantID: s.TenantID, At: s.At, SourceRef: s.SourceRef})
	}
	return out
}

func planFromStored(date string, slots []storage.PlanSlot) planner.Plan {
	p := planner.Plan{Date: date, Slots: make([]planner.Slot, 0, len(slots))}
	for _, s := range slots {
		p.Slots = append(p.Slots, planner.Slot{TenantID: s.TenantID, At: s.At, SourceRef: s.SourceRef})
	}
	return p
}
