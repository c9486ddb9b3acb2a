// Package coordinator decides which tenant posts "now" and dispatches exactly
// one item per tick.
//
// Guarantees, in order of importance:
//   - single-flight: a process-wide advisory lock makes concurrent ticks exit
//     immediately instead of queueing;
//   - at-most-once: the chosen tenant's timestamp is persisted BEFORE the
//     dispatch runs, so a racing tick after lock release cannot double-post;
//     a worker failure does not roll the timestamp back;
//   - backpressure: one work item per tick regardless of how many tenants are
//     due.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/lockfile"
	"postbot/internal/notify"
	"postbot/internal/poster"
	"postbot/internal/source"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// Notifier is the slice of the notification pipeline the coordinator needs.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

type Coordinator struct {
	log logx.Logger
	cfg Config

	tenants []source.Tenant
	store   storage.Store
	lock    *lockfile.Lock
	src     source.Source
	client  *poster.Client
	ntf     Notifier
	bus     eventbus.Bus

	now func() time.Time

	// Runtime gates, in-memory only: a restart re-learns them from the
	// remote. gateMu covers both maps; an abandoned (timed-out) worker may
	// still write them after its tick returned.
	gateMu     sync.Mutex
	cooldown   map[string]time.Time // tenant id -> held until (rate limit)
	authFailed map[string]string    // tenant id -> reason
}

type Deps struct {
	Tenants  []source.Tenant
	Store    storage.Store
	Lock     *lockfile.Lock
	Source   source.Source
	Client   *poster.Client
	Notifier Notifier
	Bus      eventbus.Bus
	Log      logx.Logger

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

func New(cfg Config, deps Deps) *Coordinator {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		log:        log,
		cfg:        cfg,
		tenants:    deps.Tenants,
		store:      deps.Store,
		lock:       deps.Lock,
		src:        deps.Source,
		client:     deps.Client,
		ntf:        deps.Notifier,
		bus:        deps.Bus,
		now:        now,
		cooldown:   map[string]time.Time{},
		authFailed: map[string]string{},
	}
}

// Tick runs one evaluation cycle.
//
// The returned error is reserved for coordinator-level failures (lock I/O,
// state-store I/O); per-tenant outcomes land in TickResult and the
// notification sink. Tick relies on the lock for mutual exclusion, which also
// covers concurrent ticks from other processes.
func (c *Coordinator) Tick(ctx context.Context) (TickResult, error) {
	if err := c.lock.TryAcquire(); err != nil {
		if isHeld(err) {
			c.log.Info("tick skipped, another run in progress", logx.Any("holder", err))
			c.notifyf(ctx, notify.SeverityWarn, "tick skipped", "lock unavailable: %v", err)
			return TickResult{Status: StatusAlreadyRunning}, nil
		}
		return TickResult{}, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = c.lock.Release() }()

	recs, err := c.store.LoadRecords(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("load execution records: %w", err)
	}
	now := c.now()

	tenant, ok := c.pickDue(recs, now)
	if !ok {
		c.log.Debug("nothing due", logx.Time("now", now))
		res := TickResult{Status: StatusNothingDue}
		c.publishTick(res, now)
		return res, nil
	}

	// Optimistic bump before the worker runs. This is what makes a racing
	// tick see the tenant as not-due even if our worker is still in flight.
	if recs == nil {
		recs = storage.Records{}
	}
	recs[tenant.ID] = now.UTC()
	if err := c.store.SaveRecords(ctx, recs); err != nil {
		return TickResult{}, fmt.Errorf("persist execution records: %w", err)
	}

	res := c.dispatch(ctx, tenant, now)
	c.publishTick(res, now)
	return res, nil
}

// DispatchOne bypasses the due-check for one tenant (manual/test path). It
// still takes the lock, still bumps the persisted record first, and still
// goes through the selector and the action client.
func (c *Coordinator) DispatchOne(ctx context.Context, tenantID string) (TickResult, error) {
	tenant, ok := c.findTenant(tenantID)
	if !ok {
		return TickResult{}, fmt.Errorf("unknown tenant %q", tenantID)
	}

	if err := c.lock.TryAcquire(); err != nil {
		if isHeld(err) {
			return TickResult{Status: StatusAlreadyRunning}, nil
		}
		return TickResult{}, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = c.lock.Release() }()

	recs, err := c.store.LoadRecords(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("load execution records: %w", err)
	}
	now := c.now()
	if recs == nil {
		recs = storage.Records{}
	}
	recs[tenant.ID] = now.UTC()
	if err := c.store.SaveRecords(ctx, recs); err != nil {
		return TickResult{}, fmt.Errorf("persist execution records: %w", err)
	}

	res := c.dispatch(ctx, tenant, now)
	c.publishTick(res, now)
	return res, nil
}

// ClearAuthFailures forgets per-tenant auth gates, typically after a config
// reload replaced credentials.
func (c *Coordinator) ClearAuthFailures() {
	c.gateMu.Lock()
	c.authFailed = map[string]string{}
	c.gateMu.Unlock()
}

// pickDue returns the most-overdue due tenant. Never-executed tenants are the
// oldest of all; ties break on tenant id so the choice is deterministic.
func (c *Coordinator) pickDue(recs storage.Records, now time.Time) (source.Tenant, bool) {
	var due []source.Tenant
	for _, t := range c.tenants {
		if !t.Enabled {
			continue
		}
		if reason, bad := c.gatedAuth(t.ID); bad {
			c.log.Debug("tenant held for auth failure", logx.String("tenant", t.ID), logx.String("reason", reason))
			continue
		}
		if until, held := c.gatedCooldown(t.ID, now); held {
			c.log.Debug("tenant held for rate limit", logx.String("tenant", t.ID), logx.Time("until", until))
			continue
		}
		last, executed := recs[t.ID]
		if !executed || !now.Before(last.Add(c.cfg.Interval)) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return source.Tenant{}, false
	}

	sort.Slice(due, func(i, j int) bool {
		li, iOK := recs[due[i].ID]
		lj, jOK := recs[due[j].ID]
		if iOK != jOK {
			return !iOK // never-executed first
		}
		if iOK && !li.Equal(lj) {
			return li.Before(lj)
		}
		return due[i].ID < due[j].ID
	})
	return due[0], true
}

func (c *Coordinator) findTenant(id string) (source.Tenant, bool) {
	for _, t := range c.tenants {
		if t.ID == id {
			return t, true
		}
	}
	return source.Tenant{}, false
}

func (c *Coordinator) publishTick(res TickResult, now time.Time) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeTickFinished, Time: now, Data: res})
}

func (c *Coordinator) notifyf(ctx context.Context, sev notify.Severity, title, format string, args ...any) {
	if c.ntf == nil {
		return
	}
	_ = c.ntf.Notify(ctx, notify.Notification{
		Title:    title,
		Body:     fmt.Sprintf(format, args...),
		Severity: sev,
	})
}

func isHeld(err error) bool {
	return errors.Is(err, lockfile.ErrHeld)
}

func (c *Coordinator) gatedAuth(id string) (string, bool) {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	reason, bad := c.authFailed[id]
	return reason, bad
}

// gatedCooldown reports whether the tenant is still rate-limit-held at now,
// clearing expired holds as a side effect.
func (c *Coordinator) gatedCooldown(id string, now time.Time) (time.Time, bool) {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	until, held := c.cooldown[id]
	if !held {
		return time.Time{}, false
	}
	if now.Before(until) {
		return until, true
	}
	delete(c.cooldown, id)
	return time.Time{}, false
}
