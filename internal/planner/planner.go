// Package planner computes a whole day's conflict-free posting plan: one slot
// per (tenant, post) under a local time window, a global minimum gap between
// slots, and an optional per-hour cap.
package planner

import (
	"math/rand"
	"sort"
	"time"

	"postbot/internal/source"
)

// Config controls plan generation for one day.
type Config struct {
	// StartHour/EndHour bound the local placement window [StartHour, EndHour).
	StartHour int
	EndHour   int

	// MinGap is the minimum spacing between any two slots, across tenants.
	MinGap time.Duration

	// MaxPerHour caps placements per local hour. 0 disables the cap.
	MaxPerHour int

	// NotBefore restricts placement to instants at or after it.
	// Used when regenerating a plan mid-day. Zero means no restriction.
	NotBefore time.Time

	// Location is the timezone the window hours refer to. Nil means UTC.
	Location *time.Location

	// Rand drives the fairness shuffle. Nil means a time-seeded source.
	Rand *rand.Rand
}

// Slot is one (tenant, time) placement. At is always UTC.
type Slot struct {
	TenantID  string    `json:"tenant_id"`
	At        time.Time `json:"scheduled_time"`
	SourceRef string    `json:"source_ref"`
}

// Unplaced reports a post that could not be placed. Per-task outcome, never an
// error for the whole batch.
type Unplaced struct {
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason"`
}

// Plan is the result of one day's generation. Slots are sorted ascending.
type Plan struct {
	Date     string     `json:"date"` // ISO date, YYYY-MM-DD
	Slots    []Slot     `json:"slots"`
	Unplaced []Unplaced `json:"unplaced,omitempty"`
}

const scanStep = time.Minute

// Generate expands every enabled tenant into PostsPerDay placement tasks,
// shuffles them (fairness tie-break, not priority), and greedily places each
// task at the first instant that satisfies the window, per-hour cap, and
// minimum-gap constraints. Tasks that exhaust the window are reported in
// Unplaced and skipped.
//
// The search cursor only moves forward: after a placement it advances past the
// placed slot by MinGap. A shuffle order that front-loads one tenant can
// therefore starve later tasks when the window is tight; that unevenness is a
// known property of this algorithm, not corrected here.
func Generate(tenants []source.Tenant, date time.Time, cfg Config) Plan {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	windowStart := day.Add(time.Duration(cfg.StartHour) * time.Hour)
	windowEnd := day.Add(time.Duration(cfg.EndHour) * time.Hour)

	plan := Plan{Date: day.Format("2006-01-02")}

	// One task per post per enabled tenant.
	type task struct{ tenant source.Tenant }
	var tasks []task
	for _, t := range tenants {
		if !t.Enabled {
			continue
		}
		for i := 0; i < t.PostsPerDay; i++ {
			tasks = append(tasks, task{tenant: t})
		}
	}
	if len(tasks) == 0 {
		return plan
	}
	rng.Shuffle(len(tasks), func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })

	cursor := windowStart
	if !cfg.NotBefore.IsZero() && cfg.NotBefore.After(cursor) {
		cursor = cfg.NotBefore.In(loc).Truncate(scanStep).Add(scanStep)
	}

	perHour := map[int]int{}

	for _, tk := range tasks {
		at, ok := place(cursor, windowEnd, cfg, plan.Slots, perHour, loc)
		if !ok {
			plan.Unplaced = append(plan.Unplaced, Unplaced{
				TenantID: tk.tenant.ID,
				Reason:   "no slot left in window",
			})
			continue
		}
		plan.Slots = append(plan.Slots, Slot{
			TenantID:  tk.tenant.ID,
			At:        at.UTC(),
			SourceRef: tk.tenant.SourceRef,
		})
		perHour[at.In(loc).Hour()]++
		cursor = at.Add(cfg.MinGap)
	}

	sort.Slice(plan.Slots, func(i, j int) bool { return plan.Slots[i].At.Before(plan.Slots[j].At) })
	return plan
}

// place scans forward from the cursor in fixed steps until it finds an instant
// that satisfies all constraints. Reaching the end of the window abandons the
// task, which bounds the scan by the window duration.
func place(cursor, windowEnd time.Time, cfg Config, placed []Slot, perHour map[int]int, loc *time.Location) (time.Time, bool) {
	for t := cursor; t.Before(windowEnd); t = t.Add(scanStep) {
		hour := t.In(loc).Hour()
		if hour < cfg.StartHour || hour >= cfg.EndHour {
			continue
		}
		if cfg.MaxPerHour > 0 && perHour[hour] >= cfg.MaxPerHour {
			continue
		}
		if tooClose(t, placed, cfg.MinGap) {
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

func tooClose(t time.Time, placed []Slot, gap time.Duration) bool {
	for _, s := range placed {
		d := t.Sub(s.At)
		if d < 0 {
			d = -d
		}
		if d < gap {
			return true
		}
	}
	return false
}
