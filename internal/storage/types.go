package storage

import (
	"context"
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): JSON files next to Path, replaced atomically
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Records maps tenant id -> last execution time (UTC). The map is only ever
// replaced wholesale; partial writes must never be observable.
type Records map[string]time.Time

// PlanSlot is one persisted (tenant, time) placement.
type PlanSlot struct {
	TenantID  string    `json:"tenant_id"`
	At        time.Time `json:"scheduled_time"`
	SourceRef string    `json:"source_ref"`
}

// Store is the persistence API used by the coordinator and the planner glue.
//
// SaveRecords and SavePlan are atomic from the perspective of concurrent
// readers: a reader sees either the previous state or the new one, never a
// torn write. SavePlan replaces the named date only; other dates survive.
type Store interface {
	LoadRecords(ctx context.Context) (Records, error)
	SaveRecords(ctx context.Context, recs Records) error

	LoadPlan(ctx context.Context, date string) ([]PlanSlot, error)
	SavePlan(ctx context.Context, date string, slots []PlanSlot) error

	Close() error
}
