// Package source defines the work-item boundary: the tenants on whose behalf
// posts are published and the external store that owns their pending items.
//
// Concrete backends (spreadsheets, databases, scrapers) live outside the
// engine; the engine only lists candidates and requests "mark executed"
// updates, never caching items beyond one selection.
package source

import (
	"context"
	"time"
)

// Tenant is an independently configured identity on whose behalf work is
// scheduled and executed. Tenants come from static configuration and are
// immutable during a run.
type Tenant struct {
	ID          string
	PostsPerDay int
	SourceRef   string // opaque handle to the tenant's work-item store
	Enabled     bool
}

// WorkItem is a pending unit of content owned by the external store.
//
// LastExecutedAt is zero for items that have never been posted.
// LocationRef is an opaque handle the store uses to find the item again
// when the engine requests a "mark executed" update.
type WorkItem struct {
	ID             string    `json:"id"`
	Payload        string    `json:"payload"`
	MediaRef       string    `json:"media_ref,omitempty"`
	Eligible       bool      `json:"eligible"`
	ExecutionCount int       `json:"execution_count"`
	LastExecutedAt time.Time `json:"last_executed_at,omitzero"`
	LocationRef    string    `json:"location_ref,omitempty"`
}

// Source lists a tenant's candidate items and records executions.
type Source interface {
	ListCandidates(ctx context.Context, tenant Tenant) ([]WorkItem, error)
	MarkExecuted(ctx context.Context, tenant Tenant, locationRef string, at time.Time) error
}
