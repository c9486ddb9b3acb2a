// Package selector picks the single best work item for a tenant's next post.
package selector

import (
	"sort"
	"time"

	"postbot/internal/source"
)

// Select filters items down to those eligible for posting and returns the
// best one.
//
// Filter: Eligible is true and the item was last posted at least minIdle ago.
// Items that were never posted pass the idle filter unconditionally.
//
// Rank: fewest executions first; among equals, the longest-idle item wins
// (never-posted items count as idle forever). Remaining ties fall back to the
// item id so the result is deterministic.
//
// The second return is false when nothing qualifies; that is "nothing to do
// this cycle", not an error.
func Select(items []source.WorkItem, now time.Time, minIdle time.Duration) (source.WorkItem, bool) {
	pool := make([]source.WorkItem, 0, len(items))
	for _, it := range items {
		if !it.Eligible {
			continue
		}
		if !it.LastExecutedAt.IsZero() && now.Sub(it.LastExecutedAt) < minIdle {
			continue
		}
		pool = append(pool, it)
	}
	if len(pool) == 0 {
		return source.WorkItem{}, false
	}

	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.ExecutionCount != b.ExecutionCount {
			return a.ExecutionCount < b.ExecutionCount
		}
		ai, bi := idleFor(a, now), idleFor(b, now)
		if ai != bi {
			return ai > bi
		}
		return a.ID < b.ID
	})
	return pool[0], true
}

func idleFor(it source.WorkItem, now time.Time) time.Duration {
	if it.LastExecutedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(it.LastExecutedAt)
}
