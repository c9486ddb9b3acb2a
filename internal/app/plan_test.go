package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
tenants:
  - id: alpha
    posts_per_day: 2
    source_ref: %s
  - id: beta
    posts_per_day: 1
    source_ref: %s
planner:
  start_hour: 9
  end_hour: 21
  min_gap: 30m
  max_per_hour: 2
coordinator:
  interval: 4h
  lock_path: %s
poster:
  endpoint: https://post.example/api
storage:
  driver: file
  path: %s
logging:
  level: error
  console: false
`,
		filepath.Join(dir, "alpha.json"),
		filepath.Join(dir, "beta.json"),
		filepath.Join(dir, "tick.lock"),
		filepath.Join(dir, "state"))

	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestPlanDateGeneratesOncePerDate(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	day := time.Date(2027, 3, 14, 0, 0, 0, 0, time.UTC)

	plan, generated, err := a.PlanDate(ctx, day, false)
	if err != nil {
		t.Fatalf("PlanDate: %v", err)
	}
	if !generated {
		t.Fatal("first call did not generate")
	}
	if got := len(plan.Slots) + len(plan.Unplaced); got != 3 {
		t.Fatalf("slots+unplaced = %d, want 3 (2 alpha + 1 beta)", got)
	}
	if plan.Date != "2027-03-14" {
		t.Fatalf("date = %s", plan.Date)
	}

	// Second call keeps the stored plan.
	again, generated, err := a.PlanDate(ctx, day, false)
	if err != nil {
		t.Fatal(err)
	}
	if generated {
		t.Fatal("existing plan regenerated without force")
	}
	if len(again.Slots) != len(plan.Slots) {
		t.Fatalf("stored plan has %d slots, generated had %d", len(again.Slots), len(plan.Slots))
	}
	for i := range again.Slots {
		if !again.Slots[i].At.Equal(plan.Slots[i].At) || again.Slots[i].TenantID != plan.Slots[i].TenantID {
			t.Fatalf("slot %d differs after reload: %+v vs %+v", i, again.Slots[i], plan.Slots[i])
		}
	}

	// Force regenerates and replaces the date.
	if _, generated, err = a.PlanDate(ctx, day, true); err != nil || !generated {
		t.Fatalf("forced regeneration = (%v, %v)", generated, err)
	}

	// A different date is untouched by regeneration.
	other := day.AddDate(0, 0, 1)
	if _, generated, err = a.PlanDate(ctx, other, false); err != nil || !generated {
		t.Fatalf("next day = (%v, %v)", generated, err)
	}
}

func TestPlanDateMidDayRegenerationAvoidsPast(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	noon := time.Date(2027, 3, 14, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return noon }

	plan, generated, err := a.PlanDate(ctx, noon, false)
	if err != nil {
		t.Fatalf("PlanDate: %v", err)
	}
	if !generated {
		t.Fatal("plan not generated")
	}
	for _, s := range plan.Slots {
		if s.At.Before(noon) {
			t.Fatalf("slot %s for %s planned into the past", s.At, s.TenantID)
		}
	}
}

func TestTickThroughApp(t *testing.T) {
	a := newTestApp(t)

	// No work item files exist, so the due tenant resolves to no eligible work.
	res, err := a.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.TenantID == "" {
		t.Fatalf("status = %s, want a dispatched tenant", res.Status)
	}
}
