package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"postbot/internal/lockfile"
	"postbot/internal/notify"
	"postbot/internal/poster"
	"postbot/internal/source"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// fakeSource serves a fixed item list per tenant and records mark calls.
type fakeSource struct {
	mu     sync.Mutex
	items  map[string][]source.WorkItem
	marked []string
	err    error
}

func (f *fakeSource) ListCandidates(ctx context.Context, t source.Tenant) ([]source.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.items[t.ID], nil
}

func (f *fakeSource) MarkExecuted(ctx context.Context, t source.Tenant, ref string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, t.ID+"/"+ref)
	return nil
}

// fakeTransport returns scripted errors per tenant; nil means success.
type fakeTransport struct {
	mu    sync.Mutex
	errs  map[string]error
	calls []string
}

func (f *fakeTransport) Post(ctx context.Context, t source.Tenant, item source.WorkItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, t.ID)
	if err := f.errs[t.ID]; err != nil {
		return "", err
	}
	return "ext-" + t.ID + "-" + item.ID, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, n)
	return nil
}

type fixture struct {
	coord *Coordinator
	store storage.Store
	src   *fakeSource
	tr    *fakeTransport
	ntf   *recordingNotifier
	lock  *lockfile.Lock
	now   time.Time
	clock *time.Time
}

func item(id string) source.WorkItem {
	return source.WorkItem{ID: id, Payload: "p-" + id, Eligible: true, LocationRef: id}
}

func newFixture(t *testing.T, tenants []source.Tenant, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "state")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	src := &fakeSource{items: map[string][]source.WorkItem{}}
	for _, tn := range tenants {
		src.items[tn.ID] = []source.WorkItem{item("w1"), item("w2")}
	}
	tr := &fakeTransport{errs: map[string]error{}}
	ntf := &recordingNotifier{}
	lock := lockfile.New(filepath.Join(dir, "tick.lock"))

	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := &now

	client := poster.New(tr, poster.Config{Attempts: 2, RetryBase: time.Millisecond}, logx.Nop())
	coord := New(cfg, Deps{
		Tenants:  tenants,
		Store:    st,
		Lock:     lock,
		Source:   src,
		Client:   client,
		Notifier: ntf,
		Log:      logx.Nop(),
		Now:      func() time.Time { return *clock },
	})
	return &fixture{coord: coord, store: st, src: src, tr: tr, ntf: ntf, lock: lock, now: now, clock: clock}
}

func tenants(ids ...string) []source.Tenant {
	out := make([]source.Tenant, 0, len(ids))
	for _, id := range ids {
		out = append(out, source.Tenant{ID: id, Enabled: true, PostsPerDay: 1, SourceRef: "ref-" + id})
	}
	return out
}

func defaultCfg() Config {
	return Config{Interval: time.Hour, MinIdle: 0, DispatchTimeout: 5 * time.Second}
}

func TestTickDispatchesAndPersists(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenants("alpha"), defaultCfg())

	res, err := f.coord.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Status != StatusDispatched || res.TenantID != "alpha" {
		t.Fatalf("res = %+v", res)
	}
	if res.Outcome != OutcomePosted {
		t.Fatalf("outcome = %s, want posted", res.Outcome)
	}
	if res.ExternalID == "" {
		t.Fatal("external id missing")
	}

	recs, _ := f.store.LoadRecords(context.Background())
	if got := recs["alpha"]; !got.Equal(f.now) {
		t.Fatalf("persisted last run = %s, want %s", got, f.now)
	}
	if len(f.src.marked) != 1 {
		t.Fatalf("marked = %v, want one entry", f.src.marked)
	}
}

func TestTickIdempotentWithoutTimeAdvance(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenants("alpha"), defaultCfg())
	ctx := context.Background()

	first, err := f.coord.Tick(ctx)
	if err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	if first.Status != StatusDispatched {
		t.Fatalf("first status = %s", first.Status)
	}

	// Same simulated time: the optimistic bump must make this a no-op.
	second, err := f.coord.Tick(ctx)
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if second.Status != StatusNothingDue {
		t.Fatalf("second status = %s, want nothing_due", second.Status)
	}
	if f.tr.callCount() != 1 {
		t.Fatalf("transport called %d times, want 1", f.tr.callCount())
	}
}

func TestTickBecomesDueAfterInterval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenants("alpha"), defaultCfg())
	ctx := context.Background()

	if _, err := f.coord.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	*f.clock = f.now.Add(61 * time.Minute)
	res, err := f.coord.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDispatched {
		t.Fatalf("status after interval = %s, want dispatched", res.Status)
	}
}

func TestTickLockUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenants("alpha"), defaultCfg())

	other := lockfile.New(f.lock.Path())
	if err := other.TryAcquire(); err != nil {
		t.Fatal(err)
	}
	defer other.Release()

	res, err := f.coord.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Status != StatusAlreadyRunning {
		t.Fatalf("status = %s, want already_running", res.Status)
	}
	if f.tr.callCount() != 0 {
		t.Fatal("transport called while lock held elsewhere")
	}
	// State untouched.
	recs, _ := f.store.LoadRecords(context.Background())
	if len(recs) != 0 {
		t.Fatalf("records mutated: %v", recs)
	}
}

func TestTickReleasesLockOnEveryPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenants("alpha"), defaultCfg())
	f.src.err = errors.New("source exploded")

	res, err := f.coord.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	// Lock must be free again.
	probe := lockfile.New(f.lock.Path())
	if err := probe.TryAcquire(); err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = probe.Release()
}

func TestNeverExecutedBeatsRecentlyExecuted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenants("recent", "virgin"), defaultCfg())
	ctx := context.Background()

	// "recent" ran 1 minute ago; interval has not elapsed, so even though it
	// exists in the records it is not due. "virgin" has never run.
	if err := f.store.SaveRecords(ctx, storage.Records{"recent": f.now.Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}

	res, err := f.coord.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.TenantID != "virgin" {
		t.Fatalf("dispatched %s, want virgin", res.TenantID)
	}
}

func TestMostOverdueWinsWithDeterministicTies(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenants("b", "a", "c"), defaultCfg())
	ctx := context.Background()

	old := f.now.Add(-10 * time.Hour)
	if err := f.store.SaveRecords(ctx, storage.Records{
		"a": f.now.Add(-2 * time.Hour),
		"b": old,
		"c": old,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := f.coord.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// b and c tie as most overdue; tenant id breaks the tie.
	if res.TenantID != "b" {
		t.Fatalf("dispatched %s, want b", res.TenantID)
	}
}

func TestRateLimitGatesTenantUntilReset(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenants("alpha"), defaultCfg())
	ctx := context.Background()

	reset := f.now.Add(3 * time.Hour)
	f.tr.errs["alpha"] = &poster.RateLimitedError{ResetAt: reset, Remaining: 3 * time.Hour}

	res, err := f.coord.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeRateLimited {
		t.Fatalf("outcome = %s, want rate_limited", res.Outcome)
	}
	if !res.ResetAt.Equal(reset) {
		t.Fatalf("ResetAt = %s, want %s", res.ResetAt, reset)
	}

	// Interval elapses, but the cooldown still holds the tenant.
	f.tr.errs["alpha"] = nil
	*f.clock = f.now.Add(2 * time.Hour)
	res, err = f.coord.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusNothingDue {
		t.Fatalf("status before reset = %s, want nothing_due", res.Status)
	}

	// Past the reset instant the tenant dispatches again.
	*f.clock = reset.Add(time.Minute)
	res, err = f.coord.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusDispatched || res.Outcome != OutcomePosted {
		t.Fatalf("after reset: %+v", res)
	}
}

func TestAuthFailureGatesUntilCleared(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenants("alpha"), defaultCfg())
	ctx := context.Background()

	f.tr.errs["alpha"] = &poster.AuthError{Reason: "revoked"}
	res, err := f.coord.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAuthFailed {
		t.Fatalf("outcome = %s, want auth_failed", res.Outcome)
	}

	// Even far in the future the tenant stays held.
	*f.clock = f.now.Add(100 * time.Hour)
	res, _ = f.coord.Tick(ctx)
	if res.Status != StatusNothingDue {
		t.Fatalf("status while auth-held = %s, want nothing_due", res.Status)
	}

	// Operator fixes config; the gate clears.
	f.tr.errs["alpha"] = nil
	f.coord.ClearAuthFailures()
	res, _ = f.coord.Tick(ctx)
	if res.Status != StatusDispatched {
		t.Fatalf("status after clear = %s, want dispatched", res.Status)
	}
}

func TestWorkerFailureDoesNotRollBackTimestamp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenants("alpha"), defaultCfg())
	ctx := context.Background()

	f.tr.errs["alpha"] = poster.Transient(errors.New("network down"))
	res, err := f.coord.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}

	// At-most-once: the attempt consumed the interval.
	recs, _ := f.store.LoadRecords(ctx)
	if got := recs["alpha"]; !got.Equal(f.now) {
		t.Fatalf("timestamp = %s, want %s (no rollback)", got, f.now)
	}
	second, _ := f.coord.Tick(ctx)
	if second.Status != StatusNothingDue {
		t.Fatalf("second status = %s, want nothing_due", second.Status)
	}
}

func TestNoEligibleWorkIsNotAnError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenants("alpha"), defaultCfg())
	f.src.items["alpha"] = []source.WorkItem{{ID: "w1", Eligible: false}}

	res, err := f.coord.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outcome != OutcomeNoEligibleWork {
		t.Fatalf("outcome = %s, want no_eligible_work", res.Outcome)
	}
	if f.tr.callCount() != 0 {
		t.Fatal("transport called with no eligible work")
	}
}

func TestDisabledTenantNeverDispatches(t *testing.T) {
	t.Parallel()
	ts := tenants("off")
	ts[0].Enabled = false
	f := newFixture(t, ts, defaultCfg())

	res, err := f.coord.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusNothingDue {
		t.Fatalf("status = %s, want nothing_due", res.Status)
	}
}

func TestDispatchOneBypassesDueCheck(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenants("alpha"), defaultCfg())
	ctx := context.Background()

	// Tenant just ran; a normal tick would skip it.
	if err := f.store.SaveRecords(ctx, storage.Records{"alpha": f.now.Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}

	res, err := f.coord.DispatchOne(ctx, "alpha")
	if err != nil {
		t.Fatalf("DispatchOne: %v", err)
	}
	if res.Status != StatusDispatched || res.Outcome != OutcomePosted {
		t.Fatalf("res = %+v", res)
	}

	if _, err := f.coord.DispatchOne(ctx, "ghost"); err == nil {
		t.Fatal("DispatchOne accepted unknown tenant")
	}
}

func TestDispatchPanicIsIsolated(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenants("alpha"), defaultCfg())
	f.coord.src = &panickySource{}

	res, err := f.coord.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	// Coordinator still usable.
	if _, err := f.coord.Tick(context.Background()); err != nil {
		t.Fatalf("Tick after panic: %v", err)
	}
}

type panickySource struct{}

func (p *panickySource) ListCandidates(ctx context.Context, t source.Tenant) ([]source.WorkItem, error) {
	panic("boom")
}

func (p *panickySource) MarkExecuted(ctx context.Context, t source.Tenant, ref string, at time.Time) error {
	return nil
}
