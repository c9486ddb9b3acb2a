package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "postbot/pkg/logx"
)

type recordingSink struct {
	mu    sync.Mutex
	sent  []string
	fails int // fail the first N sends
}

func (r *recordingSink) Send(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("sink down")
	}
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordingSink) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func testConfig() Config {
	return Config{
		Enabled:    true,
		Workers:    1,
		QueueSize:  8,
		RatePerSec: 1000,
		RetryMax:   2,
		RetryBase:  time.Millisecond,
	}
}

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	s := New(testConfig(), sink, logx.Nop())
	s.Start()
	defer s.Stop()

	if err := s.Notify(context.Background(), Notification{Title: "post dispatched", Body: "tenant alpha", Severity: SeverityInfo}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(sink.texts()) == 1 })
	got := sink.texts()[0]
	if got != "ℹ️ post dispatched\ntenant alpha" {
		t.Fatalf("rendered = %q", got)
	}
}

func TestNotifyRetries(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{fails: 2}
	s := New(testConfig(), sink, logx.Nop())
	s.Start()
	defer s.Stop()

	if err := s.Notify(context.Background(), Notification{Title: "flaky"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(sink.texts()) == 1 })
}

func TestSnapshotRecordsDeliveries(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RetryMax = 0
	sink := &recordingSink{fails: 1}
	s := New(cfg, sink, logx.Nop())
	s.Start()
	defer s.Stop()

	// The first send fails and must not enter the history.
	_ = s.Notify(context.Background(), Notification{Title: "lost"})
	_ = s.Notify(context.Background(), Notification{Title: "kept", Body: "tenant alpha"})
	waitFor(t, func() bool { return len(s.Snapshot()) == 1 })

	got := s.Snapshot()
	if got[0].Text != "ℹ️ kept\ntenant alpha" {
		t.Fatalf("history text = %q", got[0].Text)
	}
	if got[0].At.IsZero() {
		t.Fatal("history item has no timestamp")
	}
}

func TestNotifyDedupSuppresses(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	sink := &recordingSink{}
	s := New(cfg, sink, logx.Nop())
	s.Start()
	defer s.Stop()

	n := Notification{Title: "same", Body: "thing", Severity: SeverityWarn}
	for i := 0; i < 5; i++ {
		_ = s.Notify(context.Background(), n)
	}
	// A different notification still goes through.
	_ = s.Notify(context.Background(), Notification{Title: "other"})

	waitFor(t, func() bool { return len(sink.texts()) >= 2 })
	time.Sleep(50 * time.Millisecond)
	if got := len(sink.texts()); got != 2 {
		t.Fatalf("delivered %d notifications, want 2 (dedup)", got)
	}
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &recordingSink{}, logx.Nop())
	if err := s.Notify(context.Background(), Notification{Title: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	cfg.Enabled = true
	s = New(cfg, &recordingSink{}, logx.Nop())
	if err := s.Notify(context.Background(), Notification{Title: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err before Start = %v, want ErrStopped", err)
	}
	s.Start()
	s.Stop()
	if err := s.Notify(context.Background(), Notification{Title: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err after Stop = %v, want ErrStopped", err)
	}
}

func TestSeverityRendering(t *testing.T) {
	t.Parallel()
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeverityInfo, "ℹ️ t"},
		{SeverityWarn, "⚠️ t"},
		{SeverityError, "🚨 t"},
	}
	for _, tt := range tests {
		if got := render(Notification{Title: "t", Severity: tt.sev}); got != tt.want {
			t.Fatalf("render(%v) = %q, want %q", tt.sev, got, tt.want)
		}
	}
}
