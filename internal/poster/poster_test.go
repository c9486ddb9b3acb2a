package poster

import (
	"context"
	"errors"
	"testing"
	"time"

	"postbot/internal/source"
	logx "postbot/pkg/logx"
)

type scriptedTransport struct {
	calls int
	errs  []error // nil entry = success
	id    string
}

func (s *scriptedTransport) Post(ctx context.Context, tenant source.Tenant, item source.WorkItem) (string, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	return s.id, nil
}

func newTestClient(tr Transport) *Client {
	c := New(tr, Config{Attempts: 3, RetryBase: time.Millisecond, RetryJitter: 0.01}, logx.Nop())
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	tr := &scriptedTransport{id: "ext-1"}
	id, err := newTestClient(tr).Execute(context.Background(), source.Tenant{ID: "t1"}, source.WorkItem{ID: "w1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if id != "ext-1" {
		t.Fatalf("id = %q, want ext-1", id)
	}
	if tr.calls != 1 {
		t.Fatalf("calls = %d, want 1", tr.calls)
	}
}

func TestExecuteRetriesTransient(t *testing.T) {
	t.Parallel()
	tr := &scriptedTransport{id: "ext-2", errs: []error{
		Transient(errors.New("conn reset")),
		Transient(errors.New("timeout")),
	}}
	id, err := newTestClient(tr).Execute(context.Background(), source.Tenant{ID: "t1"}, source.WorkItem{ID: "w1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if id != "ext-2" {
		t.Fatalf("id = %q, want ext-2", id)
	}
	if tr.calls != 3 {
		t.Fatalf("calls = %d, want 3", tr.calls)
	}
}

func TestExecuteTransientExhaustsAttempts(t *testing.T) {
	t.Parallel()
	boom := Transient(errors.New("down"))
	tr := &scriptedTransport{errs: []error{boom, boom, boom, boom}}
	_, err := newTestClient(tr).Execute(context.Background(), source.Tenant{ID: "t1"}, source.WorkItem{})
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if tr.calls != 3 {
		t.Fatalf("calls = %d, want 3 (bounded retry)", tr.calls)
	}
}

func TestExecuteRateLimitedNoRetry(t *testing.T) {
	t.Parallel()
	reset := time.Now().Add(10 * time.Minute)
	tr := &scriptedTransport{errs: []error{&RateLimitedError{ResetAt: reset, Remaining: 10 * time.Minute}}}
	_, err := newTestClient(tr).Execute(context.Background(), source.Tenant{ID: "t1"}, source.WorkItem{})
	rl, ok := IsRateLimited(err)
	if !ok {
		t.Fatalf("err = %v, want rate-limited", err)
	}
	if !rl.ResetAt.Equal(reset) {
		t.Fatalf("ResetAt = %s, want %s", rl.ResetAt, reset)
	}
	if tr.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no internal retry)", tr.calls)
	}
}

func TestExecuteAuthNoRetry(t *testing.T) {
	t.Parallel()
	tr := &scriptedTransport{errs: []error{&AuthError{Reason: "token revoked"}}}
	_, err := newTestClient(tr).Execute(context.Background(), source.Tenant{ID: "t1"}, source.WorkItem{})
	if !IsAuth(err) {
		t.Fatalf("err = %v, want auth", err)
	}
	if tr.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry)", tr.calls)
	}
}

func TestExecuteUnknownNoRetry(t *testing.T) {
	t.Parallel()
	tr := &scriptedTransport{errs: []error{errors.New("weird")}}
	_, err := newTestClient(tr).Execute(context.Background(), source.Tenant{ID: "t1"}, source.WorkItem{})
	if err == nil || IsTransient(err) || IsAuth(err) {
		t.Fatalf("err = %v, want plain unknown error", err)
	}
	if tr.calls != 1 {
		t.Fatalf("calls = %d, want 1", tr.calls)
	}
}

func TestBackoffIsLinearAndCapped(t *testing.T) {
	t.Parallel()
	c := New(nil, Config{Attempts: 5, RetryBase: time.Second, RetryMaxDelay: 3 * time.Second, RetryJitter: 0.0001}, logx.Nop())
	within := func(got, want time.Duration) bool {
		diff := got - want
		if diff < 0 {
			diff = -diff
		}
		return diff <= want/10
	}
	if d := c.backoff(1); !within(d, time.Second) {
		t.Fatalf("backoff(1) = %v, want ~1s", d)
	}
	if d := c.backoff(2); !within(d, 2*time.Second) {
		t.Fatalf("backoff(2) = %v, want ~2s", d)
	}
	if d := c.backoff(4); d > 3*time.Second {
		t.Fatalf("backoff(4) = %v, want <= cap 3s", d)
	}
}
