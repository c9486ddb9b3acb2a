package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/notify"
	"postbot/internal/poster"
	"postbot/internal/selector"
	"postbot/internal/source"
	logx "postbot/pkg/logx"
)

// dispatch runs the worker for one tenant and waits for it synchronously.
//
// The worker runs in its own goroutine with a panic guard so tenant-specific
// execution (source listing, transport quirks) can never take down the
// coordinator. Cancellation is limited to the optional DispatchTimeout; a
// genuinely stuck worker is abandoned to outside supervision, exactly one
// per tick.
func (c *Coordinator) dispatch(ctx context.Context, tenant source.Tenant, now time.Time) TickResult {
	start := c.now()
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchStarted, Time: start, Data: tenant.ID})
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.DispatchTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.DispatchTimeout)
		defer cancel()
	}

	done := make(chan TickResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("dispatch panic",
					logx.String("tenant", tenant.ID),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
				done <- TickResult{
					Status:   StatusDispatched,
					TenantID: tenant.ID,
					Outcome:  OutcomeFailed,
					Err:      fmt.Errorf("panic: %v", r),
				}
			}
		}()
		done <- c.runWorker(runCtx, tenant, now)
	}()

	var res TickResult
	select {
	case res = <-done:
	case <-runCtx.Done():
		res = TickResult{
			Status:   StatusDispatched,
			TenantID: tenant.ID,
			Outcome:  OutcomeFailed,
			Err:      runCtx.Err(),
		}
	}

	c.report(ctx, res, c.now().Sub(start))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchFinished, Time: c.now(), Data: res})
	}
	return res
}

func (c *Coordinator) runWorker(ctx context.Context, tenant source.Tenant, now time.Time) TickResult {
	res := TickResult{Status: StatusDispatched, TenantID: tenant.ID}

	items, err := c.src.ListCandidates(ctx, tenant)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("list candidates: %w", err)
		return res
	}

	item, ok := selector.Select(items, now, c.cfg.MinIdle)
	if !ok {
		res.Outcome = OutcomeNoEligibleWork
		return res
	}

	externalID, err := c.client.Execute(ctx, tenant, item)
	if err != nil {
		if rl, limited := poster.IsRateLimited(err); limited {
			c.gateMu.Lock()
			c.cooldown[tenant.ID] = rl.ResetAt
			c.gateMu.Unlock()
			res.Outcome = OutcomeRateLimited
			res.ResetAt = rl.ResetAt
			res.Err = err
			return res
		}
		if poster.IsAuth(err) {
			c.gateMu.Lock()
			c.authFailed[tenant.ID] = err.Error()
			c.gateMu.Unlock()
			res.Outcome = OutcomeAuthFailed
			res.Err = err
			return res
		}
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}

	res.Outcome = OutcomePosted
	res.ExternalID = externalID

	// The post went out; a failed mark must not undo that fact.
	if err := c.src.MarkExecuted(ctx, tenant, item.LocationRef, now); err != nil {
		c.log.Warn("mark executed failed",
			logx.String("tenant", tenant.ID),
			logx.String("item", item.ID),
			logx.Any("err", err))
		res.Err = fmt.Errorf("mark executed: %w", err)
	}
	return res
}

// report turns one dispatch result into a log line and an operator
// notification.
func (c *Coordinator) report(ctx context.Context, res TickResult, dur time.Duration) {
	fields := []logx.Field{
		logx.String("tenant", res.TenantID),
		logx.String("outcome", res.Outcome.String()),
		logx.Duration("dur", dur),
	}
	switch res.Outcome {
	case OutcomePosted:
		c.log.Info("dispatch finished", append(fields, logx.String("external_id", res.ExternalID), logx.Err(res.Err))...)
		c.notifyf(ctx, notify.SeverityInfo, "post published", "tenant %s posted (id %s)", res.TenantID, res.ExternalID)
	case OutcomeNoEligibleWork:
		c.log.Info("dispatch skipped", fields...)
		c.notifyf(ctx, notify.SeverityInfo, "nothing to post", "tenant %s has no eligible work", res.TenantID)
	case OutcomeRateLimited:
		c.log.Warn("dispatch rate limited", append(fields, logx.Time("reset_at", res.ResetAt))...)
		c.notifyf(ctx, notify.SeverityWarn, "rate limited", "tenant %s held until %s", res.TenantID, res.ResetAt.Format(time.RFC3339))
	case OutcomeAuthFailed:
		c.log.Error("dispatch auth failed", append(fields, logx.Err(res.Err))...)
		c.notifyf(ctx, notify.SeverityError, "auth failed", "tenant %s needs new credentials: %v", res.TenantID, res.Err)
	default:
		c.log.Warn("dispatch failed", append(fields, logx.Err(res.Err))...)
		c.notifyf(ctx, notify.SeverityError, "post failed", "tenant %s: %v", res.TenantID, res.Err)
	}
}
