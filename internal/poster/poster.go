// Package poster performs the external "post" action through a typed
// retry/backoff layer.
//
// The client owns only the retry contract: transient transport failures are
// retried a small bounded number of times with linear backoff; rate-limit and
// auth failures surface immediately so the caller can decide at its own tick
// boundary. Everything else about the transport (endpoints, auth, media
// upload) lives behind the Transport interface.
package poster

import (
	"context"
	"math/rand"
	"time"

	"postbot/internal/source"
	logx "postbot/pkg/logx"
)

// Transport performs one post attempt and reports failures as the typed
// errors in this package. Errors of any other type are treated as unknown and
// are not retried.
type Transport interface {
	Post(ctx context.Context, tenant source.Tenant, item source.WorkItem) (externalID string, err error)
}

type Config struct {
	// Attempts bounds transient retries (total tries, not retries). Default 3.
	Attempts int
	// RetryBase is the linear backoff unit: attempt n waits n*RetryBase.
	RetryBase time.Duration
	// RetryMaxDelay caps a single backoff wait.
	RetryMaxDelay time.Duration
	// RetryJitter is the +/- fraction applied to each wait (0.2 = 20%).
	RetryJitter float64
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

type Client struct {
	tr  Transport
	cfg Config
	log logx.Logger
	rng *rand.Rand

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(tr Transport, cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		tr:    tr,
		cfg:   cfg.withDefaults(),
		log:   log,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: sleepCtx,
	}
}

// Execute posts one item for the tenant.
//
// On success it returns the opaque external id. RateLimitedError and
// AuthError pass through on the first occurrence; TransientError is retried
// up to cfg.Attempts total tries, then the last one surfaces.
func (c *Client) Execute(ctx context.Context, tenant source.Tenant, item source.WorkItem) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		id, err := c.tr.Post(ctx, tenant, item)
		if err == nil {
			return id, nil
		}
		lastErr = err

		if !IsTransient(err) {
			// Rate-limit, auth, or unknown: the caller decides, not us.
			return "", err
		}
		if attempt >= c.cfg.Attempts {
			break
		}

		delay := c.backoff(attempt)
		c.log.Debug("post retry scheduled",
			logx.String("tenant", tenant.ID),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Any("err", err))
		if err := c.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

// backoff computes the linear wait for the given attempt with jitter applied,
// capped at RetryMaxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBase * time.Duration(attempt)
	if d > c.cfg.RetryMaxDelay {
		d = c.cfg.RetryMaxDelay
	}
	if j := c.cfg.RetryJitter; j > 0 && c.rng != nil {
		r := (c.rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > c.cfg.RetryMaxDelay {
		d = c.cfg.RetryMaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
