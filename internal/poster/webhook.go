package poster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"postbot/internal/source"
)

// WebhookTransport posts items to an HTTP endpoint and maps the response into
// the package's error taxonomy:
//
//	2xx          -> external id from the response body
//	429          -> RateLimitedError (honoring Retry-After / X-RateLimit-Reset)
//	401/403      -> AuthError
//	5xx, network -> TransientError
//	anything else-> plain error (unknown, not retried)
type WebhookTransport struct {
	Endpoint string
	Token    string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// Now is used to compute rate-limit reset deltas. Defaults to time.Now.
	Now func() time.Time
}

type webhookRequest struct {
	TenantID string `json:"tenant_id"`
	ItemID   string `json:"item_id"`
	Payload  string `json:"payload"`
	MediaRef string `json:"media_ref,omitempty"`
}

type webhookResponse struct {
	ID string `json:"id"`
}

func (w *WebhookTransport) Post(ctx context.Context, tenant source.Tenant, item source.WorkItem) (string, error) {
	body, err := json.Marshal(webhookRequest{
		TenantID: tenant.ID,
		ItemID:   item.ID,
		Payload:  item.Payload,
		MediaRef: item.MediaRef,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	client := w.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var wr webhookResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&wr); err != nil || wr.ID == "" {
			// Some sinks reply with an empty body; fall back to a synthetic id.
			return fmt.Sprintf("%s-%s", tenant.ID, item.ID), nil
		}
		return wr.ID, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", w.rateLimited(resp)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &AuthError{Reason: fmt.Sprintf("endpoint returned %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return "", Transient(fmt.Errorf("endpoint returned %d", resp.StatusCode))
	default:
		return "", fmt.Errorf("endpoint returned unexpected status %d", resp.StatusCode)
	}
}

func (w *WebhookTransport) rateLimited(resp *http.Response) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}

	var wait time.Duration
	if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(ra); err == nil {
			wait = at.Sub(now())
		}
	} else if rs := strings.TrimSpace(resp.Header.Get("X-RateLimit-Reset")); rs != "" {
		if unix, err := strconv.ParseInt(rs, 10, 64); err == nil {
			wait = time.Unix(unix, 0).Sub(now())
		}
	}
	if wait <= 0 {
		wait = time.Minute
	}
	return &RateLimitedError{ResetAt: now().Add(wait), Remaining: wait}
}
