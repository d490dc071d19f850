package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/notifyhub/reminder-engine/internal/domain"
)

// WebhookAlert posts dead-letter alerts as JSON to an operator webhook
// (Slack, PagerDuty, or anything accepting a POST). The URL is injected from
// config so tests can point to a local server.
type WebhookAlert struct {
	url        string
	httpClient *http.Client
}

func NewWebhookAlert(url string, timeout time.Duration) *WebhookAlert {
	return &WebhookAlert{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Post sends msg and accepts any 2xx response.
func (a *WebhookAlert) Post(ctx context.Context, msg AlertMessage) error {
	const op = "alert webhook"
	body, err := json.Marshal(msg)
	if err != nil {
		return domain.Invalid(op, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return domain.Permanent(op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return requestError(op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode)
	}
	return nil
}

// compile-time check that WebhookAlert implements AlertSink
var _ AlertSink = (*WebhookAlert)(nil)
