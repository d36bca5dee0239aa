package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/spabridge/internal/httpkit"
	"github.com/nugget/spabridge/internal/state"
)

// WebhookNotifier delivers alerts by POSTing them as JSON to a URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a WebhookNotifier. A zero timeout uses the
// httpkit default.
func NewWebhookNotifier(url string, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	opts := []httpkit.ClientOption{
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	}
	if timeout > 0 {
		opts = append(opts, httpkit.WithTimeout(timeout))
	}
	return &WebhookNotifier{
		url:    url,
		client: httpkit.NewClient(opts...),
		logger: logger,
	}
}

// Notify posts the alert. Any non-2xx response is an error, so the alert
// stays un-notified.
func (n *WebhookNotifier) Notify(ctx context.Context, a state.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("webhook: status %d: %s", resp.StatusCode, msg)
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	n.logger.Debug("alert delivered to webhook", "alert_id", a.ID, "device_id", a.DeviceID)
	return nil
}
