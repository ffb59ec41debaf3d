// Package notify delivers best-effort operator notifications for health
// edges and failover events.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const webhookTimeout = 5 * time.Second

// WebhookNotifier posts operator messages to a configured webhook URL. With
// no URL configured it degrades to logging the message. Delivery is
// best-effort in both cases: callers log a returned error and move on.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier creates a notifier. An empty url is valid and means
// log-only delivery.
func NewWebhookNotifier(url string, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger.With().Str("component", "WebhookNotifier").Logger(),
	}
}

// Notify implements dispatch.Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, message string) error {
	if n.url == "" {
		n.logger.Info().Str("message", message).Msg("Operator notification")
		return nil
	}

	payload, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}
